package export

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/snowpack.report/internal/lidar/l2frames"
	"github.com/banshee-data/snowpack.report/internal/lidar/l3grid"
)

func TestWriteNPYHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		shape []int
		tuple string
	}{
		{[]int{4}, "(4,)"},
		{[]int{2, 3}, "(2, 3)"},
		{[]int{2, 1, 3}, "(2, 1, 3)"},
		{[]int{0, 3}, "(0, 3)"},
	}
	for _, tt := range tests {
		t.Run(tt.tuple, func(t *testing.T) {
			a := Array{Shape: tt.shape, Data: make([]float64, Array{Shape: tt.shape}.Len())}
			var buf bytes.Buffer
			require.NoError(t, WriteNPY(&buf, a))
			raw := buf.Bytes()

			require.True(t, bytes.HasPrefix(raw, []byte("\x93NUMPY\x01\x00")))
			hlen := int(binary.LittleEndian.Uint16(raw[8:10]))
			assert.Zero(t, (10+hlen)%64, "data must start on a 64-byte boundary")
			header := string(raw[10 : 10+hlen])
			assert.True(t, strings.HasSuffix(header, "\n"))
			assert.Contains(t, header, "'descr': '<f8'")
			assert.Contains(t, header, "'fortran_order': False")
			assert.Contains(t, header, "'shape': "+tt.tuple)
			assert.Len(t, raw, 10+hlen+8*len(a.Data))
		})
	}
}

func TestWriteNPYShapeMismatch(t *testing.T) {
	t.Parallel()
	err := WriteNPY(&bytes.Buffer{}, Array{Shape: []int{2, 2}, Data: []float64{1}})
	assert.Error(t, err)
}

func TestReadNPYFloat32(t *testing.T) {
	t.Parallel()

	header := "{'descr': '<f4', 'fortran_order': False, 'shape': (3,), }"
	header += strings.Repeat(" ", 64-(10+len(header)+1)%64) + "\n"
	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY\x01\x00")
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	binary.Write(&buf, binary.LittleEndian, []float32{1.5, -2, 0.25})

	a, err := ReadNPY(&buf)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, a.Shape)
	assert.Equal(t, []float64{1.5, -2, 0.25}, a.Data)
}

func TestReadNPYRejects(t *testing.T) {
	t.Parallel()

	_, err := ReadNPY(strings.NewReader("not an npy file"))
	assert.Error(t, err)

	header := "{'descr': '<f8', 'fortran_order': True, 'shape': (1, 1), }\n"
	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY\x01\x00")
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	buf.Write(make([]byte, 8))
	_, err = ReadNPY(&buf)
	assert.ErrorContains(t, err, "fortran")
}

func TestArrayViews(t *testing.T) {
	t.Parallel()

	m := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	a := DenseArray(m, 2, 3)
	assert.Equal(t, []int{2, 3}, a.Shape)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, a.Data)

	empty := DenseArray(nil, 0, 4)
	assert.Equal(t, []int{0, 4}, empty.Shape)
	assert.Zero(t, empty.Len())

	p := PointsArray([]l2frames.Point{{X: 1, Y: 2, Z: 3}, {X: -1, Y: 0.5, Z: 0}})
	assert.Equal(t, []int{2, 3}, p.Shape)
	assert.Equal(t, []float64{1, 2, 3, -1, 0.5, 0}, p.Data)

	h := &l3grid.Histogram{Shape: [3]int{1, 2, 2}, Counts: []float64{0, 1, 2, 3}}
	ha := HistogramArray(h)
	assert.Equal(t, []int{1, 2, 2}, ha.Shape)
	assert.Equal(t, 4, ha.Len())
}

func TestNPYRoundTrip3D(t *testing.T) {
	t.Parallel()

	want := Array{Shape: []int{2, 2, 2}, Data: []float64{0, 1, 2, 3, 4, 5, 6, 7}}
	var buf bytes.Buffer
	require.NoError(t, WriteNPY(&buf, want))
	got, err := ReadNPY(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
