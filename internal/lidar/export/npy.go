package export

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/snowpack.report/internal/lidar/l2frames"
	"github.com/banshee-data/snowpack.report/internal/lidar/l3grid"
)

// Array is an n-dimensional float64 array in C (row-major) order.
type Array struct {
	Shape []int
	Data  []float64
}

// Len is the product of the shape.
func (a Array) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// DenseArray views a 2-D gonum matrix as an Array. A nil matrix becomes a
// zero-size array of the given shape.
func DenseArray(m *mat.Dense, rows, cols int) Array {
	if m == nil {
		return Array{Shape: []int{rows, cols}}
	}
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, m.RawRowView(i)...)
	}
	return Array{Shape: []int{r, c}, Data: data}
}

// PointsArray lays points out as an (n, 3) array.
func PointsArray(pts []l2frames.Point) Array {
	data := make([]float64, 0, len(pts)*3)
	for _, p := range pts {
		data = append(data, float64(p.X), float64(p.Y), float64(p.Z))
	}
	return Array{Shape: []int{len(pts), 3}, Data: data}
}

// HistogramArray exposes a density histogram as an (nx, ny, nz) array.
func HistogramArray(h *l3grid.Histogram) Array {
	return Array{Shape: []int{h.Shape[0], h.Shape[1], h.Shape[2]}, Data: h.Counts}
}

var npyMagic = []byte("\x93NUMPY")

// npyAlign is the header alignment numpy has written since 1.14.
const npyAlign = 64

func shapeTuple(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// WriteNPY encodes a as a version 1.0 .npy file of little-endian float64.
func WriteNPY(w io.Writer, a Array) error {
	if a.Len() != len(a.Data) {
		return fmt.Errorf("npy: shape %v does not match %d values", a.Shape, len(a.Data))
	}
	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': %s, }", shapeTuple(a.Shape))
	pre := len(npyMagic) + 2 + 2
	pad := npyAlign - (pre+len(header)+1)%npyAlign
	if pad == npyAlign {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"
	if len(header) > math.MaxUint16 {
		return fmt.Errorf("npy: header too long for format 1.0")
	}

	bw := bufio.NewWriter(w)
	bw.Write(npyMagic)
	bw.Write([]byte{1, 0})
	binary.Write(bw, binary.LittleEndian, uint16(len(header)))
	bw.WriteString(header)
	if err := binary.Write(bw, binary.LittleEndian, a.Data); err != nil {
		return fmt.Errorf("npy: write data: %w", err)
	}
	return bw.Flush()
}

var (
	descrRe   = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// ReadNPY decodes a .npy file holding little-endian float64 or float32 data
// in C order. Version 1.0 and 2.0 headers are accepted.
func ReadNPY(r io.Reader) (Array, error) {
	br := bufio.NewReader(r)
	pre := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(br, pre); err != nil {
		return Array{}, fmt.Errorf("npy: read preamble: %w", err)
	}
	if !bytes.Equal(pre[:len(npyMagic)], npyMagic) {
		return Array{}, errors.New("npy: bad magic")
	}

	var hlen int
	switch pre[len(npyMagic)] {
	case 1:
		var n uint16
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return Array{}, fmt.Errorf("npy: read header length: %w", err)
		}
		hlen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return Array{}, fmt.Errorf("npy: read header length: %w", err)
		}
		hlen = int(n)
	default:
		return Array{}, fmt.Errorf("npy: unsupported format version %d", pre[len(npyMagic)])
	}
	hdr := make([]byte, hlen)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return Array{}, fmt.Errorf("npy: read header: %w", err)
	}
	header := string(hdr)

	descr := descrRe.FindStringSubmatch(header)
	shapeM := shapeRe.FindStringSubmatch(header)
	if descr == nil || shapeM == nil {
		return Array{}, fmt.Errorf("npy: malformed header %q", header)
	}
	if f := fortranRe.FindStringSubmatch(header); f != nil && f[1] == "True" {
		return Array{}, errors.New("npy: fortran order not supported")
	}

	var a Array
	for _, s := range strings.Split(shapeM[1], ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		d, err := strconv.Atoi(s)
		if err != nil || d < 0 {
			return Array{}, fmt.Errorf("npy: bad dimension %q", s)
		}
		a.Shape = append(a.Shape, d)
	}
	n := a.Len()

	switch descr[1] {
	case "<f8":
		a.Data = make([]float64, n)
		if err := binary.Read(br, binary.LittleEndian, a.Data); err != nil {
			return Array{}, fmt.Errorf("npy: read data: %w", err)
		}
	case "<f4":
		f32 := make([]float32, n)
		if err := binary.Read(br, binary.LittleEndian, f32); err != nil {
			return Array{}, fmt.Errorf("npy: read data: %w", err)
		}
		a.Data = make([]float64, n)
		for i, v := range f32 {
			a.Data[i] = float64(v)
		}
	default:
		return Array{}, fmt.Errorf("npy: unsupported dtype %q", descr[1])
	}
	return a, nil
}
