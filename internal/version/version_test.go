package version

import "testing"

func TestString(t *testing.T) {
	old := [3]string{Version, GitSHA, BuildTime}
	t.Cleanup(func() { Version, GitSHA, BuildTime = old[0], old[1], old[2] })

	if got, want := String(), "snowscan dev (commit unknown, built unknown)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	Version, GitSHA, BuildTime = "v0.3.0", "abc1234", "2026-01-15T10:30:00Z"
	if got, want := String(), "snowscan v0.3.0 (commit abc1234, built 2026-01-15T10:30:00Z)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
