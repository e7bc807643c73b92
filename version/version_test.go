package version

import "testing"

func TestVersionSemver(t *testing.T) {
	v := Version("v0.1.2-beta")
	sv := v.Semver()

	if want, got := uint64(0), sv.Major(); want != got {
		t.Fatalf("expected major %d, got %d", want, got)
	}
	if want, got := uint64(1), sv.Minor(); want != got {
		t.Fatalf("expected minor %d, got %d", want, got)
	}
	if want, got := uint64(2), sv.Patch(); want != got {
		t.Fatalf("expected patch %d, got %d", want, got)
	}
}
