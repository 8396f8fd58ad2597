package fdtracker

import (
	"os"
	"path/filepath"
	"testing"
)

const testFlags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC

func TestOpenTracksOwner(t *testing.T) {
	tr := New()
	path := filepath.Join(t.TempDir(), "f.txt")
	f, err := tr.Open("svcA", path, testFlags, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Count("svcA") != 1 {
		t.Fatalf("Count(svcA) = %d, want 1", tr.Count("svcA"))
	}
	if err := tr.Close(f); err != nil {
		t.Fatal(err)
	}
	if tr.Count("svcA") != 0 {
		t.Fatalf("Count(svcA) after close = %d, want 0", tr.Count("svcA"))
	}
}

func TestCountAllAndDump(t *testing.T) {
	tr := New()
	path1 := filepath.Join(t.TempDir(), "a.txt")
	path2 := filepath.Join(t.TempDir(), "b.txt")
	f1, err := tr.Open("svcA", path1, testFlags, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f2, err := tr.Open("svcB", path2, testFlags, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close(f1)
	defer tr.Close(f2)

	if tr.Count("") != 2 {
		t.Fatalf("Count(\"\") = %d, want 2", tr.Count(""))
	}
	dump := tr.Dump()
	if dump == "" {
		t.Fatal("expected non-empty diagnostic dump")
	}
}
