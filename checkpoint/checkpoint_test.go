package checkpoint

import (
	"path/filepath"
	"testing"
)

func TestOpenCreatesDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "checkpoints")

	s, err := Open(dir, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if s.N != 0 {
		t.Errorf("N = %d, want 0 for a fresh store", s.N)
	}
}

func TestOpenResumesCounterFromManifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	m := &manifest{NCores: 2, GuestSize: 1 << 20, CheckpointNumber: 5, EntryPoint: 0x1000, Full: true}
	if err := writeManifestFile(dir, m); err != nil {
		t.Fatal(err)
	}

	s, err := Open(dir, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if s.N != 5 {
		t.Errorf("N = %d, want 5 (resumed from manifest)", s.N)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	want := &manifest{
		NCores:           4,
		GuestSize:        1 << 30,
		CheckpointNumber: 2,
		EntryPoint:       0x200000,
		Full:             false,
		AppPath:          "/guest/app.elf",
	}

	if err := writeManifestFile(dir, want); err != nil {
		t.Fatal(err)
	}

	got, err := readManifest(dir)
	if err != nil {
		t.Fatal(err)
	}

	if *got != *want {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, want)
	}
}

func TestSplitManifestLine(t *testing.T) {
	t.Parallel()

	key, val, ok := splitManifestLine("cores: 4")
	if !ok || key != "cores" || val != "4" {
		t.Errorf("have (%q, %q, %v)", key, val, ok)
	}

	if _, _, ok := splitManifestLine("no colon here"); ok {
		t.Error("expected ok=false for a line without a colon")
	}
}
