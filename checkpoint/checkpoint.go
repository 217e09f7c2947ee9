// Package checkpoint implements the on-disk checkpoint store: per-core
// vCPU state files, a guest memory dump stream, and a manifest, per spec
// §4.F.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hermit-os/uhyve-go/kvm"
	"github.com/hermit-os/uhyve-go/memory"
	"github.com/hermit-os/uhyve-go/pagetable"
	"github.com/hermit-os/uhyve-go/vcpu"
)

// Store owns one checkpoint directory and the running checkpoint counter.
type Store struct {
	Dir  string
	N    int
	Full bool
}

// Open prepares a checkpoint directory, creating it if missing, and
// resumes the running checkpoint counter from an existing manifest if
// one is present.
func Open(dir string, full bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: creating %s: %w", dir, err)
	}

	s := &Store{Dir: dir, Full: full}

	if manifest, err := readManifest(dir); err == nil {
		s.N = manifest.CheckpointNumber
	}

	return s, nil
}

func corePath(dir string, n, core int) string {
	return filepath.Join(dir, fmt.Sprintf("chk%d_core%d.dat", n, core))
}

func memPath(dir string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("chk%d_mem.dat", n))
}

func manifestPath(dir string) string {
	return filepath.Join(dir, "chk_config.txt")
}

type manifest struct {
	NCores           int
	GuestSize        uint64
	CheckpointNumber int
	EntryPoint       uint64
	Full             bool
	AppPath          string
}

// Create serializes every vCPU state to its own file, streams the guest
// clock followed by a full or incremental page dump, and writes the
// manifest. N is incremented only on success, per spec §4.F.
func (s *Store) Create(states []*vcpu.State, clock *kvm.ClockData, mem *memory.Memory, entryPoint uint64, appPath string) error {
	n := s.N

	for i, state := range states {
		if err := writeCoreFile(corePath(s.Dir, n, i), state); err != nil {
			return err
		}
	}

	mode := pagetable.Full
	if !s.Full {
		if n == 0 {
			mode = pagetable.IncrementalAfterFull
		} else {
			mode = pagetable.Incremental
		}
	}

	pages, err := pagetable.Scan(mem, entryPoint, mode)
	if err != nil {
		return fmt.Errorf("checkpoint: scanning pages: %w", err)
	}

	if err := writeMemFile(memPath(s.Dir, n), clock, pages, mem); err != nil {
		return err
	}

	m := manifest{
		NCores:           len(states),
		GuestSize:        mem.Size(),
		CheckpointNumber: n,
		EntryPoint:       entryPoint,
		Full:             s.Full,
		AppPath:          appPath,
	}

	if err := writeManifestFile(s.Dir, &m); err != nil {
		return err
	}

	s.N = n + 1

	return nil
}

func writeCoreFile(path string, state *vcpu.State) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: creating %s: %w", path, err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(state); err != nil {
		return fmt.Errorf("checkpoint: encoding %s: %w", path, err)
	}

	return nil
}

func writeMemFile(path string, clock *kvm.ClockData, pages []pagetable.Page, mem *memory.Memory) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: creating %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	var clockBuf [16]byte
	binary.LittleEndian.PutUint64(clockBuf[0:8], clock.Clock)
	binary.LittleEndian.PutUint32(clockBuf[8:12], clock.Flags)

	if _, err := w.Write(clockBuf[:]); err != nil {
		return fmt.Errorf("checkpoint: writing clock to %s: %w", path, err)
	}

	for _, p := range pages {
		var hdr [16]byte
		binary.LittleEndian.PutUint64(hdr[0:8], p.PagePointer)
		binary.LittleEndian.PutUint64(hdr[8:16], uint64(p.PageSize))

		if _, err := w.Write(hdr[:]); err != nil {
			return fmt.Errorf("checkpoint: writing entry to %s: %w", path, err)
		}

		data, ok := mem.Bytes(p.PagePointer)
		if !ok || len(data) < p.PageSize {
			return fmt.Errorf("checkpoint: page at %#x not mapped while writing %s", p.PagePointer, path)
		}

		if _, err := w.Write(data[:p.PageSize]); err != nil {
			return fmt.Errorf("checkpoint: writing page data to %s: %w", path, err)
		}
	}

	return w.Flush()
}

func writeManifestFile(dir string, m *manifest) error {
	f, err := os.Create(manifestPath(dir))
	if err != nil {
		return fmt.Errorf("checkpoint: creating manifest: %w", err)
	}
	defer f.Close()

	full := 0
	if m.Full {
		full = 1
	}

	fmt.Fprintf(f, "cores: %d\n", m.NCores)
	fmt.Fprintf(f, "guest_size: %d\n", m.GuestSize)
	fmt.Fprintf(f, "checkpoint_number: %d\n", m.CheckpointNumber)
	fmt.Fprintf(f, "entry_point: %d\n", m.EntryPoint)
	fmt.Fprintf(f, "full: %d\n", full)

	if m.AppPath != "" {
		fmt.Fprintf(f, "app_path: %s\n", m.AppPath)
	}

	return nil
}

func readManifest(dir string) (*manifest, error) {
	f, err := os.Open(manifestPath(dir))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := &manifest{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, val, ok := splitManifestLine(scanner.Text())
		if !ok {
			continue
		}

		switch key {
		case "cores":
			m.NCores, _ = strconv.Atoi(val)
		case "guest_size":
			n, _ := strconv.ParseUint(val, 10, 64)
			m.GuestSize = n
		case "checkpoint_number":
			m.CheckpointNumber, _ = strconv.Atoi(val)
		case "entry_point":
			n, _ := strconv.ParseUint(val, 10, 64)
			m.EntryPoint = n
		case "full":
			m.Full = val == "1"
		case "app_path":
			m.AppPath = val
		}
	}

	return m, scanner.Err()
}

func splitManifestLine(line string) (key, val string, ok bool) {
	for i := 0; i < len(line); i++ {
		if line[i] == ':' {
			return line[:i], trimLeadingSpace(line[i+1:]), true
		}
	}

	return "", "", false
}

func trimLeadingSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}

	return s
}
