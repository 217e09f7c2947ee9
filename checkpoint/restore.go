package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hermit-os/uhyve-go/kvm"
	"github.com/hermit-os/uhyve-go/memory"
	"github.com/hermit-os/uhyve-go/vcpu"
)

var ErrShortRead = errors.New("checkpoint: short read restoring state")

// Restore reads the manifest and replays every checkpoint index from the
// base (0 for a full restore, else the manifest's checkpoint number)
// through the current index, writing pages back into mem and, on the
// final index, programming the guest clock via setClock, per spec §4.F.
func Restore(dir string, mem *memory.Memory, setClock func(*kvm.ClockData) error) ([]*vcpu.State, error) {
	m, err := readManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: reading manifest: %w", err)
	}

	base := 0
	if !m.Full {
		base = m.CheckpointNumber
	}

	states, err := readCoreFiles(dir, m.CheckpointNumber, m.NCores)
	if err != nil {
		return nil, err
	}

	for idx := base; idx <= m.CheckpointNumber; idx++ {
		clock, err := replayMemFile(memPath(dir, idx), mem)
		if err != nil {
			return nil, err
		}

		if idx == m.CheckpointNumber {
			if err := setClock(clock); err != nil {
				return nil, fmt.Errorf("checkpoint: programming clock: %w", err)
			}
		}
	}

	return states, nil
}

func readCoreFiles(dir string, n, cores int) ([]*vcpu.State, error) {
	states := make([]*vcpu.State, cores)

	for i := 0; i < cores; i++ {
		f, err := os.Open(corePath(dir, n, i))
		if err != nil {
			return nil, fmt.Errorf("checkpoint: opening core file %d: %w", i, err)
		}

		var state vcpu.State
		if err := gob.NewDecoder(f).Decode(&state); err != nil {
			f.Close()

			return nil, fmt.Errorf("checkpoint: decoding core file %d: %w", i, err)
		}

		f.Close()

		states[i] = &state
	}

	return states, nil
}

func replayMemFile(path string, mem *memory.Memory) (*kvm.ClockData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: opening %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var clockBuf [16]byte
	if _, err := io.ReadFull(r, clockBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: clock in %s: %v", ErrShortRead, path, err)
	}

	clock := &kvm.ClockData{
		Clock: binary.LittleEndian.Uint64(clockBuf[0:8]),
		Flags: binary.LittleEndian.Uint32(clockBuf[8:12]),
	}

	for {
		var hdr [16]byte

		_, err := io.ReadFull(r, hdr[:])
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: entry header in %s: %v", ErrShortRead, path, err)
		}

		dest := binary.LittleEndian.Uint64(hdr[0:8])
		size := binary.LittleEndian.Uint64(hdr[8:16])

		page := make([]byte, size)
		if _, err := io.ReadFull(r, page); err != nil {
			return nil, fmt.Errorf("%w: page data in %s: %v", ErrShortRead, path, err)
		}

		if _, err := mem.WriteAt(page, int64(dest)); err != nil {
			return nil, fmt.Errorf("checkpoint: writing page at %#x from %s: %w", dest, path, err)
		}
	}

	return clock, nil
}
