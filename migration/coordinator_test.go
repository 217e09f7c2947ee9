package migration_test

import (
	"net"
	"os"
	"testing"

	"github.com/hermit-os/uhyve-go/kvm"
	"github.com/hermit-os/uhyve-go/memory"
	"github.com/hermit-os/uhyve-go/migration"
	"github.com/hermit-os/uhyve-go/vcpu"
)

func newLoopbackMemory(t *testing.T, size uint64) *memory.Memory {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("skipping test since we are not root")
	}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("skipping test: %v", err)
	}

	t.Cleanup(func() { devKVM.Close() })

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	mem, err := memory.New(vmFd, size, false, false)
	if err != nil {
		t.Fatal(err)
	}

	return mem
}

func TestColdMigrationMetadataMismatch(t *testing.T) {
	t.Parallel()

	// The responder expects NCores=2, but the initiator declares 1; the
	// handshake must fail fast with ErrMetadataMismatch rather than
	// proceeding to transfer memory.
	initConn, respConn := net.Pipe()

	init := &migration.Initiator{
		Conn:   initConn,
		Params: migration.Params{Type: migration.TypeCold, Mode: migration.ModeComplete},
		Meta:   migration.Metadata{NCores: 1, GuestSize: 4096, EntryPoint: 0x1000},
		Chunks: []migration.ChunkLayout{{GuestPhys: 0, Size: 4096}},
	}

	errc := make(chan error, 1)

	go func() {
		errc <- init.Run(nil, nil, func() []byte { return make([]byte, 4096) })
	}()

	resp := &migration.Responder{Conn: respConn}

	_, _, err := resp.Accept(2, 0x1000, 4096)
	if err == nil {
		t.Fatal("expected ErrMetadataMismatch, got nil")
	}

	initConn.Close()
	respConn.Close()
	<-errc
}

func TestColdMigrationFullMemoryTransfer(t *testing.T) {
	t.Parallel()

	initConn, respConn := net.Pipe()

	const guestSize = 3 * memory.PageSize

	srcData := make([]byte, guestSize)
	for i := range srcData {
		srcData[i] = byte(i)
	}

	states := []*vcpu.State{{}}
	clock := &kvm.ClockData{Clock: 42}

	init := &migration.Initiator{
		Conn:   initConn,
		Params: migration.Params{Type: migration.TypeCold, Mode: migration.ModeComplete},
		Meta:   migration.Metadata{NCores: 1, GuestSize: guestSize, EntryPoint: 0x1000},
		Chunks: []migration.ChunkLayout{{GuestPhys: 0, Size: guestSize}},
	}

	errc := make(chan error, 1)

	go func() {
		errc <- init.Run(nil, func() ([]*vcpu.State, *kvm.ClockData, error) {
			return states, clock, nil
		}, func() []byte { return srcData })
	}()

	dstMem := newLoopbackMemory(t, guestSize)

	resp := &migration.Responder{Conn: respConn, Mem: dstMem}

	gotStates, gotClock, err := resp.Accept(1, 0x1000, guestSize)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := <-errc; err != nil {
		t.Fatalf("Initiator.Run: %v", err)
	}

	if len(gotStates) != 1 {
		t.Fatalf("have %d states, want 1", len(gotStates))
	}

	if gotClock.Clock != 42 {
		t.Errorf("clock = %d, want 42", gotClock.Clock)
	}

	dstBuf, ok := dstMem.Bytes(0)
	if !ok || dstBuf[5] != srcData[5] {
		t.Error("destination memory does not match source after full transfer")
	}
}
