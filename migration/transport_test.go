package migration_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"
	"testing"

	"github.com/hermit-os/uhyve-go/migration"
)

// pipe returns a connected (Sender, Receiver) pair backed by an in-memory pipe.
func pipe() (*migration.Sender, *migration.Receiver) {
	pr, pw := io.Pipe()

	return migration.NewSender(pw), migration.NewReceiver(pr)
}

func mustNext(t *testing.T, recv *migration.Receiver) (migration.MsgType, []byte) {
	t.Helper()

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Receiver.Next: %v", err)
	}

	return msgType, payload
}

func TestSendReceiveDone(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendDone(); err != nil {
			t.Errorf("SendDone: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgDone {
		t.Fatalf("got type %d, want MsgDone (%d)", msgType, migration.MsgDone)
	}

	if len(payload) != 0 {
		t.Fatalf("MsgDone should carry no payload, got %d bytes", len(payload))
	}
}

func TestSendReceiveReady(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendReady(); err != nil {
			t.Errorf("SendReady: %v", err)
		}
	}()

	msgType, _ := mustNext(t, recv)

	if msgType != migration.MsgReady {
		t.Fatalf("got type %d, want MsgReady (%d)", msgType, migration.MsgReady)
	}
}

func TestSendReceiveMemoryFull(t *testing.T) {
	t.Parallel()

	const memSize = 4096 * 3

	mem := make([]byte, memSize)
	for i := range mem {
		mem[i] = byte(i % 251)
	}

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemoryFull(mem); err != nil {
			t.Errorf("SendMemoryFull: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgMemoryFull {
		t.Fatalf("got type %d, want MsgMemoryFull (%d)", msgType, migration.MsgMemoryFull)
	}

	if !bytes.Equal(payload, mem) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(payload), len(mem))
	}
}

func TestSendReceiveMemoryDirty(t *testing.T) {
	t.Parallel()

	// Two dirty pages at page 0 and page 2 (bitmap word = 0b0101 = 5).
	bitmapBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(bitmapBytes, 5)

	page0 := bytes.Repeat([]byte{0xAA}, 4096)
	page2 := bytes.Repeat([]byte{0xBB}, 4096)
	pageData := append(append([]byte{}, page0...), page2...)

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemoryDirty(bitmapBytes, pageData); err != nil {
			t.Errorf("SendMemoryDirty: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgMemoryDirty {
		t.Fatalf("got type %d, want MsgMemoryDirty (%d)", msgType, migration.MsgMemoryDirty)
	}

	gotBitmap, gotPageData, err := migration.DecodeDirtyPayload(payload)
	if err != nil {
		t.Fatalf("DecodeDirtyPayload: %v", err)
	}

	if !bytes.Equal(gotBitmap, bitmapBytes) {
		t.Fatalf("bitmap mismatch: got %x, want %x", gotBitmap, bitmapBytes)
	}

	if !bytes.Equal(gotPageData, pageData) {
		t.Fatalf("page data mismatch (len got=%d want=%d)", len(gotPageData), len(pageData))
	}
}

func makeSnapshot() *migration.Snapshot {
	cpu := migration.VCPUState{
		Regs:    []byte{0x01, 0x02, 0x03},
		Sregs:   []byte{0x04, 0x05},
		MSRs:    []migration.MSREntry{{Index: 0x10, Data: 0x20}, {Index: 0x30, Data: 0x40}},
		LAPIC:   []byte{0xAB},
		Events:  []byte{0xCD},
		MPState: 1,
		XCRS:    []byte{0xFF},
		FPU:     []byte{0x77},
		XSave:   []byte{0x88},
	}

	return &migration.Snapshot{
		Meta: migration.Metadata{
			NCores:           2,
			GuestSize:        1 << 25,
			CheckpointNumber: 3,
			EntryPoint:       0x100000,
			Full:             true,
		},
		Chunks:     []migration.ChunkLayout{{GuestPhys: 0, Size: 1 << 25}},
		VCPUStates: []migration.VCPUState{cpu, cpu},
		Clock:      []byte{0x11},
	}
}

func TestSendReceiveSnapshot(t *testing.T) {
	t.Parallel()

	snap := makeSnapshot()
	sender, recv := pipe()

	go func() {
		if err := sender.SendSnapshot(snap); err != nil {
			t.Errorf("SendSnapshot: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgSnapshot {
		t.Fatalf("got type %d, want MsgSnapshot (%d)", msgType, migration.MsgSnapshot)
	}

	got, err := migration.DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if !reflect.DeepEqual(got, snap) {
		t.Fatalf("snapshot round-trip mismatch:\ngot  %+v\nwant %+v", got, snap)
	}
}

// TestFullMigrationProtocol sends the sequence of messages a real initiator
// would produce and verifies the receiver sees them in order.
func TestFullMigrationProtocol(t *testing.T) {
	t.Parallel()

	const pageSize = 4096

	mem := make([]byte, pageSize*4)
	for i := range mem {
		mem[i] = byte(i)
	}

	bitmapBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(bitmapBytes, 0xA)

	pageData := append(bytes.Repeat([]byte{0x11}, pageSize), bytes.Repeat([]byte{0x33}, pageSize)...)

	snap := makeSnapshot()

	sender, recv := pipe()
	errc := make(chan error, 1)

	go func() {
		if err := sender.SendMemoryFull(mem); err != nil {
			errc <- err

			return
		}

		if err := sender.SendMemoryDirty(bitmapBytes, pageData); err != nil {
			errc <- err

			return
		}

		if err := sender.SendSnapshot(snap); err != nil {
			errc <- err

			return
		}

		errc <- sender.SendDone()
	}()

	wantTypes := []migration.MsgType{
		migration.MsgMemoryFull,
		migration.MsgMemoryDirty,
		migration.MsgSnapshot,
		migration.MsgDone,
	}

	for _, wantType := range wantTypes {
		msgType, _, err := recv.Next()
		if err != nil {
			t.Fatalf("recv.Next (want %d): %v", wantType, err)
		}

		if msgType != wantType {
			t.Fatalf("message order: got type %d, want %d", msgType, wantType)
		}
	}

	if err := <-errc; err != nil {
		t.Fatalf("sender goroutine: %v", err)
	}
}

func TestDecodeDirtyPayloadTooShort(t *testing.T) {
	t.Parallel()

	if _, _, err := migration.DecodeDirtyPayload([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for short payload, got nil")
	}
}

func TestDecodeDirtyPayloadTruncatedBitmap(t *testing.T) {
	t.Parallel()

	hdr := make([]byte, 8)
	binary.BigEndian.PutUint64(hdr, 100)

	payload := append(hdr, 0x01, 0x02, 0x03, 0x04)

	if _, _, err := migration.DecodeDirtyPayload(payload); err == nil {
		t.Fatal("expected error for truncated bitmap, got nil")
	}
}

func TestDecodeSnapshotInvalidGob(t *testing.T) {
	t.Parallel()

	if _, err := migration.DecodeSnapshot([]byte{0xFF, 0xFE, 0xFD}); err == nil {
		t.Fatal("expected error decoding garbage, got nil")
	}
}

func TestReceiverEOF(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	recv := migration.NewReceiver(&buf)
	if _, _, err := recv.Next(); err == nil {
		t.Fatal("expected error on empty stream, got nil")
	}
}

func TestReceiverTruncatedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(migration.MsgMemoryFull))
	binary.BigEndian.PutUint64(hdr[4:12], 1000)
	buf.Write(hdr)
	buf.Write([]byte{0x01, 0x02, 0x03})

	recv := migration.NewReceiver(&buf)
	if _, _, err := recv.Next(); err == nil {
		t.Fatal("expected error for truncated payload, got nil")
	}
}
