package migration

import (
	"errors"
	"fmt"
	"net"

	"github.com/hermit-os/uhyve-go/kvm"
	"github.com/hermit-os/uhyve-go/memory"
	"github.com/hermit-os/uhyve-go/vcpu"
)

// ParamType distinguishes a live (pre-copy) migration from a cold
// (stop-the-world) one.
type ParamType int32

const (
	TypeCold ParamType = iota
	TypeLive
)

// ParamMode names a cold migration's complete-copy or incremental-copy
// variant. Initiator.Run does not read it: a cold migration always sends
// the full guest memory.
type ParamMode int32

const (
	ModeIncremental ParamMode = iota
	ModeComplete
)

// Params is the migration parameter struct of one run. Initiator.Run
// reads only Type; sendParams does not put Params on the wire, so the
// responder receives only the metadata and chunk layout.
type Params struct {
	Type     ParamType
	Mode     ParamMode
	UseODP   bool
	Prefetch bool
}

// MigIters is the number of pre-copy rounds a LIVE migration performs
// before the stop-and-copy phase.
const MigIters = 5

var (
	ErrProtocolViolation = errors.New("migration: protocol violation")
	ErrMetadataMismatch  = errors.New("migration: metadata mismatch")
)

// DirtyScanner produces one pre-copy or final round's dirty bitmap and
// packed page data, implemented by the page-table scanner (component E)
// under the runtime package's orchestration.
type DirtyScanner func() (bitmap []byte, pages []byte, err error)

// Quiescer signals every vCPU thread to stop, rendezvous at the barrier,
// and save its architectural state — spec §4.H step 3.
type Quiescer func() ([]*vcpu.State, *kvm.ClockData, error)

// Initiator drives the outbound side of a migration: spec §4.H
// "Initiator side".
type Initiator struct {
	Conn   net.Conn
	Params Params
	Meta   Metadata
	Chunks []ChunkLayout
}

// Run performs steps 1-4 of the initiator sequence and returns nil on a
// clean handoff (the caller exits the process on success per step 5).
func (in *Initiator) Run(scan DirtyScanner, quiesce Quiescer, fullMemory func() []byte) error {
	sender := NewSender(in.Conn)

	if err := sendParams(sender, &in.Params, &in.Meta, in.Chunks); err != nil {
		return err
	}

	if in.Params.Type == TypeLive {
		for i := 0; i < MigIters; i++ {
			bitmap, pages, err := scan()
			if err != nil {
				return fmt.Errorf("migration: precopy round %d: %w", i, err)
			}

			if err := sender.SendMemoryDirty(bitmap, pages); err != nil {
				return fmt.Errorf("%w: precopy round %d: %v", ErrProtocolViolation, i, err)
			}
		}
	}

	states, clock, err := quiesce()
	if err != nil {
		return fmt.Errorf("migration: quiescing vCPUs: %w", err)
	}

	if in.Params.Type == TypeLive {
		bitmap, pages, err := scan()
		if err != nil {
			return fmt.Errorf("migration: final delta: %w", err)
		}

		if err := sender.SendMemoryDirty(bitmap, pages); err != nil {
			return fmt.Errorf("%w: final delta: %v", ErrProtocolViolation, err)
		}
	} else {
		if err := sender.SendMemoryFull(fullMemory()); err != nil {
			return fmt.Errorf("%w: full memory: %v", ErrProtocolViolation, err)
		}
	}

	wireStates := make([]VCPUState, len(states))

	for i, s := range states {
		ws, err := FromVCPUState(s)
		if err != nil {
			return fmt.Errorf("migration: encoding vcpu %d state: %w", i, err)
		}

		wireStates[i] = ws
	}

	clockBytes, err := encodeFixed(clock)
	if err != nil {
		return fmt.Errorf("migration: encoding clock: %w", err)
	}

	snap := &Snapshot{
		Meta:       in.Meta,
		Chunks:     in.Chunks,
		VCPUStates: wireStates,
		Clock:      clockBytes,
	}

	if err := sender.SendSnapshot(snap); err != nil {
		return fmt.Errorf("%w: snapshot: %v", ErrProtocolViolation, err)
	}

	return sender.SendDone()
}

func sendParams(sender *Sender, params *Params, meta *Metadata, chunks []ChunkLayout) error {
	snap := &Snapshot{Meta: *meta, Chunks: chunks}

	if err := sender.SendSnapshot(snap); err != nil {
		return fmt.Errorf("%w: metadata: %v", ErrProtocolViolation, err)
	}

	return nil
}

// Responder drives the inbound side: spec §4.H "Responder side". Memory
// for the received layout must already be allocated by the caller,
// honoring the same chunk decomposition the initiator declared.
type Responder struct {
	Conn net.Conn
	Mem  *memory.Memory
}

// Accept receives the handshake, pre-copy rounds, and final delta/full
// copy directly into mem, then the vCPU state array and clock. It
// validates metadata against the locally configured VM and aborts on any
// mismatch or short I/O, per spec §4.H "Failure semantics".
func (r *Responder) Accept(wantNCores int, wantEntryPoint uint64, wantGuestSize uint64) ([]*vcpu.State, *kvm.ClockData, error) {
	recv := NewReceiver(r.Conn)

	msgType, payload, err := recv.Next()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: metadata: %v", ErrProtocolViolation, err)
	}

	if msgType != MsgSnapshot {
		return nil, nil, fmt.Errorf("%w: expected metadata, got type %d", ErrProtocolViolation, msgType)
	}

	metaSnap, err := DecodeSnapshot(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decoding metadata: %v", ErrProtocolViolation, err)
	}

	if metaSnap.Meta.NCores != wantNCores || metaSnap.Meta.EntryPoint != wantEntryPoint || metaSnap.Meta.GuestSize != wantGuestSize {
		return nil, nil, fmt.Errorf("%w: ncores/entry/guest_size", ErrMetadataMismatch)
	}

	for {
		msgType, payload, err := recv.Next()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}

		switch msgType {
		case MsgMemoryDirty:
			bitmap, pages, err := DecodeDirtyPayload(payload)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: dirty payload: %v", ErrProtocolViolation, err)
			}

			if err := applyDirtyPages(r.Mem, bitmap, pages); err != nil {
				return nil, nil, err
			}
		case MsgMemoryFull:
			if err := applyFullMemory(r.Mem, payload); err != nil {
				return nil, nil, err
			}
		case MsgSnapshot:
			snap, err := DecodeSnapshot(payload)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: final snapshot: %v", ErrProtocolViolation, err)
			}

			states := make([]*vcpu.State, len(snap.VCPUStates))

			for i, ws := range snap.VCPUStates {
				s, err := ToVCPUState(ws)
				if err != nil {
					return nil, nil, fmt.Errorf("migration: decoding vcpu %d state: %w", i, err)
				}

				states[i] = s
			}

			var clock kvm.ClockData
			if err := decodeFixed(snap.Clock, &clock); err != nil {
				return nil, nil, fmt.Errorf("migration: decoding clock: %w", err)
			}

			return states, &clock, nil
		case MsgDone:
			return nil, nil, fmt.Errorf("%w: stream ended before snapshot", ErrProtocolViolation)
		default:
			return nil, nil, fmt.Errorf("%w: unexpected message type %d", ErrProtocolViolation, msgType)
		}
	}
}

func applyFullMemory(mem *memory.Memory, data []byte) error {
	var off int64

	for _, chunk := range mem.Chunks() {
		n := chunk.Size
		if off+int64(n) > int64(len(data)) {
			return fmt.Errorf("%w: short full-memory transfer", ErrProtocolViolation)
		}

		if _, err := mem.WriteAt(data[off:off+int64(n)], int64(chunk.GuestPhys)); err != nil {
			return fmt.Errorf("migration: applying full memory: %w", err)
		}

		off += int64(n)
	}

	return nil
}

func applyDirtyPages(mem *memory.Memory, bitmapBytes, pageData []byte) error {
	const pageSize = memory.PageSize

	words := len(bitmapBytes) / 8
	off := 0

	for w := 0; w < words; w++ {
		word := leUint64(bitmapBytes[w*8:])

		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) == 0 {
				continue
			}

			if off+pageSize > len(pageData) {
				return fmt.Errorf("%w: short dirty-page transfer", ErrProtocolViolation)
			}

			pageIdx := uint64(w*64 + bit)
			addr := pageIdx * pageSize

			if _, err := mem.WriteAt(pageData[off:off+pageSize], int64(addr)); err != nil {
				return fmt.Errorf("migration: applying dirty page %d: %w", pageIdx, err)
			}

			off += pageSize
		}
	}

	return nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}

	return v
}
