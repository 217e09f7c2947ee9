// Package migration implements the wire protocol and coordinator for
// transferring a running guest (memory plus vCPU state) between two
// uhyve-go processes.
package migration

// MSREntry is an index/value pair for a model-specific register.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// VCPUState holds the complete architectural state of a single vCPU.
// Binary KVM structs are stored as raw byte slices to preserve their exact
// in-memory layout (including padding) without encoding ambiguity.
type VCPUState struct {
	Regs      []byte     // kvm.Regs
	Sregs     []byte     // kvm.Sregs
	MSRs      []MSREntry // model-specific registers
	LAPIC     []byte     // kvm.LAPICState
	Events    []byte     // kvm.VCPUEvents
	MPState   uint32     // kvm.MPState.State
	XCRS      []byte     // kvm.XCRS
	FPU       []byte     // kvm.FPU
	XSave     []byte     // kvm.XSave
}

// Metadata is sent once at connection establishment, per spec §3
// "Migration metadata": {ncores, guest_size, checkpoint_number,
// entry_point, full_flag}.
type Metadata struct {
	NCores           int
	GuestSize        uint64
	CheckpointNumber int
	EntryPoint       uint64
	Full             bool
}

// ChunkLayout declares the host-independent shape of a memory chunk, so
// the responder can replicate the same hole-aware allocation as the
// initiator.
type ChunkLayout struct {
	GuestPhys uint64
	Size      int
}

// Snapshot is the complete VM state handed off during migration or
// checkpoint. Guest memory is transferred separately as a raw byte stream
// (migration) or an (entry, page) stream (checkpoint).
type Snapshot struct {
	Meta       Metadata
	Chunks     []ChunkLayout
	VCPUStates []VCPUState
	Clock      []byte // kvm.ClockData
}
