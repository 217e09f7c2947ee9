package migration

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/hermit-os/uhyve-go/kvm"
	"github.com/hermit-os/uhyve-go/vcpu"
)

// FromVCPUState flattens a live vcpu.State into the wire-stable byte-slice
// form transmitted over the migration protocol.
func FromVCPUState(s *vcpu.State) (VCPUState, error) {
	regs, err := encodeFixed(s.Regs)
	if err != nil {
		return VCPUState{}, err
	}

	sregs, err := encodeFixed(s.Sregs)
	if err != nil {
		return VCPUState{}, err
	}

	lapic, err := encodeFixed(s.LAPIC)
	if err != nil {
		return VCPUState{}, err
	}

	events, err := encodeFixed(s.Events)
	if err != nil {
		return VCPUState{}, err
	}

	xcrs, err := encodeFixed(s.XCRS)
	if err != nil {
		return VCPUState{}, err
	}

	fpu, err := encodeFixed(s.FPU)
	if err != nil {
		return VCPUState{}, err
	}

	xsave, err := encodeFixed(s.XSave)
	if err != nil {
		return VCPUState{}, err
	}

	msrs := make([]MSREntry, len(s.MSRs))
	for i, m := range s.MSRs {
		msrs[i] = MSREntry{Index: m.Index, Data: m.Data}
	}

	return VCPUState{
		Regs:    regs,
		Sregs:   sregs,
		MSRs:    msrs,
		LAPIC:   lapic,
		Events:  events,
		MPState: s.MPState.State,
		XCRS:    xcrs,
		FPU:     fpu,
		XSave:   xsave,
	}, nil
}

// ToVCPUState reconstructs a vcpu.State from its wire form.
func ToVCPUState(w VCPUState) (*vcpu.State, error) {
	var s vcpu.State

	if err := decodeFixed(w.Regs, &s.Regs); err != nil {
		return nil, err
	}

	if err := decodeFixed(w.Sregs, &s.Sregs); err != nil {
		return nil, err
	}

	if err := decodeFixed(w.LAPIC, &s.LAPIC); err != nil {
		return nil, err
	}

	if err := decodeFixed(w.Events, &s.Events); err != nil {
		return nil, err
	}

	if err := decodeFixed(w.XCRS, &s.XCRS); err != nil {
		return nil, err
	}

	if err := decodeFixed(w.FPU, &s.FPU); err != nil {
		return nil, err
	}

	if err := decodeFixed(w.XSave, &s.XSave); err != nil {
		return nil, err
	}

	s.MPState = kvm.MPState{State: w.MPState}

	s.MSRs = make([]kvm.MSREntry, len(w.MSRs))
	for i, m := range w.MSRs {
		s.MSRs[i] = kvm.MSREntry{Index: m.Index, Data: m.Data}
	}

	return &s, nil
}

func encodeFixed(v interface{}) ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("migration: encoding %T: %w", v, err)
	}

	return buf.Bytes(), nil
}

func decodeFixed(b []byte, v interface{}) error {
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, v); err != nil {
		return fmt.Errorf("migration: decoding %T: %w", v, err)
	}

	return nil
}
