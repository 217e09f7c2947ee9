// Package bootimage parses the 64-bit unikernel executable and publishes
// the boot-parameter block the guest reads at startup, mirroring the
// ELF-loading branch of the teacher's LoadLinux.
package bootimage

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/hermit-os/uhyve-go/memory"
)

var (
	ErrInvalidImage = errors.New("bootimage: image does not match the unikernel ABI")
	ErrIO           = errors.New("bootimage: short read loading image")
	ErrOutOfMemory  = errors.New("bootimage: segment table implausibly large")
)

// sentinel ABI byte the loader requires in e_ident[EI_OSABI]; distinguishes
// this unikernel format from a generic ELF binary.
const osABISentinel = 0xFF

const maxProgramHeaders = 64

// PageSize is the guest page size used throughout the boot-parameter and
// page-table layout.
const PageSize = 0x1000

// BootParamsOffset is the fixed offset, within the first loaded segment,
// at which the boot-parameter block is written.
const BootParamsOffset = 0x2000

// Params is the boot-parameter block the guest reads during its own boot,
// matching spec §3 "Guest boot parameters" field for field.
type Params struct {
	PhysStart  uint64
	PhysLimit  uint64
	CPUFreqMHz uint32
	NumCPUs    uint32
	CPUID      uint32
	UhyveFlag  uint32
	UARTPort   uint16
	_          [6]byte
	IP         [4]byte
	Gateway    [4]byte
	Mask       [4]byte
	HostBase   uint64
}

const uhyveAnnouncement = 0xc0ffee

// NetConfig carries the IPv4 addressing the loader injects into the boot
// parameter block when networking is enabled.
type NetConfig struct {
	Enabled bool
	IP      net.IP
	Gateway net.IP
	Mask    net.IP
}

// Image is a parsed, not-yet-loaded unikernel executable.
type Image struct {
	EntryPoint uint64
	segments   []elf.ProgHeader
	file       *os.File
}

// Open reads and validates the ELF header at path, without loading segments.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS64 || ef.Machine != elf.EM_X86_64 || ef.Type != elf.ET_EXEC {
		f.Close()

		return nil, fmt.Errorf("%w: class=%v machine=%v type=%v", ErrInvalidImage, ef.Class, ef.Machine, ef.Type)
	}

	if byte(ef.OSABI) != osABISentinel {
		f.Close()

		return nil, fmt.Errorf("%w: osabi=%#x, want %#x", ErrInvalidImage, byte(ef.OSABI), osABISentinel)
	}

	var segments []elf.ProgHeader

	for _, prog := range ef.Progs {
		if prog.Type == elf.PT_LOAD {
			segments = append(segments, prog.ProgHeader)
		}
	}

	if len(segments) == 0 || len(segments) > maxProgramHeaders {
		f.Close()

		return nil, fmt.Errorf("%w: %d LOAD segments", ErrOutOfMemory, len(segments))
	}

	return &Image{EntryPoint: ef.Entry, segments: segments, file: f}, nil
}

// Close releases the underlying file.
func (img *Image) Close() error {
	return img.file.Close()
}

// Load copies every LOAD segment into mem and writes the boot-parameter
// block at BootParamsOffset within the first loaded segment.
func (img *Image) Load(mem *memory.Memory, numCPUs int, net NetConfig) error {
	var firstPaddr uint64

	for i, seg := range img.segments {
		if i == 0 {
			firstPaddr = seg.Paddr
		}

		if err := img.loadSegment(mem, seg); err != nil {
			return err
		}
	}

	return img.writeParams(mem, firstPaddr, numCPUs, net)
}

func (img *Image) loadSegment(mem *memory.Memory, seg elf.ProgHeader) error {
	buf := make([]byte, seg.Filesz)

	if _, err := img.file.ReadAt(buf, int64(seg.Off)); err != nil {
		return fmt.Errorf("%w: segment at paddr %#x: %v", ErrIO, seg.Paddr, err)
	}

	if _, err := mem.WriteAt(buf, int64(seg.Paddr)); err != nil {
		return fmt.Errorf("%w: writing segment at paddr %#x: %v", ErrIO, seg.Paddr, err)
	}

	return nil
}

func (img *Image) writeParams(mem *memory.Memory, firstPaddr uint64, numCPUs int, net NetConfig) error {
	params := Params{
		PhysStart:  firstPaddr,
		PhysLimit:  mem.Size(),
		CPUFreqMHz: hostCPUFreqMHz(),
		NumCPUs:    uint32(numCPUs),
		CPUID:      0,
		UhyveFlag:  uhyveAnnouncement,
		UARTPort:   0x3f8,
		HostBase:   firstPaddr,
	}

	if net.Enabled {
		copy(params.IP[:], net.IP.To4())
		copy(params.Gateway[:], net.Gateway.To4())
		copy(params.Mask[:], net.Mask.To4())
	}

	buf := make([]byte, binary.Size(params))
	if err := encodeParams(buf, &params); err != nil {
		return err
	}

	if _, err := mem.WriteAt(buf, int64(firstPaddr+BootParamsOffset)); err != nil {
		return fmt.Errorf("%w: writing boot params: %v", ErrIO, err)
	}

	return nil
}

func encodeParams(buf []byte, params *Params) error {
	w := sliceWriter{buf: buf}

	return binary.Write(&w, binary.LittleEndian, params)
}

type sliceWriter struct {
	buf []byte
	off int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.off:], p)
	w.off += n

	return n, nil
}

// WithCPUID returns a copy of params with the current-CPU-id field set,
// for writing a per-vCPU boot-parameter view when secondary cores need a
// distinct identity (the IPI-free serialization handshake of spec §4.C).
func (p Params) WithCPUID(id uint32) Params {
	p.CPUID = id

	return p
}
