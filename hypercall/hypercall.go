// Package hypercall implements the paravirtual port protocol: decoding
// argument structures out of guest memory and performing the requested
// host-side action, per spec §4.D.
package hypercall

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hermit-os/uhyve-go/memory"
)

// Port numbers are part of the wire contract with the guest and must be
// preserved bit-exactly (spec §6).
const (
	PortWrite    = 0x400
	PortOpen     = 0x440
	PortClose    = 0x480
	PortRead     = 0x500
	PortExit     = 0x540
	PortLseek    = 0x580
	PortNetInfo  = 0x600
	PortNetWrite = 0x640
	PortNetRead  = 0x680
	PortNetStat  = 0x700
	PortFreelist = 0x720
	PortCmdsize  = 0x740
	PortCmdval   = 0x780
	PortUART     = 0x800
)

// IRQ lines raised for asynchronous device events.
const (
	NetworkIRQ   = 11
	MigrationIRQ = 12
)

var (
	ErrUnmappedArgument = errors.New("hypercall: argument pointer not mapped")
	ErrUnknownPort      = errors.New("hypercall: unrecognized port")
)

// Action tells the run loop what to do with the owning vCPU thread after a
// hypercall completes.
type Action int

const (
	ActionContinue Action = iota
	ActionExitSecondary
	ActionExitProcess
)

// Net is the network collaborator a NETINFO/NETWRITE/NETREAD/NETSTAT
// hypercall delegates to (implemented by the netdev package).
type Net interface {
	Info() (mac [6]byte, ok bool)
	Write(data []byte) (int, error)
	Read(data []byte) (int, error)
	Status() (pending bool)
	EnsurePolling(raiseIRQ func())
}

// OpenFiles tracks guest file descriptors opened via the OPEN hypercall.
// Guarded by a mutex because OPEN/CLOSE/READ/WRITE/LSEEK hypercalls can
// arrive concurrently from different vCPU threads.
type OpenFiles struct {
	mu    sync.Mutex
	files map[int32]*os.File
	next  int32
}

func NewOpenFiles() *OpenFiles {
	return &OpenFiles{files: make(map[int32]*os.File), next: 3}
}

// Context bundles everything a hypercall needs: guest memory (for
// translation), the boot-time command line to forward, the verbose flag
// gating UART passthrough, and the network collaborator.
type Context struct {
	Mem         *memory.Memory
	EntryPoint  uint64
	Verbose     bool
	BootCore    bool
	Net         Net
	RaiseNetIRQ func()
	Args        []string
	Env         []string
	Files       *OpenFiles
}

// Dispatch decodes the argument structure at argPhys (already a
// guest-physical address — the port write itself carries no virtual
// pointer) and performs the requested action, per spec §4.D's per-port
// table.
func Dispatch(ctx *Context, port uint16, argPhys uint32) (Action, error) {
	switch port {
	case PortWrite:
		return ActionContinue, ctx.doWriteRead(uint64(argPhys), true)
	case PortRead:
		return ActionContinue, ctx.doWriteRead(uint64(argPhys), false)
	case PortOpen:
		return ActionContinue, ctx.doOpen(uint64(argPhys))
	case PortClose:
		return ActionContinue, ctx.doClose(uint64(argPhys))
	case PortLseek:
		return ActionContinue, ctx.doLseek(uint64(argPhys))
	case PortExit:
		return ctx.doExit(uint64(argPhys))
	case PortNetInfo:
		return ActionContinue, ctx.doNetInfo(uint64(argPhys))
	case PortNetWrite:
		return ActionContinue, ctx.doNetWrite(uint64(argPhys))
	case PortNetRead:
		return ActionContinue, ctx.doNetRead(uint64(argPhys))
	case PortNetStat:
		return ActionContinue, ctx.doNetStat(uint64(argPhys))
	case PortCmdsize:
		return ActionContinue, ctx.doCmdsize(uint64(argPhys))
	case PortCmdval:
		return ActionContinue, ctx.doCmdval(uint64(argPhys))
	case PortUART:
		return ActionContinue, ctx.doUART(uint64(argPhys))
	case PortFreelist:
		// No guest-observable behavior is specified for this port; it is
		// recognized and acknowledged but otherwise inert.
		return ActionContinue, nil
	default:
		return ActionContinue, fmt.Errorf("%w: %#x", ErrUnknownPort, port)
	}
}

func (ctx *Context) bytesAt(phys uint64, n int) ([]byte, error) {
	b, ok := ctx.Mem.Bytes(phys)
	if !ok || len(b) < n {
		return nil, fmt.Errorf("%w: %#x", ErrUnmappedArgument, phys)
	}

	return b[:n], nil
}

type writeReadArgs struct {
	FD  int32
	_   int32
	Buf uint64
	Len uint64
}

const writeReadArgsSize = 24

func (ctx *Context) doWriteRead(argPhys uint64, isWrite bool) error {
	raw, err := ctx.bytesAt(argPhys, writeReadArgsSize)
	if err != nil {
		return err
	}

	args := writeReadArgs{
		FD:  int32(binary.LittleEndian.Uint32(raw[0:4])),
		Buf: binary.LittleEndian.Uint64(raw[8:16]),
		Len: binary.LittleEndian.Uint64(raw[16:24]),
	}

	var f io.ReadWriter

	switch args.FD {
	case 0:
		f = stdinReadWriter{}
	case 1:
		f = os.Stdout
	case 2:
		f = os.Stderr
	default:
		ctx.Files.mu.Lock()
		file, ok := ctx.Files.files[args.FD]
		ctx.Files.mu.Unlock()

		if !ok {
			binary.LittleEndian.PutUint64(raw[16:24], 0)

			return nil
		}

		f = file
	}

	n, err := transferAcrossPages(ctx.Mem, ctx.EntryPoint, args.Buf, args.Len, isWrite, f)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	binary.LittleEndian.PutUint64(raw[16:24], uint64(n))

	return nil
}

// transferAcrossPages iterates page by page because Buf is a guest-virtual
// address that may straddle page boundaries: translate, transfer up to
// the page end, loop until complete or the host call returns short.
func transferAcrossPages(mem *memory.Memory, entryPoint, va, length uint64, isWrite bool, f io.ReadWriter) (uint64, error) {
	var total uint64

	for total < length {
		pa, pageEnd, err := mem.VirtToPhys(entryPoint, va+total)
		if err != nil {
			return total, err
		}

		chunk := pageEnd - pa
		remaining := length - total

		if chunk > remaining {
			chunk = remaining
		}

		buf, ok := mem.Bytes(pa)
		if !ok || uint64(len(buf)) < chunk {
			return total, ErrUnmappedArgument
		}

		var n int
		var ioErr error

		if isWrite {
			n, ioErr = f.Write(buf[:chunk])
		} else {
			n, ioErr = f.Read(buf[:chunk])
		}

		total += uint64(n)

		if ioErr != nil {
			return total, ioErr
		}

		if uint64(n) < chunk {
			return total, nil
		}
	}

	return total, nil
}

type stdinReadWriter struct{}

func (stdinReadWriter) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdinReadWriter) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
