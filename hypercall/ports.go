package hypercall

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
)

var errRefusedKVMDevice = errors.New("hypercall: guest attempted to open the virtualization device")

const openArgsSize = 24 // name(8) + flags(4) + mode(4) + ret(4), padded to 8

type openArgs struct {
	Name  uint64
	Flags int32
	Mode  int32
	Ret   int32
}

func (ctx *Context) doOpen(argPhys uint64) error {
	raw, err := ctx.bytesAt(argPhys, openArgsSize)
	if err != nil {
		return err
	}

	namePtr := binary.LittleEndian.Uint64(raw[0:8])
	flags := int32(binary.LittleEndian.Uint32(raw[8:12]))
	mode := int32(binary.LittleEndian.Uint32(raw[12:16]))

	name, err := ctx.readCString(namePtr)
	if err != nil {
		return err
	}

	if strings.Contains(name, "/dev/kvm") {
		binary.LittleEndian.PutUint32(raw[16:20], ^uint32(0)) // -1

		return errRefusedKVMDevice
	}

	f, openErr := os.OpenFile(name, int(flags), os.FileMode(mode))

	ret := int32(-1)

	if openErr == nil {
		ctx.Files.mu.Lock()
		ret = ctx.Files.next
		ctx.Files.next++
		ctx.Files.files[ret] = f
		ctx.Files.mu.Unlock()
	}

	binary.LittleEndian.PutUint32(raw[16:20], uint32(ret))

	return nil
}

func (ctx *Context) readCString(phys uint64) (string, error) {
	buf, ok := ctx.Mem.Bytes(phys)
	if !ok {
		return "", fmt.Errorf("%w: %#x", ErrUnmappedArgument, phys)
	}

	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}

	return string(buf[:n]), nil
}

const closeArgsSize = 8

func (ctx *Context) doClose(argPhys uint64) error {
	raw, err := ctx.bytesAt(argPhys, closeArgsSize)
	if err != nil {
		return err
	}

	fd := int32(binary.LittleEndian.Uint32(raw[0:4]))

	// Refuses to close standard streams: returns success without acting.
	if fd == 0 || fd == 1 || fd == 2 {
		binary.LittleEndian.PutUint32(raw[4:8], 0)

		return nil
	}

	ret := int32(-1)

	ctx.Files.mu.Lock()
	f, ok := ctx.Files.files[fd]
	delete(ctx.Files.files, fd)
	ctx.Files.mu.Unlock()

	if ok {
		if closeErr := f.Close(); closeErr == nil {
			ret = 0
		}
	}

	binary.LittleEndian.PutUint32(raw[4:8], uint32(ret))

	return nil
}

const lseekArgsSize = 16

func (ctx *Context) doLseek(argPhys uint64) error {
	raw, err := ctx.bytesAt(argPhys, lseekArgsSize)
	if err != nil {
		return err
	}

	fd := int32(binary.LittleEndian.Uint32(raw[0:4]))
	offset := int64(binary.LittleEndian.Uint64(raw[4:12]))
	whence := int32(binary.LittleEndian.Uint32(raw[12:16]))

	ctx.Files.mu.Lock()
	f, ok := ctx.Files.files[fd]
	ctx.Files.mu.Unlock()

	if !ok {
		binary.LittleEndian.PutUint64(raw[4:12], ^uint64(0)) // -1

		return nil
	}

	newOff, seekErr := f.Seek(offset, int(whence))
	if seekErr != nil {
		newOff = -1
	}

	binary.LittleEndian.PutUint64(raw[4:12], uint64(newOff))

	return nil
}

const exitArgsSize = 4

// doExit implements the boot-core-vs-secondary-core asymmetry: a
// secondary core's EXIT only tears down its own thread, while the boot
// core's EXIT terminates the whole process with the guest-supplied code.
func (ctx *Context) doExit(argPhys uint64) (Action, error) {
	raw, err := ctx.bytesAt(argPhys, exitArgsSize)
	if err != nil {
		return ActionContinue, err
	}

	_ = int32(binary.LittleEndian.Uint32(raw[0:4]))

	if ctx.BootCore {
		return ActionExitProcess, nil
	}

	return ActionExitSecondary, nil
}

// ExitCode reads the exit code argument of an EXIT hypercall, used by the
// run loop after Dispatch reports ActionExitProcess.
func ExitCode(ctx *Context, argPhys uint32) (int32, error) {
	raw, err := ctx.bytesAt(uint64(argPhys), exitArgsSize)
	if err != nil {
		return 0, err
	}

	return int32(binary.LittleEndian.Uint32(raw[0:4])), nil
}

const netInfoArgsSize = 8

func (ctx *Context) doNetInfo(argPhys uint64) error {
	raw, err := ctx.bytesAt(argPhys, netInfoArgsSize)
	if err != nil {
		return err
	}

	if ctx.Net == nil {
		return nil
	}

	ctx.Net.EnsurePolling(ctx.RaiseNetIRQ)

	mac, ok := ctx.Net.Info()
	if ok {
		copy(raw[0:6], mac[:])
	}

	return nil
}

type netTransferArgs struct {
	Data uint64
	Len  uint64
}

const netTransferArgsSize = 20 // data(8) + len(8) + ret(4)

func (ctx *Context) doNetWrite(argPhys uint64) error {
	return ctx.doNetTransfer(argPhys, true)
}

func (ctx *Context) doNetRead(argPhys uint64) error {
	return ctx.doNetTransfer(argPhys, false)
}

func (ctx *Context) doNetTransfer(argPhys uint64, isWrite bool) error {
	raw, err := ctx.bytesAt(argPhys, netTransferArgsSize)
	if err != nil {
		return err
	}

	if ctx.Net == nil {
		binary.LittleEndian.PutUint32(raw[16:20], ^uint32(0)) // -1

		return nil
	}

	va := binary.LittleEndian.Uint64(raw[0:8])
	length := binary.LittleEndian.Uint64(raw[8:16])

	pa, pageEnd, err := ctx.Mem.VirtToPhys(ctx.EntryPoint, va)
	if err != nil {
		return err
	}

	if pageEnd-pa < length {
		length = pageEnd - pa
	}

	buf, ok := ctx.Mem.Bytes(pa)
	if !ok || uint64(len(buf)) < length {
		return fmt.Errorf("%w: %#x", ErrUnmappedArgument, pa)
	}

	var n int

	if isWrite {
		n, err = ctx.Net.Write(buf[:length])
	} else {
		n, err = ctx.Net.Read(buf[:length])
	}

	ret := int32(n)
	if err != nil {
		ret = -1
	}

	binary.LittleEndian.PutUint32(raw[16:20], uint32(ret))

	return nil
}

const netStatArgsSize = 4

func (ctx *Context) doNetStat(argPhys uint64) error {
	raw, err := ctx.bytesAt(argPhys, netStatArgsSize)
	if err != nil {
		return err
	}

	pending := ctx.Net != nil && ctx.Net.Status()

	val := uint32(0)
	if pending {
		val = 1
	}

	binary.LittleEndian.PutUint32(raw[0:4], val)

	return nil
}

const uartArgsSize = 1

func (ctx *Context) doUART(argPhys uint64) error {
	raw, err := ctx.bytesAt(argPhys, uartArgsSize)
	if err != nil {
		return err
	}

	if ctx.Verbose {
		os.Stderr.Write(raw[0:1])
	}

	return nil
}
