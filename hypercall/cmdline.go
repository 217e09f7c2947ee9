package hypercall

import "encoding/binary"

// cmdsizeArgs reports the counts and total buffer sizes the guest must
// allocate before requesting the actual strings via CMDVAL.
const cmdsizeArgsSize = 16

func (ctx *Context) doCmdsize(argPhys uint64) error {
	raw, err := ctx.bytesAt(argPhys, cmdsizeArgsSize)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(raw[0:4], uint32(len(ctx.Args)))
	binary.LittleEndian.PutUint32(raw[4:8], uint32(concatenatedSize(ctx.Args)))
	binary.LittleEndian.PutUint32(raw[8:12], uint32(len(ctx.Env)))
	binary.LittleEndian.PutUint32(raw[12:16], uint32(concatenatedSize(ctx.Env)))

	return nil
}

func concatenatedSize(strs []string) int {
	total := 0
	for _, s := range strs {
		total += len(s) + 1 // NUL terminator
	}

	return total
}

const cmdvalArgsSize = 16

// doCmdval writes each argv/envp string to the guest-virtual address the
// guest already allocated and recorded in its pointer arrays (sized per
// the prior CMDSIZE call).
func (ctx *Context) doCmdval(argPhys uint64) error {
	raw, err := ctx.bytesAt(argPhys, cmdvalArgsSize)
	if err != nil {
		return err
	}

	argv := binary.LittleEndian.Uint64(raw[0:8])
	envp := binary.LittleEndian.Uint64(raw[8:16])

	if err := ctx.writeStringArray(argv, ctx.Args); err != nil {
		return err
	}

	return ctx.writeStringArray(envp, ctx.Env)
}

func (ctx *Context) writeStringArray(pointerArrayVA uint64, strs []string) error {
	for i, s := range strs {
		entryVA := pointerArrayVA + uint64(i)*8

		pa, _, err := ctx.Mem.VirtToPhys(ctx.EntryPoint, entryVA)
		if err != nil {
			return err
		}

		entryBuf, ok := ctx.Mem.Bytes(pa)
		if !ok || len(entryBuf) < 8 {
			return ErrUnmappedArgument
		}

		targetVA := binary.LittleEndian.Uint64(entryBuf[0:8])

		if err := ctx.writeCString(targetVA, s); err != nil {
			return err
		}
	}

	return nil
}

func (ctx *Context) writeCString(va uint64, s string) error {
	data := append([]byte(s), 0)

	var off uint64

	for off < uint64(len(data)) {
		pa, pageEnd, err := ctx.Mem.VirtToPhys(ctx.EntryPoint, va+off)
		if err != nil {
			return err
		}

		chunk := pageEnd - pa
		remaining := uint64(len(data)) - off

		if chunk > remaining {
			chunk = remaining
		}

		buf, ok := ctx.Mem.Bytes(pa)
		if !ok || uint64(len(buf)) < chunk {
			return ErrUnmappedArgument
		}

		copy(buf, data[off:off+chunk])
		off += chunk
	}

	return nil
}
