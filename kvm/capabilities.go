package kvm

// Capability identifies an optional piece of functionality the host kernel
// may or may not support. CheckExtension reports the level of support.
type Capability uint

const (
	CapIRQChip      Capability = 0
	CapHLT          Capability = 1
	CapMMUShadowCacheControl Capability = 2
	CapUserMemory   Capability = 3
	CapMPState      Capability = 14
	CapNRMemSlots   Capability = 10
	CapIOMMU        Capability = 18
	CapIRQRouting   Capability = 25
	CapKVMClockCtrl Capability = 76
)

func (c Capability) String() string {
	switch c {
	case CapIRQChip:
		return "CapIRQChip"
	case CapHLT:
		return "CapHLT"
	case CapMMUShadowCacheControl:
		return "CapMMUShadowCacheControl"
	case CapUserMemory:
		return "CapUserMemory"
	case CapMPState:
		return "CapMPState"
	case CapNRMemSlots:
		return "CapNRMemSlots"
	case CapIOMMU:
		return "CapIOMMU"
	case CapIRQRouting:
		return "CapIRQRouting"
	case CapKVMClockCtrl:
		return "CapKVMClockCtrl"
	default:
		return unknownCapability(c)
	}
}

func unknownCapability(c Capability) string {
	return "Capability(" + itoa(uint(c)) + ")"
}

func itoa(v uint) string {
	if v == 0 {
		return "0"
	}

	var buf [20]byte

	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}

	return string(buf[i:])
}
