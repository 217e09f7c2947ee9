package kvm_test

import (
	"os"
	"testing"

	"github.com/hermit-os/uhyve-go/kvm"
)

func openKVM(t *testing.T) uintptr {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { devKVM.Close() })

	return devKVM.Fd()
}

func TestCreateVMAndVCPU(t *testing.T) {
	t.Parallel()

	kvmFd := openKVM(t)

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetTSSAddr(vmFd, 0xffffd000); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd, 0xffffc000); err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		t.Fatal(err)
	}

	if _, err := kvm.CreateVCPU(vmFd, 0); err != nil {
		t.Fatal(err)
	}
}

func TestRegsRoundTrip(t *testing.T) {
	t.Parallel()

	kvmFd := openKVM(t)

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	regs.RIP = 0x1000
	regs.RFLAGS = 2

	if err := kvm.SetRegs(vcpuFd, regs); err != nil {
		t.Fatal(err)
	}

	got, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if got.RIP != regs.RIP {
		t.Errorf("RIP round trip: have %#x, want %#x", got.RIP, regs.RIP)
	}
}

func TestFPURoundTrip(t *testing.T) {
	t.Parallel()

	kvmFd := openKVM(t)

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	var fpu kvm.FPU
	if err := kvm.GetFPU(vcpuFd, &fpu); err != nil {
		t.Fatal(err)
	}

	fpu.FCW = 0x37f
	fpu.MXCSR = 0x1f80

	if err := kvm.SetFPU(vcpuFd, &fpu); err != nil {
		t.Fatal(err)
	}

	var got kvm.FPU
	if err := kvm.GetFPU(vcpuFd, &got); err != nil {
		t.Fatal(err)
	}

	if got.FCW != fpu.FCW {
		t.Errorf("FCW round trip: have %#x, want %#x", got.FCW, fpu.FCW)
	}

	if got.MXCSR != fpu.MXCSR {
		t.Errorf("MXCSR round trip: have %#x, want %#x", got.MXCSR, fpu.MXCSR)
	}
}

func TestCapabilityQuery(t *testing.T) {
	t.Parallel()

	kvmFd := openKVM(t)

	if _, err := kvm.CheckExtension(kvmFd, kvm.CapUserMemory); err != nil {
		t.Fatal(err)
	}
}
