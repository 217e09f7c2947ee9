package runtime

import (
	"errors"
	goruntime "runtime"
	"sync"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/hermit-os/uhyve-go/hypercall"
	"github.com/hermit-os/uhyve-go/kvm"
)

// ErrFatalGuest marks a vCPU error raised by the guest's own behavior
// (a failed hypercall), as opposed to a kernel-interface failure.
var ErrFatalGuest = errors.New("runtime: fatal guest error")

// ErrKernelIfaceError marks a vCPU exit the kernel itself reports as
// unrecoverable (SHUTDOWN, FAIL_ENTRY, INTERNAL_ERROR).
var ErrKernelIfaceError = errors.New("runtime: kernel interface error")

// ExitProcess is returned by Boot when a vCPU hypercalled EXIT on a path
// that should terminate the whole process (the boot core, or any core
// under single-core boot).
type ExitProcess struct {
	Code int32
}

func (e *ExitProcess) Error() string {
	return "guest exited"
}

// Boot runs every vCPU's thread concurrently and blocks until either one
// of them triggers a process-level exit or an unrecoverable error
// occurs, per spec §5's concurrency model: one native thread per vCPU,
// none of which proceeds past KVM_RUN until boot-time initialization for
// every core has completed.
func (v *VM) Boot() error {
	var g errgroup.Group

	barrier := newBarrier(len(v.VCPUs))
	first := make(chan error, len(v.VCPUs))

	for i := range v.VCPUs {
		id := i
		g.Go(func() error {
			err := v.runOne(id, barrier)
			if err != nil {
				first <- err
			}

			return err
		})
	}

	go func() {
		_ = g.Wait()
		close(first)
	}()

	// The first error returns at once; nil only once every thread is done.
	if err, ok := <-first; ok {
		return err
	}

	return nil
}

func (v *VM) runOne(id int, barrier *barrier) error {
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()

	barrier.wait()

	c := v.VCPUs[id]
	run := v.runs[id]

	for {
		// A checkpoint or migration quiesce request parks this thread here,
		// between KVM_RUN calls, until the requester has saved every vCPU's
		// state and releases it.
		v.quiesce.checkpoint()

		// kvm.Ioctl retries EINTR itself, so no signal surfaces here;
		// ExitReason, not this error, is authoritative for what happened.
		_ = kvm.Run(c.Fd)

		exit := kvm.ExitType(run.ExitReason)

		switch exit {
		case kvm.EXITHLT:
			return nil

		case kvm.EXITINTR:
			continue

		case kvm.EXITIO:
			action, argPhys, err := v.dispatchIO(id, run)
			if err != nil {
				return &fatalErr{id: id, kind: ErrFatalGuest, msg: v.dump(id, "hypercall: "+err.Error())}
			}

			switch action {
			case hypercall.ActionExitProcess:
				code, _ := hypercall.ExitCode(v.HCtx, argPhys)

				return &ExitProcess{Code: code}
			case hypercall.ActionExitSecondary:
				return nil
			}

		case kvm.EXITSHUTDOWN, kvm.EXITFAILENTRY, kvm.EXITINTERNALERROR:
			return &fatalErr{id: id, kind: ErrKernelIfaceError, msg: v.dump(id, exit.String())}

		case kvm.EXITDEBUG:
			return &fatalErr{id: id, kind: kvm.ErrDebug, msg: v.dump(id, "debug exit (unsupported)")}

		default:
			return &fatalErr{id: id, kind: kvm.ErrUnexpectedExitReason, msg: v.dump(id, "unexpected exit reason: "+exit.String())}
		}
	}
}

func (v *VM) dispatchIO(id int, run *kvm.RunData) (hypercall.Action, uint32, error) {
	direction, size, port, count, offset := run.IO()
	_ = size
	_ = count

	data := (*(*[8]byte)(unsafe.Pointer(uintptr(unsafe.Pointer(run)) + uintptr(offset))))[:]

	var argPhys uint32
	if direction == kvm.EXITIOOUT {
		argPhys = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	}

	// BootCore is the only per-vCPU field Dispatch consults (the EXIT
	// asymmetry of spec §4.D); shallow-copy so concurrent dispatches from
	// other cores never see this core's identity.
	ctx := *v.HCtx
	ctx.BootCore = id == 0

	action, err := hypercall.Dispatch(&ctx, uint16(port), argPhys)

	return action, argPhys, err
}

func (v *VM) dump(id int, reason string) string {
	return "[ERROR] vcpu " + itoa(id) + ": " + reason + "\n" + v.VCPUs[id].FatalDump(v.Mem)
}

type fatalErr struct {
	id   int
	kind error
	msg  string
}

func (e *fatalErr) Error() string { return e.msg }
func (e *fatalErr) Unwrap() error { return e.kind }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}

	var buf [20]byte

	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	return string(buf[i:])
}

// barrier rendezvous-synchronizes every vCPU thread before any of them
// enters KVM_RUN, matching spec §5's requirement that the boot core's
// page-table and GDT construction in InitBoot happen-before any core
// runs guest code.
type barrier struct {
	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

func newBarrier(n int) *barrier {
	b := &barrier{done: make(chan struct{})}
	b.wg.Add(n)

	return b
}

func (b *barrier) wait() {
	b.wg.Done()
	b.once.Do(func() {
		go func() {
			b.wg.Wait()
			close(b.done)
		}()
	})
	<-b.done
}
