package runtime

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hermit-os/uhyve-go/checkpoint"
	"github.com/hermit-os/uhyve-go/kvm"
	"github.com/hermit-os/uhyve-go/vcpu"
)

// Quiesce signals every vCPU thread to stop dispatching KVM_RUN,
// rendezvous-waits at v.quiesce's barrier until every one of them has
// actually parked, and only then reads each vCPU's state, per spec §4.F
// and §4.H's "every vCPU has saved its state before any memory scan
// begins". The guest remains paused until Resume is called; callers that
// intend to let it keep running (CheckpointTimer) must call Resume
// themselves once they are done reading memory.
func (v *VM) Quiesce() ([]*vcpu.State, *kvm.ClockData, error) {
	resume := v.quiesce.pause()

	v.resumeMu.Lock()
	v.resumeFunc = resume
	v.resumeMu.Unlock()

	states := make([]*vcpu.State, len(v.VCPUs))

	for i, c := range v.VCPUs {
		s, err := c.Save()
		if err != nil {
			v.Resume()

			return nil, nil, err
		}

		states[i] = s
	}

	clock, err := v.GetClock()
	if err != nil {
		v.Resume()

		return nil, nil, err
	}

	return states, clock, nil
}

// Resume releases every vCPU thread parked by the most recent Quiesce
// call, letting them continue dispatching KVM_RUN. It is a no-op if no
// quiesce is outstanding.
func (v *VM) Resume() {
	v.resumeMu.Lock()
	resume := v.resumeFunc
	v.resumeFunc = nil
	v.resumeMu.Unlock()

	if resume != nil {
		resume()
	}
}

// CheckpointTimer starts a background goroutine that writes a
// checkpoint to store every period, until stop is closed, mirroring the
// teacher's go v.TxThreadEntry()/go v.RxThreadEntry() background-thread
// pattern for periodic work (spec §6's CHECKPOINT env var).
func (v *VM) CheckpointTimer(store *checkpoint.Store, entryPoint uint64, appPath string, period time.Duration, stop <-chan struct{}) {
	if period <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				states, clock, err := v.Quiesce()
				if err != nil {
					errPrint("checkpoint: quiescing vCPUs: " + err.Error())

					continue
				}

				if err := store.Create(states, clock, v.Mem, entryPoint, appPath); err != nil {
					errPrint("checkpoint: " + err.Error())
				}

				v.Resume()
			}
		}
	}()
}

// SignalTrigger watches SIGUSR1 (checkpoint) and SIGUSR2 (migration) and
// invokes the matching callback once per signal, per spec §6/§7's
// signal-driven checkpoint/migration triggering.
func SignalTrigger(onCheckpoint, onMigrate func()) (stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)

	done := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-ch:
				switch sig {
				case syscall.SIGUSR1:
					if onCheckpoint != nil {
						onCheckpoint()
					}
				case syscall.SIGUSR2:
					if onMigrate != nil {
						onMigrate()
					}
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func errPrint(msg string) {
	os.Stderr.WriteString("[ERROR] " + msg + "\n")
}
