package runtime

import "sync"

// quiesceGate lets Quiesce rendezvous with every vCPU thread before it
// reads that thread's state, the same problem newBarrier solves for boot
// but triggered on demand instead of once at startup. runOne calls
// checkpoint between KVM_RUN calls; pause blocks until every vCPU thread
// still running has parked there.
type quiesceGate struct {
	mu        sync.Mutex
	requested bool
	resume    chan struct{}
	parked    sync.WaitGroup
	n         int
}

func newQuiesceGate(n int) *quiesceGate {
	return &quiesceGate{n: n}
}

// checkpoint is called from runOne between successive KVM_RUN calls. It
// returns immediately unless a pause is in flight, in which case it parks
// the calling vCPU thread until the matching resume is called.
func (g *quiesceGate) checkpoint() {
	g.mu.Lock()
	if !g.requested {
		g.mu.Unlock()

		return
	}

	resume := g.resume
	g.mu.Unlock()

	g.parked.Done()
	<-resume
}

// pause blocks until every vCPU thread has parked in checkpoint, then
// returns a resume func the caller must call exactly once to let them
// continue dispatching KVM_RUN.
func (g *quiesceGate) pause() func() {
	g.mu.Lock()
	g.requested = true
	resume := make(chan struct{})
	g.resume = resume
	g.parked.Add(g.n)
	g.mu.Unlock()

	g.parked.Wait()

	var once sync.Once

	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.requested = false
			g.mu.Unlock()
			close(resume)
		})
	}
}
