// Package netdev implements the NETINFO/NETWRITE/NETREAD/NETSTAT
// hypercall backend: a host tap device plus a lazily started poll thread
// that raises the guest network IRQ on incoming frames, per spec §4.D.
package netdev

import (
	"crypto/rand"
	"sync"
	"syscall"
	"time"

	"github.com/hermit-os/uhyve-go/tap"
)

// Device is the network collaborator satisfying hypercall.Net.
type Device struct {
	t   *tap.Tap
	mac [6]byte

	pollOnce sync.Once

	mu      sync.Mutex
	pending [][]byte
}

// New opens a host tap interface and assigns it a locally-administered
// MAC address.
func New(ifname string) (*Device, error) {
	t, err := tap.New(ifname)
	if err != nil {
		return nil, err
	}

	d := &Device{t: t}

	if _, err := rand.Read(d.mac[1:]); err != nil {
		return nil, err
	}

	d.mac[0] = 0x02 // locally administered, unicast

	return d, nil
}

// Close shuts down the tap device.
func (d *Device) Close() error {
	return d.t.Close()
}

// Info returns the device's MAC address for NETINFO.
func (d *Device) Info() (mac [6]byte, ok bool) {
	return d.mac, true
}

// Write sends one frame out the tap device for NETWRITE.
func (d *Device) Write(data []byte) (int, error) {
	return d.t.Write(data)
}

// Read dequeues one previously polled frame for NETREAD. Returns 0, nil
// if nothing is queued.
func (d *Device) Read(data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) == 0 {
		return 0, nil
	}

	frame := d.pending[0]
	d.pending = d.pending[1:]

	return copy(data, frame), nil
}

// Status reports whether a frame is queued, for NETSTAT.
func (d *Device) Status() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending) > 0
}

// EnsurePolling lazily starts the background thread that reads incoming
// frames off the tap device and raises raiseIRQ on each one, per spec
// §4.D's "NETINFO lazily starts a poll thread".
func (d *Device) EnsurePolling(raiseIRQ func()) {
	d.pollOnce.Do(func() {
		go d.pollLoop(raiseIRQ)
	})
}

func (d *Device) pollLoop(raiseIRQ func()) {
	buf := make([]byte, 65536)

	for {
		n, err := d.t.Read(buf)
		if err != nil {
			if err == syscall.EAGAIN {
				time.Sleep(time.Millisecond)

				continue
			}

			return
		}

		if n == 0 {
			continue
		}

		frame := append([]byte{}, buf[:n]...)

		d.mu.Lock()
		d.pending = append(d.pending, frame)
		d.mu.Unlock()

		if raiseIRQ != nil {
			raiseIRQ()
		}
	}
}
