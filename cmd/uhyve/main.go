// Command uhyve boots a 64-bit unikernel under KVM, mirroring the
// teacher's cmd/gokvm dispatch shape (kong CLI with boot/probe
// subcommands), extended with a migrate-listen responder subcommand per
// spec §4.H.
package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/hermit-os/uhyve-go/bootimage"
	"github.com/hermit-os/uhyve-go/checkpoint"
	"github.com/hermit-os/uhyve-go/config"
	"github.com/hermit-os/uhyve-go/hypercall"
	"github.com/hermit-os/uhyve-go/memory"
	"github.com/hermit-os/uhyve-go/migration"
	"github.com/hermit-os/uhyve-go/netdev"
	"github.com/hermit-os/uhyve-go/pagetable"
	"github.com/hermit-os/uhyve-go/probe"
	"github.com/hermit-os/uhyve-go/runtime"
)

type CLI struct {
	Boot          BootCmd          `cmd:"" help:"boot a unikernel image"`
	Probe         ProbeCmd         `cmd:"" help:"print supported CPUID leaves"`
	MigrateListen MigrateListenCmd `cmd:"" help:"listen for an inbound migration"`
}

type BootCmd struct {
	config.Env
	Kernel string `arg:"" help:"path to the unikernel ELF image"`
	Dev    string `env:"KVM_DEVICE" default:"/dev/kvm"`
}

type ProbeCmd struct{}

type MigrateListenCmd struct {
	config.Env
	Kernel string `arg:"" help:"path to the unikernel ELF image, for memory sizing"`
	Dev    string `env:"KVM_DEVICE" default:"/dev/kvm"`
	Listen string `arg:"" optional:"" default:":1234" help:"address to listen on"`
}

func main() {
	cli := CLI{}

	ctx := kong.Parse(&cli,
		kong.Name("uhyve"),
		kong.Description("uhyve-go boots a unikernel image directly on KVM"),
		kong.UsageOnError())

	if err := ctx.Run(); err != nil {
		log.Fatal(err)
	}
}

func (c *ProbeCmd) Run() error {
	return probe.CPUID()
}

func (c *BootCmd) Run() error {
	memSize, err := c.MemSize()
	if err != nil {
		return err
	}

	img, err := bootimage.Open(c.Kernel)
	if err != nil {
		return err
	}
	defer img.Close()

	vm, err := runtime.Open(c.Dev, c.CPUs, memSize, c.Mergeable, c.Hugepage, img.EntryPoint)
	if err != nil {
		return err
	}

	netEnabled, ip, gateway, mask, err := c.NetConfig()
	if err != nil {
		return err
	}

	if err := img.Load(vm.Mem, c.CPUs, bootimage.NetConfig{Enabled: netEnabled, IP: ip, Gateway: gateway, Mask: mask}); err != nil {
		return err
	}

	hctx := &hypercall.Context{
		Mem:        vm.Mem,
		EntryPoint: img.EntryPoint,
		Verbose:    c.Verbose,
		Args:       []string{c.Kernel},
		Env:        os.Environ(),
		Files:      hypercall.NewOpenFiles(),
	}

	if netEnabled {
		dev, err := netdev.New(c.NetIf)
		if err != nil {
			return fmt.Errorf("opening tap %s: %w", c.NetIf, err)
		}
		defer dev.Close()

		hctx.Net = dev
		hctx.RaiseNetIRQ = func() {
			if err := vm.RaiseIRQ(hypercall.NetworkIRQ); err != nil {
				log.Printf("raising network IRQ: %v", err)
			}
		}
	}

	vm.HCtx = hctx

	var stopTimer func()

	if c.Checkpoint > 0 {
		store, err := checkpoint.Open("./checkpoints", c.FullCheckpoint)
		if err != nil {
			return err
		}

		stop := make(chan struct{})
		stopTimer = func() { close(stop) }

		vm.CheckpointTimer(store, img.EntryPoint, c.Kernel, time.Duration(c.Checkpoint)*time.Second, stop)
	}

	if c.MigrationSupport != "" {
		stopSignals := runtime.SignalTrigger(nil, func() {
			if err := runMigrationInitiator(vm, img, c); err != nil {
				log.Printf("migration: %v", err)
			}
		})
		defer stopSignals()
	}

	err = vm.Boot()

	if stopTimer != nil {
		stopTimer()
	}

	var exitProcess *runtime.ExitProcess
	if errors.As(err, &exitProcess) {
		os.Exit(int(exitProcess.Code))
	}

	return err
}

// migrationParams reads c.MigrationParams (the MIGRATION_PARAMS file of
// spec §6) and maps its mode:/type: strings onto migration.Params,
// defaulting to a cold, complete-copy migration when no file is
// configured.
func migrationParams(c *BootCmd) (migration.Params, error) {
	params := migration.Params{Type: migration.TypeCold, Mode: migration.ModeComplete}

	if c.MigrationParams == "" {
		return params, nil
	}

	raw, err := os.ReadFile(c.MigrationParams)
	if err != nil {
		return params, fmt.Errorf("reading %s: %w", c.MigrationParams, err)
	}

	fp, err := config.ParseMigrationParamsFile(strings.Split(string(raw), "\n"))
	if err != nil {
		return params, err
	}

	if fp.Type == "live" {
		params.Type = migration.TypeLive
	}

	if fp.Mode == "incremental" {
		params.Mode = migration.ModeIncremental
	}

	params.UseODP = fp.UseODP
	params.Prefetch = fp.Prefetch

	return params, nil
}

// buildDirtyScanner wraps pagetable.Scan as a migration.DirtyScanner: the
// first call establishes the dirty baseline (IncrementalAfterFull), every
// later call reports pages accessed since (Incremental), per spec §4.E.
// Present pages are packed into a full-address-space bitmap plus their
// raw 4 KiB contents, in increasing page-index order, matching the wire
// format migration.Responder's applyDirtyPages expects.
func buildDirtyScanner(vm *runtime.VM, entryPoint uint64) migration.DirtyScanner {
	round := 0

	return func() ([]byte, []byte, error) {
		mode := pagetable.IncrementalAfterFull
		if round > 0 {
			mode = pagetable.Incremental
		}
		round++

		pages, err := pagetable.Scan(vm.Mem, entryPoint, mode)
		if err != nil {
			return nil, nil, err
		}

		var idxs []uint64
		for _, p := range pages {
			subPages := p.PageSize / memory.PageSize
			base := p.PagePointer / memory.PageSize

			for i := 0; i < subPages; i++ {
				idxs = append(idxs, base+uint64(i))
			}
		}

		sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

		var end uint64
		for _, c := range vm.Mem.Chunks() {
			if e := c.GuestPhys + uint64(c.Size); e > end {
				end = e
			}
		}

		totalPages := end / memory.PageSize
		words := (totalPages + 63) / 64
		bitmap := make([]byte, words*8)

		var data []byte

		for _, idx := range idxs {
			bitmap[idx/8] |= 1 << (idx % 8)

			addr := idx * memory.PageSize

			buf, ok := vm.Mem.Bytes(addr)
			if !ok || uint64(len(buf)) < memory.PageSize {
				return nil, nil, fmt.Errorf("migration: dirty page %#x not mapped", addr)
			}

			data = append(data, buf[:memory.PageSize]...)
		}

		return bitmap, data, nil
	}
}

func runMigrationInitiator(vm *runtime.VM, img *bootimage.Image, c *BootCmd) error {
	conn, err := net.Dial("tcp", net.JoinHostPort(c.MigrationSupport, fmt.Sprintf("%d", c.Port)))
	if err != nil {
		return err
	}
	defer conn.Close()

	params, err := migrationParams(c)
	if err != nil {
		return err
	}

	chunks := make([]migration.ChunkLayout, 0)
	for _, chunk := range vm.Mem.Chunks() {
		chunks = append(chunks, migration.ChunkLayout{GuestPhys: chunk.GuestPhys, Size: chunk.Size})
	}

	init := &migration.Initiator{
		Conn:   conn,
		Params: params,
		Meta: migration.Metadata{
			NCores:     len(vm.VCPUs),
			GuestSize:  vm.Mem.Size(),
			EntryPoint: img.EntryPoint,
		},
		Chunks: chunks,
	}

	full := func() []byte {
		buf := make([]byte, 0, vm.Mem.Size())

		for _, chunk := range vm.Mem.Chunks() {
			b, _ := vm.Mem.Bytes(chunk.GuestPhys)
			buf = append(buf, b[:chunk.Size]...)
		}

		return buf
	}

	return init.Run(buildDirtyScanner(vm, img.EntryPoint), vm.Quiesce, full)
}

func (c *MigrateListenCmd) Run() error {
	memSize, err := c.MemSize()
	if err != nil {
		return err
	}

	img, err := bootimage.Open(c.Kernel)
	if err != nil {
		return err
	}
	defer img.Close()

	vm, err := runtime.Open(c.Dev, c.CPUs, memSize, c.Mergeable, c.Hugepage, img.EntryPoint)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", c.Listen)
	if err != nil {
		return err
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	resp := &migration.Responder{Conn: conn, Mem: vm.Mem}

	states, clock, err := resp.Accept(len(vm.VCPUs), img.EntryPoint, vm.Mem.Size())
	if err != nil {
		return err
	}

	for i, s := range states {
		if err := vm.VCPUs[i].Restore(vm.KVMFd(), s); err != nil {
			return err
		}
	}

	if err := vm.SetClock(clock); err != nil {
		return err
	}

	vm.HCtx = &hypercall.Context{
		Mem:        vm.Mem,
		EntryPoint: img.EntryPoint,
		Verbose:    c.Verbose,
		Files:      hypercall.NewOpenFiles(),
	}

	err = vm.Boot()

	var exitProcess *runtime.ExitProcess
	if errors.As(err, &exitProcess) {
		os.Exit(int(exitProcess.Code))
	}

	return err
}
