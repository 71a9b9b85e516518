// Command aoetgtd is the ATA-over-Ethernet target daemon: it wires the
// request pipeline (internal/netif, internal/device, internal/router,
// internal/server) to its collaborators — a YAML config loader, an
// rtnetlink-based netmon, a gob control socket, and a pluggable logger —
// and runs the event loop until signaled to stop or reload.
//
// Exit codes: 0 on a clean shutdown, 1 on startup failure.
package main

import (
	"bytes"
	"context"
	"encoding/gob"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/gopacket/afpacket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/xtaci/gaio"
	"golang.org/x/sync/errgroup"

	"github.com/shelfslot/aoetgtd/internal/aoe"
	"github.com/shelfslot/aoetgtd/internal/bufpool"
	"github.com/shelfslot/aoetgtd/internal/config"
	"github.com/shelfslot/aoetgtd/internal/config/yamlloader"
	"github.com/shelfslot/aoetgtd/internal/device"
	"github.com/shelfslot/aoetgtd/internal/logging"
	"github.com/shelfslot/aoetgtd/internal/netif"
	"github.com/shelfslot/aoetgtd/internal/netmon"
	"github.com/shelfslot/aoetgtd/internal/router"
	"github.com/shelfslot/aoetgtd/internal/server"
)

const version = "aoetgtd 0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("aoetgtd", flag.ContinueOnError)
	configPath := fs.String("config", "/etc/aoetgtd.yaml", "path to the YAML export configuration")
	foreground := fs.Bool("foreground", false, "do not daemonize (daemonization itself is out of core scope)")
	debug := fs.Bool("debug", false, "enable verbose frame tracing")
	showVersion := fs.Bool("version", false, "print the version and exit")
	useLogrus := fs.Bool("structured-log", false, "use logrus structured logging instead of the standard logger")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	_ = foreground // daemonization is an external concern; flag exists for CLI compatibility only

	if *showVersion {
		fmt.Println(version)
		return 0
	}

	var logger logging.Logger
	if *useLogrus {
		lg := logrus.New()
		if *debug {
			lg.SetLevel(logrus.DebugLevel)
		}
		logger = logging.NewLogrus(lg)
	} else {
		logger = logging.NewStd()
	}

	if err := mainLoop(*configPath, *debug, logger); err != nil {
		logger.Log(logging.LevelError, "startup failed", "error", err)
		return 1
	}
	return 0
}

func mainLoop(configPath string, debug bool, logger logging.Logger) error {
	raw, warnings, err := yamlloader.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, w := range warnings {
		logger.Log(logging.LevelWarn, string(w))
	}
	cfg, err := config.Validate(raw)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var store *config.StateStore
	if dir := cfg.Defaults.StateDir; dir != "" {
		fi, err := os.Stat(dir)
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("state directory %s is not a usable directory", dir)
		}
		store = config.NewStateStore(dir)
	}

	reg := prometheus.NewRegistry()
	pool := bufpool.New(bufpool.DefaultBufSize, 4096)
	routerStats := router.NewStats(reg)
	rtr := router.NewRouter(router.NewTable(nil), routerStats)

	devices, err := openDevices(cfg, pool, store, debug, logger)
	if err != nil {
		return fmt.Errorf("opening devices: %w", err)
	}
	rtr.SetTable(router.NewTable(buildEntries(cfg, devices)))

	mon, err := netmon.NewMonitor()
	if err != nil {
		return fmt.Errorf("netmon: %w", err)
	}
	defer mon.Close()

	var curCfg atomic.Pointer[config.Config]
	curCfg.Store(cfg)

	// Reload re-parses the config file and swaps in a whole new routing
	// table; the running table is never mutated in place. Backing devices
	// already open are left untouched across a reload and are re-bound to
	// their new policy by (shelf, slot); exports added by a reload take
	// effect on restart.
	reload := func() error {
		newRaw, warnings, err := yamlloader.Load(configPath)
		if err != nil {
			return err
		}
		newCfg, err := config.Validate(newRaw)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			logger.Log(logging.LevelWarn, string(w))
		}
		rtr.SetTable(router.NewTable(buildEntries(newCfg, devices)))
		curCfg.Store(newCfg)
		return nil
	}

	loop := server.New(reload)
	loop.SetFrameHandler(func(f server.InboundFrame) {
		rtr.Ingress(f.NetifName, f.Src, f.Payload)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for s := range sig {
			if s == syscall.SIGHUP {
				loop.Reload()
				continue
			}
			loop.Stop()
			return
		}
	}()

	netifs := newNetifRegistry()
	go watchInterfaces(ctx, mon, &curCfg, netifs, rtr, reg, loop, logger)

	for _, dev := range devices {
		d := dev.dev
		loop.AddTick(d.Tick)
		loop.AddTick(func() { rtr.PumpReplies(d) })
		go d.RunTicker(ctx)
	}

	loop.SetSnapshotFunc(func() server.StatsSnapshot {
		snap := server.StatsSnapshot{
			Netifs:  make(map[string]server.NetifCounters),
			Devices: make(map[string]server.DeviceCounters, len(devices)),
		}
		for name, n := range netifs.all() {
			rx, rxB, rxD, tx, txB, txE := n.Stats().Values()
			snap.Netifs[name] = server.NetifCounters{
				RxPackets: rx, RxBytes: rxB, RxDropped: rxD,
				TxPackets: tx, TxBytes: txB, TxErrors: txE,
			}
		}
		for _, dev := range devices {
			inflight, deferred, depth := dev.dev.Depths()
			snap.Devices[dev.name] = server.DeviceCounters{
				InFlight:       inflight,
				Deferred:       deferred,
				QueueDepth:     depth,
				SizeSectors:    dev.dev.SizeSectors(),
				DroppedReplies: dev.dev.DroppedReplies(),
			}
		}
		return snap
	})

	if cfg.Defaults.ControlSocket != "" {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return serveControl(gctx, cfg.Defaults.ControlSocket, loop) })
		defer g.Wait()
	}

	var totalBytes uint64
	for _, dev := range devices {
		totalBytes += dev.dev.SizeSectors() * aoe.SectorSize
	}
	logger.Log(logging.LevelInfo, "aoetgtd starting",
		"devices", len(devices), "exported", humanize.IBytes(totalBytes))

	return loop.Run(ctx, 10*time.Millisecond)
}

// openedDevice pairs a running device engine with its config identity so
// reloads can re-bind policies by (shelf, slot) and snapshots can key by
// display name.
type openedDevice struct {
	name  string
	shelf uint16
	slot  byte
	dev   *device.Device
}

func buildEntries(cfg *config.Config, devices []openedDevice) []*router.Entry {
	byKey := make(map[[3]byte]openedDevice, len(devices))
	for _, d := range devices {
		byKey[[3]byte{byte(d.shelf >> 8), byte(d.shelf), d.slot}] = d
	}
	entries := make([]*router.Entry, 0, len(devices))
	for _, rd := range cfg.Devices {
		d, ok := byKey[[3]byte{byte(rd.Shelf >> 8), byte(rd.Shelf), rd.Slot}]
		if !ok {
			continue
		}
		entries = append(entries, &router.Entry{
			Shelf:         rd.Shelf,
			Slot:          rd.Slot,
			Device:        d.dev,
			Policy:        rd.Policy,
			Broadcast:     rd.Broadcast,
			IfacePatterns: rd.IfacePatterns,
		})
	}
	return entries
}

// openDevices opens every configured backing file concurrently. This
// runs entirely before the event loop begins, so it never races a live
// loop iteration.
func openDevices(cfg *config.Config, pool *bufpool.Pool, store *config.StateStore,
	debug bool, logger logging.Logger) ([]openedDevice, error) {
	devices := make([]openedDevice, len(cfg.Devices))
	g, _ := errgroup.WithContext(context.Background())
	for i, rd := range cfg.Devices {
		i, rd := i, rd
		g.Go(func() error {
			path, err := backingPath(rd.Device)
			if err != nil {
				return fmt.Errorf("device %q: %w", rd.Name, err)
			}
			id := device.Identity{
				Shelf:    rd.Shelf,
				Slot:     rd.Slot,
				ReadOnly: rd.ReadOnly,
			}
			dcfg := device.Config{
				Path:       path,
				DirectIO:   rd.DirectIO,
				ReadOnly:   rd.ReadOnly,
				QueueDepth: rd.QueueDepth,
				MaxDelay:   rd.MaxDelay,
				MergeDelay: rd.MergeDelay,
				MTUPayload: payloadCap(cfg.Defaults.MTU),
			}
			if store != nil {
				bound := store.Bind(rd.Shelf, rd.Slot)
				blob, err := bound.Load()
				if err != nil {
					return fmt.Errorf("device %q: load state: %w", rd.Name, err)
				}
				id.ConfigString = blob
				dcfg.Store = bound
			}
			if debug || rd.TraceIO || cfg.Defaults.TraceIO {
				dcfg.Trace = logger
			}
			d, err := device.Open(id, dcfg, pool)
			if err != nil {
				return fmt.Errorf("device %q: %w", rd.Name, err)
			}
			devices[i] = openedDevice{name: rd.Name, shelf: rd.Shelf, slot: rd.Slot, dev: d}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return devices, nil
}

// backingPath resolves a device's backing file: a literal path, or a
// filesystem UUID resolved through the /dev/disk/by-uuid symlink farm.
func backingPath(d config.Device) (string, error) {
	if d.Path != "" {
		return d.Path, nil
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join("/dev/disk/by-uuid", d.UUID))
	if err != nil {
		return "", fmt.Errorf("resolve uuid %s: %w", d.UUID, err)
	}
	return resolved, nil
}

// payloadCap is the largest sector payload a single reply frame can carry
// at the given MTU: the MTU minus the AoE common and ATA headers, rounded
// down to whole sectors.
func payloadCap(mtu int) int {
	if mtu == 0 {
		mtu = 1500
	}
	usable := mtu - aoe.HeaderLen - aoe.ATAHeaderLen
	sectors := usable / aoe.SectorSize
	if sectors < 1 {
		sectors = 1
	}
	return sectors * aoe.SectorSize
}

// netifRegistry is the set of currently-bound netifs, read by the control
// socket's snapshot closure and written by watchInterfaces — two
// goroutines outside the loop's own single-threaded state, hence the
// mutex.
type netifRegistry struct {
	mu sync.Mutex
	m  map[string]*netif.Netif
}

func newNetifRegistry() *netifRegistry { return &netifRegistry{m: map[string]*netif.Netif{}} }

func (r *netifRegistry) get(name string) (*netif.Netif, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.m[name]
	return n, ok
}

func (r *netifRegistry) put(name string, n *netif.Netif) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[name] = n
}

func (r *netifRegistry) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, name)
}

func (r *netifRegistry) all() map[string]*netif.Netif {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*netif.Netif, len(r.m))
	for name, n := range r.m {
		out[name] = n
	}
	return out
}

// watchInterfaces creates/destroys netifs as netmon reports link
// transitions, restricted to the configured interface glob patterns.
func watchInterfaces(ctx context.Context, mon *netmon.Monitor, curCfg *atomic.Pointer[config.Config],
	netifs *netifRegistry, rtr *router.Router, reg prometheus.Registerer, loop *server.Loop, logger logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-mon.Events():
			if !ok {
				return
			}
			cfg := curCfg.Load()
			if !interfaceMatches(cfg.Defaults.Interfaces, ev.Name) {
				continue
			}
			if !ev.Up {
				if n, ok := netifs.get(ev.Name); ok {
					rtr.RemoveNetif(ev.Name)
					n.Close()
					netifs.remove(ev.Name)
				}
				continue
			}
			if existing, exists := netifs.get(ev.Name); exists {
				if ev.MTU == 0 || ev.MTU == existing.MTU() {
					continue
				}
				// Live MTU change: tear the netif down and rebuild it
				// below, the same as a link-down/link-up cycle, so the
				// ring geometry and payload caps are re-derived.
				rtr.RemoveNetif(ev.Name)
				existing.Close()
				netifs.remove(ev.Name)
			}
			ov := cfg.NetifOverrides[ev.Name]
			n, err := netif.New(netif.Config{
				Name:             ev.Name,
				MTU:              firstNonZero(ov.MTU, cfg.Defaults.MTU),
				RingNumBlocks:    firstNonZero(ov.RingSize, cfg.Defaults.RingSize),
				SendBufSize:      firstNonZero(ov.SendBufSize, cfg.Defaults.SendBufSize),
				RecvBufSize:      firstNonZero(ov.RecvBufSize, cfg.Defaults.RecvBufSize),
				MaxDelay:         cfg.Defaults.MaxDelay,
				TXRingWorkaround: txWorkaround(cfg.Defaults.TXRingWorkaround),
			}, netif.NewStats(reg, ev.Name))
			if err != nil {
				logger.Log(logging.LevelWarn, "failed to bind interface", "interface", ev.Name, "error", err)
				continue
			}
			netifs.put(ev.Name, n)
			rtr.AddNetif(n)
			go n.Run(ctx)
			loop.AddTick(n.Flush)
			go recvLoop(ctx, n, loop)
		}
	}
}

// recvLoop runs one netif's blocking read loop on its own goroutine and
// fans parsed frames into the loop's single serialized dispatch point,
// so the event loop itself never blocks on a socket read.
func recvLoop(ctx context.Context, n *netif.Netif, loop *server.Loop) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, err := n.Recv()
		if err == afpacket.ErrTimeout {
			continue
		}
		if err != nil {
			// Socket torn down (interface removal or shutdown).
			return
		}
		if !loop.Submit(server.InboundFrame{NetifName: n.Name(), Src: frame.Src, Payload: frame.Payload}) {
			n.NoteDrop()
		}
	}
}

func interfaceMatches(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, err := filepath.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

// txWorkaround resolves the tri-state tx-ring-bug knob: an explicit
// setting wins; unset falls back to the kernel-release autodetect.
func txWorkaround(configured *bool) bool {
	if configured != nil {
		return *configured
	}
	return netif.DetectTXRingBug()
}

// serveControl answers read-only introspection requests on a Unix socket
// using github.com/xtaci/gaio for the accept/read/write completion loop:
// unlike the device engine's positioned file I/O, this is genuinely
// connection-oriented net.Conn traffic, which is exactly gaio's
// contract. Every request (its bytes are ignored) gets back one
// gob-encoded server.StatsSnapshot.
func serveControl(ctx context.Context, path string, loop *server.Loop) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control socket: listen %s: %w", path, err)
	}
	defer ln.Close()

	w, err := gaio.NewWatcher()
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer w.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go acceptLoop(ln, w)

	for {
		results, err := w.WaitIO()
		if err != nil {
			return nil
		}
		for _, res := range results {
			switch res.Operation {
			case gaio.OpRead:
				if res.Error != nil {
					continue
				}
				var buf bytes.Buffer
				if err := gob.NewEncoder(&buf).Encode(loop.Snapshot()); err != nil {
					continue
				}
				_ = w.Write(nil, res.Conn, buf.Bytes())
			case gaio.OpWrite:
				_ = w.Free(res.Conn)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func acceptLoop(ln net.Listener, w *gaio.Watcher) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = w.Read(nil, conn, make([]byte, 256))
	}
}
