// Package server implements the single-threaded cooperative event loop:
// one goroutine waits for interface readiness, drains ready netifs into
// the router, pumps device completions back out, and runs the periodic
// flush/merge tick for every netif and device. Reload is deferred to the
// top of the loop, never invoked mid-callback.
package server

import (
	"context"
	"log"
	"net"
	"sync"
	"time"
)

// ReloadFunc is called once per loop iteration when a reload has been
// requested. It swaps in the new state itself, or returns an error and
// leaves the old state untouched.
type ReloadFunc func() error

// InboundFrame is one frame received on some netif, fanned in to the
// loop's single dispatch point so ingress handling stays serialized on
// the loop goroutine even though the underlying socket read happens on a
// dedicated reader goroutine per netif.
type InboundFrame struct {
	NetifName string
	Src       net.HardwareAddr
	Payload   []byte
}

// StatsSnapshot is the read-only introspection payload the control
// socket exposes: per-netif and per-device counters. It is a plain
// struct on purpose; the control socket's wire format is the caller's
// concern and this is just what gets encoded.
type StatsSnapshot struct {
	Netifs  map[string]NetifCounters
	Devices map[string]DeviceCounters
}

// NetifCounters mirrors the fields internal/netif.Stats tracks.
type NetifCounters struct {
	RxPackets, RxBytes, RxDropped, TxPackets, TxBytes, TxErrors float64
}

// DeviceCounters mirrors the per-device in-flight/deferred depth a
// control-socket client cares about.
type DeviceCounters struct {
	InFlight, Deferred, QueueDepth int
	SizeSectors                    uint64
	DroppedReplies                 int64
}

// SnapshotFunc is called by Snapshot to assemble the current counters;
// cmd/aoetgtd supplies one closed over the live netif/device maps.
type SnapshotFunc func() StatsSnapshot

// Loop is the event loop itself. It is intentionally decoupled from the
// concrete netif/device/router types so it can be driven by tests with
// fakes; cmd/aoetgtd wires the real components in.
type Loop struct {
	mu sync.Mutex

	tickers    []func()
	reloadFn   ReloadFunc
	reloadCh   chan struct{}
	stopCh     chan struct{}
	idleCap    time.Duration
	logger     *log.Logger
	snapshotFn SnapshotFunc

	frames      chan InboundFrame
	frameHandle func(InboundFrame)
}

// Option configures a Loop at construction.
type Option func(*Loop)

// WithIdleCap overrides the recorded 10s idle wait cap. Run does not
// consult it: its wake-up cadence is the tickPeriod passed to Run.
func WithIdleCap(d time.Duration) Option {
	return func(l *Loop) { l.idleCap = d }
}

// WithLogger overrides the default stderr logger.
func WithLogger(lg *log.Logger) Option {
	return func(l *Loop) { l.logger = lg }
}

// New creates a Loop. reloadFn is invoked at the top of each iteration
// only when Reload has been called since the last iteration.
func New(reloadFn ReloadFunc, opts ...Option) *Loop {
	l := &Loop{
		reloadFn: reloadFn,
		reloadCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		idleCap:  10 * time.Second,
		logger:   log.Default(),
		frames:   make(chan InboundFrame, 256),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// AddTick registers a per-iteration callback (a netif flush, a device
// Tick, a router PumpReplies sweep). Callbacks run in registration order
// every iteration; none may block.
func (l *Loop) AddTick(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tickers = append(l.tickers, fn)
}

// SetSnapshotFunc installs the callback Snapshot delegates to.
func (l *Loop) SetSnapshotFunc(fn SnapshotFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshotFn = fn
}

// Snapshot returns the current counters for the control socket.
// Safe to call concurrently with Run from another goroutine; the
// underlying counters are themselves concurrency-safe (prometheus
// counters / atomics), so this never touches the loop's serialized state.
func (l *Loop) Snapshot() StatsSnapshot {
	l.mu.Lock()
	fn := l.snapshotFn
	l.mu.Unlock()
	if fn == nil {
		return StatsSnapshot{}
	}
	return fn()
}

// SetFrameHandler installs the callback invoked, on the loop goroutine,
// for each inbound frame submitted via Submit. Typically wired to
// router.Router.Ingress.
func (l *Loop) SetFrameHandler(fn func(InboundFrame)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frameHandle = fn
}

// Submit enqueues a received frame for serialized dispatch on the loop
// goroutine. Safe to call from any netif's reader goroutine; drops the
// frame (counted by the caller's own netif.Stats) if the loop is too far
// behind to keep up, rather than blocking the reader indefinitely.
func (l *Loop) Submit(f InboundFrame) bool {
	select {
	case l.frames <- f:
		return true
	default:
		return false
	}
}

// Reload requests a configuration reload at the next loop iteration
// (e.g. from a SIGHUP handler). Safe to call from any goroutine.
func (l *Loop) Reload() {
	select {
	case l.reloadCh <- struct{}{}:
	default:
	}
}

// Stop requests the loop exit cleanly after its current iteration.
func (l *Loop) Stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
}

// Run drives the loop until Stop is called or ctx is canceled. tickPeriod
// is the wakeup cadence; a real deployment ties this to the soonest timer
// deadline across registered netifs/devices (their own MaxDelay/MergeDelay),
// but a fixed short period is an adequate and simpler substitute since every
// callback here is idempotent and cheap to run spuriously.
func (l *Loop) Run(ctx context.Context, tickPeriod time.Duration) error {
	if tickPeriod <= 0 {
		tickPeriod = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		case <-l.reloadCh:
			if l.reloadFn != nil {
				if err := l.reloadFn(); err != nil {
					l.logger.Printf("reload failed, keeping previous configuration: %v", err)
				}
			}
		case <-ticker.C:
			l.runTickers()
		case f := <-l.frames:
			l.mu.Lock()
			handle := l.frameHandle
			l.mu.Unlock()
			if handle != nil {
				handle(f)
			}
		}
	}
}

func (l *Loop) runTickers() {
	l.mu.Lock()
	tickers := make([]func(), len(l.tickers))
	copy(tickers, l.tickers)
	l.mu.Unlock()

	for _, fn := range tickers {
		fn()
	}
}
