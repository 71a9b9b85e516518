// Package device is the block-I/O engine: one Device per configured
// export, converting AoE ATA commands into async reads and writes
// against a backing file and completions back into reply frames. A
// bounded in-flight set absorbs up to queue-depth concurrent
// submissions; everything past that waits in a deferred FIFO where
// adjacent requests may be merged before submission.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/shelfslot/aoetgtd/internal/aoe"
	"github.com/shelfslot/aoetgtd/internal/bufpool"
	"github.com/shelfslot/aoetgtd/internal/logging"
)

// MaxQueueLen bounds queue_depth, mirroring internal/config.MaxQueueLen
// (kept independent so this package has no import-cycle dependency on
// config).
const MaxQueueLen = 1024

// ATA command opcodes this engine accepts. Everything else is answered
// with a bad-argument error; initiators treat that as an aborted command.
const (
	ataCmdRead       = 0x20
	ataCmdReadExt    = 0x24
	ataCmdWrite      = 0x30
	ataCmdWriteExt   = 0x34
	ataCmdCheckPower = 0xE5
	ataCmdFlush      = 0xE7
	ataCmdIdentify   = 0xEC
)

// Request is what the router hands to Dispatch: a parsed ATA command plus
// enough addressing information to route the eventual reply.
type Request struct {
	Tag      uint32
	ReplyTo  ReplyContext
	ATA      aoe.ATARequest
	IsConfig bool
	Config   aoe.ConfigQuery
}

// ReplyContext is opaque to the device; it is round-tripped unchanged so
// the router can send the reply back out the originating netif to the
// originating initiator.
type ReplyContext struct {
	NetifName    string
	InitiatorMAC [6]byte
}

// Reply is a completed response ready for the router to transmit.
type Reply struct {
	ReplyTo ReplyContext
	Tag     uint32
	Header  aoe.Header
	Payload []byte
}

// Identity is the static metadata a device reports for identify and
// config query commands, which are synthesised here without touching the
// backing store.
type Identity struct {
	Shelf           uint16
	Slot            byte
	FirmwareVersion uint16
	ConfigString    []byte
	ReadOnly        bool
	SizeSectors     uint64 // 0 means "discover from the backing file"
}

// ConfigStore persists the opaque config blob set via AoE config-set
// commands. A nil store makes set commands take effect in memory only.
type ConfigStore interface {
	Save(blob []byte) error
}

// Config tunes one Device.
type Config struct {
	Path       string
	DirectIO   bool
	ReadOnly   bool
	QueueDepth int // power of two, <= MaxQueueLen
	MaxDelay   time.Duration
	MergeDelay time.Duration
	MTUPayload int // cap on a single reply's sector payload
	Store      ConfigStore
	Trace      logging.Logger // nil disables per-request tracing
}

type opKind int

const (
	opRead opKind = iota
	opWrite
	opFlush
)

// pending is one submitted-but-not-yet-completed operation.
type pending struct {
	req       Request
	submitAt  time.Time
	kind      opKind
	offset    int64
	buf       *bufpool.Buf
	mergeWith []Request // additional requests folded into this one I/O
}

// deferredEntry is a request waiting for in-flight room or a merge
// partner.
type deferredEntry struct {
	req      Request
	queuedAt time.Time
}

// Device owns one backing file and its submission/completion state.
type Device struct {
	mu sync.Mutex

	id   Identity
	cfg  Config
	file *os.File
	pool *bufpool.Pool

	inflight map[uint32]*pending // keyed by req.Tag
	deferred *queue.Queue

	replies        chan Reply
	droppedReplies atomic.Int64
}

// Open opens the backing file (or export target) and returns a ready
// Device. Direct I/O is requested via O_DIRECT when cfg.DirectIO is set;
// callers must supply sector-aligned buffers from pool in that mode.
func Open(id Identity, cfg Config, pool *bufpool.Pool) (*Device, error) {
	if cfg.QueueDepth <= 0 || cfg.QueueDepth > MaxQueueLen || cfg.QueueDepth&(cfg.QueueDepth-1) != 0 {
		return nil, fmt.Errorf("device: queue depth %d must be a power of two in [1, %d]", cfg.QueueDepth, MaxQueueLen)
	}
	flags := os.O_RDWR
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}
	if cfg.DirectIO {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(cfg.Path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", cfg.Path, err)
	}
	if id.SizeSectors == 0 {
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("device: size %s: %w", cfg.Path, err)
		}
		id.SizeSectors = uint64(end) / aoe.SectorSize
	}
	return &Device{
		id:       id,
		cfg:      cfg,
		file:     f,
		pool:     pool,
		inflight: make(map[uint32]*pending, cfg.QueueDepth),
		deferred: queue.New(),
		replies:  make(chan Reply, cfg.QueueDepth*2),
	}, nil
}

// Replies returns the channel the server/router drains for completed
// responses.
func (d *Device) Replies() <-chan Reply { return d.replies }

// SizeSectors reports the export's capacity in 512-byte sectors.
func (d *Device) SizeSectors() uint64 { return d.id.SizeSectors }

// Depths reports the current in-flight and deferred request counts plus
// the configured queue depth, for control-socket snapshots.
func (d *Device) Depths() (inflight, deferred, queueDepth int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight), d.deferred.Length(), d.cfg.QueueDepth
}

// DroppedReplies reports how many completed replies were discarded
// because the reply queue was full.
func (d *Device) DroppedReplies() int64 { return d.droppedReplies.Load() }

// Dispatch accepts one request. It never blocks: it either submits
// immediately (if in-flight room and reply-queue room remain), defers it
// for later submission,
// or (for identify/check-power/config-query) replies synchronously.
func (d *Device) Dispatch(req Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.Trace != nil {
		d.traceRequest(req)
	}
	if req.IsConfig {
		d.handleConfig(req)
		return
	}
	switch req.ATA.CmdStat {
	case ataCmdIdentify:
		d.replyIdentify(req)
		return
	case ataCmdCheckPower:
		d.replyCheckPower(req)
		return
	case ataCmdFlush:
	case ataCmdRead, ataCmdReadExt, ataCmdWrite, ataCmdWriteExt:
		isWrite := req.ATA.CmdStat == ataCmdWrite || req.ATA.CmdStat == ataCmdWriteExt
		if isWrite != req.ATA.Write {
			// The write flag governs whether sector data follows the
			// header; a mismatch against the opcode is malformed.
			d.reply(req, aoe.ErrBadArgument, nil)
			return
		}
		if isWrite && d.cfg.ReadOnly {
			d.reply(req, aoe.ErrWriteProtected, nil)
			return
		}
		if !d.rangeValid(req.ATA) {
			d.reply(req, aoe.ErrBadArgument, nil)
			return
		}
	default:
		d.reply(req, aoe.ErrBadArgument, nil)
		return
	}
	if len(d.inflight) >= d.cfg.QueueDepth || !d.replyRoomLocked() {
		d.deferred.Add(deferredEntry{req: req, queuedAt: time.Now()})
		return
	}
	d.submitLocked(req, nil)
}

// replyRoomLocked reports whether the reply queue can absorb every reply
// the in-flight set could produce after one more submission: each I/O
// yields at most two replies (itself and one merge partner).
func (d *Device) replyRoomLocked() bool {
	return len(d.replies)+2*(len(d.inflight)+1) <= cap(d.replies)
}

func (d *Device) traceRequest(req Request) {
	if req.IsConfig {
		d.cfg.Trace.Log(logging.LevelDebug, "config query",
			"shelf", d.id.Shelf, "slot", d.id.Slot, "tag", req.Tag, "ccmd", req.Config.AoECCmd)
		return
	}
	d.cfg.Trace.Log(logging.LevelDebug, "ata command",
		"shelf", d.id.Shelf, "slot", d.id.Slot, "tag", req.Tag,
		"cmd", req.ATA.CmdStat, "lba", req.ATA.LBA, "sectors", req.ATA.SectorCount)
}

func (d *Device) rangeValid(ata aoe.ATARequest) bool {
	count := uint64(ata.SectorCount)
	if count == 0 {
		return false
	}
	if !ata.Write && d.cfg.MTUPayload > 0 && int(count)*aoe.SectorSize > d.cfg.MTUPayload {
		return false
	}
	return ata.LBA+count <= d.id.SizeSectors
}

// Tick runs the periodic merge/promotion pass: requests that have been
// deferred beyond the merge delay with no merge partner are submitted
// alone; deferred entries are promoted in FIFO order into any in-flight
// room freed by prior completions, as long as the reply queue has room
// for the replies they will produce.
func (d *Device) Tick() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.promoteLocked()
}

func (d *Device) promoteLocked() {
	// A depth-1 device handles requests strictly serialised: no merging,
	// every deferred entry is promoted alone as soon as the slot frees.
	merging := d.cfg.QueueDepth > 1

	now := time.Now()
	n := d.deferred.Length()
	for i := 0; i < n && d.deferred.Length() > 0 && len(d.inflight) < d.cfg.QueueDepth && d.replyRoomLocked(); i++ {
		v := d.deferred.Remove().(deferredEntry)
		if !merging {
			d.submitLocked(v.req, nil)
			continue
		}
		if partner, ok := d.findMergePartnerLocked(v.req); ok {
			// The merged I/O starts at the lower LBA of the pair.
			first, second := v.req, partner
			if partner.ATA.Contiguous(v.req.ATA) {
				first, second = partner, v.req
			}
			d.submitLocked(first, []Request{second})
			continue
		}
		if now.Sub(v.queuedAt) >= d.cfg.MergeDelay {
			d.submitLocked(v.req, nil)
			continue
		}
		// Not yet old enough to force-submit alone and no partner found;
		// put it back for the next tick.
		d.deferred.Add(v)
	}
}

// findMergePartnerLocked looks for another deferred request from the same
// initiator, same direction, with a contiguous LBA range, whose combined
// size stays under MTUPayload. It removes and returns the partner if
// found.
func (d *Device) findMergePartnerLocked(req Request) (Request, bool) {
	n := d.deferred.Length()
	for i := 0; i < n; i++ {
		v := d.deferred.Remove().(deferredEntry)
		if mergeable(req, v.req, d.cfg.MTUPayload) {
			return v.req, true
		}
		d.deferred.Add(v)
	}
	return Request{}, false
}

func mergeable(a, b Request, mtuPayload int) bool {
	if a.ReplyTo.InitiatorMAC != b.ReplyTo.InitiatorMAC {
		return false
	}
	if a.ATA.Write != b.ATA.Write {
		return false
	}
	if !a.ATA.Contiguous(b.ATA) && !b.ATA.Contiguous(a.ATA) {
		return false
	}
	total := (int(a.ATA.SectorCount) + int(b.ATA.SectorCount)) * aoe.SectorSize
	return total <= mtuPayload
}

func (d *Device) submitLocked(req Request, mergeWith []Request) {
	if req.ATA.CmdStat == ataCmdFlush {
		p := &pending{req: req, submitAt: time.Now(), kind: opFlush}
		d.inflight[req.Tag] = p
		go d.runIO(p, 0, 0)
		return
	}

	offset, length := req.ATA.ByteRange()
	for _, m := range mergeWith {
		_, mlen := m.ATA.ByteRange()
		length += mlen
	}

	kind := opRead
	if req.ATA.Write {
		kind = opWrite
	}
	p := &pending{req: req, submitAt: time.Now(), kind: kind, offset: offset, mergeWith: mergeWith}

	if length > d.pool.BufSize() {
		d.reply(req, aoe.ErrBadArgument, nil)
		for _, m := range mergeWith {
			d.reply(m, aoe.ErrBadArgument, nil)
		}
		return
	}
	buf, err := d.pool.Acquire()
	if err != nil {
		d.reply(req, aoe.ErrDeviceUnavailable, nil)
		for _, m := range mergeWith {
			d.reply(m, aoe.ErrDeviceUnavailable, nil)
		}
		return
	}
	buf.SetLen(length)
	if req.ATA.Write {
		pos := 0
		for _, r := range append([]Request{req}, mergeWith...) {
			pos += copy(buf.Cap()[pos:length], r.ATA.Data)
		}
	}
	p.buf = buf
	d.inflight[req.Tag] = p

	go d.runIO(p, offset, length)
}

// runIO performs the actual positioned read, write, or flush and feeds the
// result back through completion, which re-acquires the lock. This
// goroutine is the single point of real blocking syscalls in the device
// engine; the event loop itself never blocks.
func (d *Device) runIO(p *pending, offset int64, length int) {
	var n int
	var err error
	switch p.kind {
	case opWrite:
		n, err = d.file.WriteAt(p.buf.Bytes(), offset)
	case opRead:
		n, err = d.file.ReadAt(p.buf.Bytes(), offset)
	case opFlush:
		err = d.file.Sync()
	}
	d.complete(p, n, err)
}

func (d *Device) complete(p *pending, n int, ioErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inflight, p.req.Tag)
	if p.buf != nil {
		defer p.buf.Release()
	}

	all := append([]Request{p.req}, p.mergeWith...)
	pos := 0
	for _, r := range all {
		_, length := r.ATA.ByteRange()
		if ioErr != nil {
			d.reply(r, translateIOError(ioErr), nil)
			pos += length
			continue
		}
		var payload []byte
		if p.kind == opRead {
			end := pos + length
			if end > n {
				end = n
			}
			if pos < end {
				payload = append([]byte(nil), p.buf.Bytes()[pos:end]...)
			}
		}
		d.reply(r, 0, encodeATAReplyPayload(r.ATA, ataStatusReady, payload))
		pos += length
	}

	d.promoteLocked()
}

// ataStatusReady is the ATA status byte for a successfully completed
// command: DRDY set, ERR clear.
const ataStatusReady = 0x40

func encodeATAReplyPayload(req aoe.ATARequest, cmdStat byte, data []byte) []byte {
	buf := make([]byte, aoe.ATAHeaderLen+len(data))
	n, err := aoe.EncodeATAReply(buf, req, cmdStat, data)
	if err != nil {
		return nil
	}
	return buf[:n]
}

func translateIOError(err error) byte {
	switch {
	case errors.Is(err, os.ErrPermission):
		return aoe.ErrWriteProtected
	default:
		return aoe.ErrDeviceUnavailable
	}
}

// reply queues one response frame. Must be called with d.mu held. The
// send never blocks: a full reply queue drops the response and counts
// it, and the initiator retries.
func (d *Device) reply(req Request, errCode byte, payload []byte) {
	cmd := byte(aoe.CmdATA)
	if req.IsConfig {
		cmd = aoe.CmdQueryConfig
	}
	h := aoe.Header{
		Version: aoe.HeaderVersion,
		Flags:   aoe.FlagResponse,
		Shelf:   d.id.Shelf,
		Slot:    d.id.Slot,
		Command: cmd,
		Tag:     req.Tag,
	}
	if errCode != 0 {
		h.Flags |= aoe.FlagError
		h.Error = errCode
		payload = nil
	}
	select {
	case d.replies <- Reply{ReplyTo: req.ReplyTo, Tag: req.Tag, Header: h, Payload: payload}:
	default:
		d.droppedReplies.Add(1)
	}
}

func (d *Device) replyIdentify(req Request) {
	page := identifyPage(d.id)
	d.reply(req, 0, encodeATAReplyPayload(req.ATA, ataStatusReady, page))
}

// replyCheckPower reports the drive as always active: the reply's sector
// count field carries 0xFF per the ATA check-power-mode contract.
func (d *Device) replyCheckPower(req Request) {
	payload := encodeATAReplyPayload(req.ATA, ataStatusReady, nil)
	if len(payload) >= aoe.ATAHeaderLen {
		payload[2] = 0xFF
	}
	d.reply(req, 0, payload)
}

// handleConfig implements the query-config sub-commands: read,
// exact/prefix test (no reply on mismatch), set-if-empty, and force-set.
// Sets are persisted through the ConfigStore when one is configured.
func (d *Device) handleConfig(req Request) {
	q := req.Config.ConfigString
	switch req.Config.AoECCmd {
	case aoe.CCmdRead:
	case aoe.CCmdTestSet:
		if !bytes.Equal(d.id.ConfigString, q) {
			return
		}
	case aoe.CCmdTestSetZero:
		if !bytes.HasPrefix(d.id.ConfigString, q) {
			return
		}
	case aoe.CCmdSet:
		if len(d.id.ConfigString) != 0 && !bytes.Equal(d.id.ConfigString, q) {
			d.replyConfigError(req, aoe.ErrConfigPresent)
			return
		}
		d.setConfigString(q)
	case aoe.CCmdSetForce:
		d.setConfigString(q)
	default:
		d.replyConfigError(req, aoe.ErrBadArgument)
		return
	}

	payload := make([]byte, aoe.ConfigHeaderLen+len(d.id.ConfigString))
	n, err := aoe.EncodeConfigReply(payload, uint16(d.cfg.QueueDepth), d.id.FirmwareVersion,
		d.maxSectorsPerRequest(), req.Config.AoECCmd, d.id.ConfigString)
	if err != nil {
		d.replyConfigError(req, aoe.ErrBadArgument)
		return
	}
	d.reply(req, 0, payload[:n])
}

func (d *Device) setConfigString(blob []byte) {
	d.id.ConfigString = append([]byte(nil), blob...)
	if d.cfg.Store != nil {
		if err := d.cfg.Store.Save(d.id.ConfigString); err != nil && d.cfg.Trace != nil {
			d.cfg.Trace.Log(logging.LevelWarn, "failed to persist config string",
				"shelf", d.id.Shelf, "slot", d.id.Slot, "error", err)
		}
	}
}

func (d *Device) maxSectorsPerRequest() byte {
	if d.cfg.MTUPayload <= 0 {
		return 2
	}
	n := d.cfg.MTUPayload / aoe.SectorSize
	if n < 1 {
		n = 1
	}
	if n > 255 {
		n = 255
	}
	return byte(n)
}

func (d *Device) replyConfigError(req Request, subcode byte) {
	d.reply(req, subcode, nil)
}

// Close releases the backing fd. In-flight goroutines already spawned are
// allowed to finish and still queue their (error) replies; deferred
// requests are discarded without a reply. Callers that must emit no
// replies after shutdown stop draining Replies() before calling Close.
func (d *Device) Close() error {
	return d.file.Close()
}

// RunTicker drives Tick on cfg.MaxDelay until ctx is canceled.
func (d *Device) RunTicker(ctx context.Context) {
	interval := d.cfg.MaxDelay
	if interval <= 0 {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Tick()
		}
	}
}
