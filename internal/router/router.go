// Package router implements the stateless routing hot path: look up the
// device(s) addressed by (shelf, slot), enforce ACLs and
// interface-pattern restrictions, and hand the parsed request to the
// device engine. It also carries completed replies back out the
// originating netif.
package router

import (
	"net"
	"path/filepath"

	"github.com/shelfslot/aoetgtd/internal/acl"
	"github.com/shelfslot/aoetgtd/internal/aoe"
	"github.com/shelfslot/aoetgtd/internal/device"
)

// Entry binds one configured export's device to its addressing and ACL
// policy.
type Entry struct {
	Shelf         uint16
	Slot          byte
	Device        *device.Device
	Policy        acl.Policy
	Broadcast     bool     // answer broadcast-addressed requests
	IfacePatterns []string // empty means "any interface"
}

// Netif is the subset of netif.Netif the router needs: enough to send a
// reply back out and to identify which interface a frame arrived on.
type Netif interface {
	Name() string
	Enqueue(dst net.HardwareAddr, payload []byte) error
}

// Table is the routing table: immutable between reloads, built fresh in
// a shadow and swapped atomically.
type Table struct {
	byKey map[shelfSlot]*Entry
	all   []*Entry
}

type shelfSlot struct {
	shelf uint16
	slot  byte
}

// NewTable builds a routing table from a flat list of entries. Duplicate
// (shelf, slot) pairs are a configuration-validation concern (see
// internal/config) and are assumed already rejected by the time a Table
// is built.
func NewTable(entries []*Entry) *Table {
	t := &Table{byKey: make(map[shelfSlot]*Entry, len(entries)), all: entries}
	for _, e := range entries {
		t.byKey[shelfSlot{e.Shelf, e.Slot}] = e
	}
	return t
}

// Router dispatches ingress frames to devices and replies to netifs.
type Router struct {
	table  *Table
	stats  *Stats
	netifs map[string]Netif
}

// NewRouter creates a Router bound to an initial table.
func NewRouter(table *Table, stats *Stats) *Router {
	return &Router{table: table, stats: stats, netifs: make(map[string]Netif)}
}

// SetTable atomically swaps in a new routing table (reload).
func (r *Router) SetTable(table *Table) { r.table = table }

// AddNetif registers a netif the router may reply through, keyed by name.
func (r *Router) AddNetif(n Netif) { r.netifs[n.Name()] = n }

// RemoveNetif unregisters a netif, e.g. on interface-down.
func (r *Router) RemoveNetif(name string) { delete(r.netifs, name) }

// Ingress handles one received frame: parse, look up the addressed
// device(s), check ACL and interface policy, then dispatch.
func (r *Router) Ingress(netifName string, src net.HardwareAddr, payload []byte) {
	hdr, rest, err := aoe.DecodeHeader(payload)
	if err != nil {
		r.stats.Malformed.Add(1)
		return
	}
	if hdr.IsResponse() {
		// A reply from some other target, not addressed to us; ignore.
		return
	}

	var initiator acl.Addr
	copy(initiator[:], src)

	entries := r.matchEntries(hdr)
	if len(entries) == 0 {
		r.stats.UnknownExport.Add(1)
		return // silent drop, no reply that would leak device existence
	}

	for _, e := range entries {
		if !e.Policy.Allow(initiator) {
			r.stats.ACLDenied.Add(1)
			continue
		}
		if !interfaceAllowed(e.IfacePatterns, netifName) {
			continue
		}
		r.dispatchTo(e, netifName, src, hdr, rest)
	}
}

func (r *Router) matchEntries(hdr aoe.Header) []*Entry {
	if hdr.IsBroadcastShelf() || hdr.IsBroadcastSlot() {
		r.stats.Broadcast.Add(1)
		matched := make([]*Entry, 0, len(r.table.all))
		for _, e := range r.table.all {
			if !e.Broadcast {
				continue
			}
			if !hdr.IsBroadcastShelf() && e.Shelf != hdr.Shelf {
				continue
			}
			if !hdr.IsBroadcastSlot() && e.Slot != hdr.Slot {
				continue
			}
			matched = append(matched, e)
		}
		return matched
	}
	e, ok := r.table.byKey[shelfSlot{hdr.Shelf, hdr.Slot}]
	if !ok {
		return nil
	}
	return []*Entry{e}
}

func interfaceAllowed(patterns []string, netifName string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, err := filepath.Match(p, netifName); err == nil && ok {
			return true
		}
	}
	return false
}

func (r *Router) dispatchTo(e *Entry, netifName string, src net.HardwareAddr, hdr aoe.Header, rest []byte) {
	replyCtx := device.ReplyContext{NetifName: netifName}
	copy(replyCtx.InitiatorMAC[:], src)

	switch hdr.Command {
	case aoe.CmdATA:
		ata, err := aoe.DecodeATA(rest)
		if err != nil {
			r.stats.Malformed.Add(1)
			return
		}
		e.Device.Dispatch(device.Request{Tag: hdr.Tag, ReplyTo: replyCtx, ATA: ata})
	case aoe.CmdQueryConfig:
		cq, err := aoe.DecodeConfigQuery(rest)
		if err != nil {
			r.stats.Malformed.Add(1)
			return
		}
		e.Device.Dispatch(device.Request{Tag: hdr.Tag, ReplyTo: replyCtx, IsConfig: true, Config: cq})
	default:
		r.stats.Malformed.Add(1)
	}
}

// PumpReplies drains one device's reply channel and transmits each reply
// out the netif recorded in its ReplyContext. Called by the server loop
// once per device per wakeup.
func (r *Router) PumpReplies(d *device.Device) {
	for {
		select {
		case rep, ok := <-d.Replies():
			if !ok {
				return
			}
			r.sendReply(rep)
		default:
			return
		}
	}
}

func (r *Router) sendReply(rep device.Reply) {
	nif, ok := r.netifs[rep.ReplyTo.NetifName]
	if !ok {
		return
	}
	h := rep.Header
	h.Tag = rep.Tag
	buf := make([]byte, aoe.HeaderLen+len(rep.Payload))
	rest, err := aoe.EncodeHeader(buf, h)
	if err != nil {
		return
	}
	copy(rest, rep.Payload)
	dst := net.HardwareAddr(rep.ReplyTo.InitiatorMAC[:])
	if err := nif.Enqueue(dst, buf); err != nil {
		r.stats.IOErrors.Add(1)
	}
}
