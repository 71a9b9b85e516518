// Package netmon announces interface up/down events (name, index, MAC,
// MTU) that cmd/aoetgtd uses to create and tear down netifs. The request
// pipeline never imports this package; only cmd/aoetgtd consumes a
// Monitor's events.
package netmon

import (
	"context"
	"fmt"
	"net"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// Event is one interface state transition.
type Event struct {
	Up    bool
	Index int
	Name  string
	MAC   net.HardwareAddr
	MTU   int
}

// Source is the interface a monitor satisfies: a stream of interface
// events, which the consumer filters to the configured interface-name
// pattern list.
type Source interface {
	Events() <-chan Event
	Close() error
}

// Monitor watches RTM_NEWLINK/RTM_DELLINK notifications over rtnetlink,
// the standard Linux mechanism for interface up/down/MTU-change
// notification.
type Monitor struct {
	conn   *rtnetlink.Conn
	events chan Event
	cancel context.CancelFunc
}

// NewMonitor dials the NETLINK_ROUTE socket subscribed to the link
// multicast group and starts the background receive loop.
func NewMonitor() (*Monitor, error) {
	conn, err := rtnetlink.Dial(&netlink.Config{Groups: unix.RTMGRP_LINK})
	if err != nil {
		return nil, fmt.Errorf("netmon: dial rtnetlink: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{conn: conn, events: make(chan Event, 64), cancel: cancel}
	go m.run(ctx)
	return m, nil
}

// Events returns the channel of interface state transitions.
func (m *Monitor) Events() <-chan Event { return m.events }

// Close stops the receive loop and releases the netlink socket.
func (m *Monitor) Close() error {
	m.cancel()
	return m.conn.Close()
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.events)
	for {
		msgs, _, err := m.conn.Receive()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		for _, msg := range msgs {
			select {
			case <-ctx.Done():
				return
			default:
			}
			ev, ok := decode(msg)
			if !ok {
				continue
			}
			select {
			case m.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func decode(msg rtnetlink.Message) (Event, bool) {
	link, ok := msg.(*rtnetlink.LinkMessage)
	if !ok || link.Attributes == nil {
		return Event{}, false
	}
	up := link.Flags&unix.IFF_UP != 0 && link.Flags&unix.IFF_RUNNING != 0
	ev := Event{
		Up:    up,
		Index: int(link.Index),
		Name:  link.Attributes.Name,
		MAC:   net.HardwareAddr(link.Attributes.Address),
		MTU:   int(link.Attributes.MTU),
	}
	return ev, true
}
