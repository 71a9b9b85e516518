// Package netif is the raw-Ethernet transport engine: one Netif per
// network interface the daemon is bound to, each wrapping an AF_PACKET
// socket with a shared PACKET_MMAP (TPACKET_V2) ring via
// github.com/google/gopacket/afpacket, plus a batched send queue.
package netif

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"

	"github.com/shelfslot/aoetgtd/internal/aoe"
)

// Frame is one received Ethernet frame handed up to the router: the
// source MAC (for replies) and the AoE payload (everything after the
// Ethernet header).
type Frame struct {
	Src     net.HardwareAddr
	Payload []byte
}

// Config tunes a single Netif.
type Config struct {
	Name             string
	MTU              int // 0 keeps the interface's current OS MTU
	RingFrameSize    int
	RingBlockSize    int
	RingNumBlocks    int
	SendBufSize      int
	RecvBufSize      int
	MaxDelay         time.Duration
	TXRingWorkaround bool
}

// Netif owns one AF_PACKET TPacket handle bound to a single interface.
type Netif struct {
	cfg     Config
	iface   net.Interface
	handle  *afpacket.TPacket
	rawFD   int // workaround send path; -1 when the TX ring is in use
	stats   *Stats
	mu      sync.Mutex
	sendq   *sendQueue
	closed  bool
	closeCh chan struct{}
}

// New opens a Netif bound to cfg.Name. It does not start the send-batch
// flusher; call Run for that.
func New(cfg Config, stats *Stats) (*Netif, error) {
	iface, err := net.InterfaceByName(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("netif: %s: %w", cfg.Name, err)
	}
	if cfg.MTU != 0 && cfg.MTU != iface.MTU {
		if err := setMTU(cfg.Name, cfg.MTU); err != nil {
			return nil, fmt.Errorf("netif: %s: set mtu %d: %w", cfg.Name, cfg.MTU, err)
		}
		iface.MTU = cfg.MTU
	}

	handle, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Name),
		afpacket.OptFrameSize(frameSizeOrDefault(cfg.RingFrameSize)),
		afpacket.OptBlockSize(blockSizeOrDefault(cfg.RingBlockSize)),
		afpacket.OptNumBlocks(numBlocksOrDefault(cfg.RingNumBlocks)),
		afpacket.OptPollTimeout(100*time.Millisecond),
		afpacket.TPacketVersion2,
	)
	if err != nil {
		return nil, fmt.Errorf("netif: %s: open AF_PACKET socket: %w", cfg.Name, err)
	}

	n := &Netif{
		cfg:     cfg,
		iface:   *iface,
		handle:  handle,
		rawFD:   -1,
		stats:   stats,
		sendq:   newSendQueue(),
		closeCh: make(chan struct{}),
	}
	if cfg.TXRingWorkaround {
		fd, err := openRawSendSocket(iface.Index)
		if err != nil {
			handle.Close()
			return nil, fmt.Errorf("netif: %s: open workaround send socket: %w", cfg.Name, err)
		}
		if err := tuneSocketBuffers(fd, cfg.SendBufSize, cfg.RecvBufSize); err != nil {
			unix.Close(fd)
			handle.Close()
			return nil, fmt.Errorf("netif: %s: tune buffers: %w", cfg.Name, err)
		}
		n.rawFD = fd
	}
	return n, nil
}

// openRawSendSocket opens the plain (non-ring) AF_PACKET socket used for
// per-frame sends on kernels with the broken PACKET_TX_RING: writes
// bypass the mmap ring entirely.
func openRawSendSocket(ifindex int) (int, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, 0)
	if err != nil {
		return -1, err
	}
	sa := &unix.SockaddrLinklayer{Protocol: htons(aoe.EtherType), Ifindex: ifindex}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// Name reports the bound interface name.
func (n *Netif) Name() string { return n.cfg.Name }

// HardwareAddr reports the bound interface's MAC address.
func (n *Netif) HardwareAddr() net.HardwareAddr { return n.iface.HardwareAddr }

// MTU reports the interface's current, effective MTU.
func (n *Netif) MTU() int { return n.iface.MTU }

// Stats exposes the per-interface counters for snapshot assembly.
func (n *Netif) Stats() *Stats { return n.stats }

// Recv returns the next received AoE frame addressed to this interface
// (or broadcast), or an error on socket shutdown or poll timeout.
// Non-AoE EtherTypes, frames unicast to some other station, and frames
// too short to carry an Ethernet header are dropped and counted here
// rather than surfaced.
func (n *Netif) Recv() (Frame, error) {
	for {
		data, ci, err := n.handle.ZeroCopyReadPacketData()
		if err != nil {
			return Frame{}, err
		}
		n.stats.RxPackets.Add(1)
		n.stats.RxBytes.Add(float64(ci.CaptureLength))

		pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
		eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		if !ok {
			n.stats.RxDropped.Add(1)
			continue
		}
		if eth.EthernetType != layers.EthernetType(aoe.EtherType) {
			n.stats.RxDropped.Add(1)
			continue
		}
		if !n.destinedToUs(eth.DstMAC) {
			n.stats.RxDropped.Add(1)
			continue
		}
		// The payload escapes the ring's zero-copy window once handed to
		// the router, so detach it here.
		payload := append([]byte(nil), eth.LayerPayload()...)
		src := append(net.HardwareAddr(nil), eth.SrcMAC...)
		return Frame{Src: src, Payload: payload}, nil
	}
}

// broadcastMAC is the all-stations Ethernet destination; AoE discovery
// requests arrive addressed to it.
var broadcastMAC = net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (n *Netif) destinedToUs(dst net.HardwareAddr) bool {
	return bytes.Equal(dst, broadcastMAC) || bytes.Equal(dst, n.iface.HardwareAddr)
}

// NoteDrop counts a frame dropped after reception, e.g. when the event
// loop's fan-in queue is full.
func (n *Netif) NoteDrop() { n.stats.RxDropped.Add(1) }

// Enqueue queues an outbound frame for batched transmission to dst,
// carrying payload as the AoE portion of the frame. Frames whose payload
// exceeds the interface MTU are rejected; the netif never fragments.
func (n *Netif) Enqueue(dst net.HardwareAddr, payload []byte) error {
	if len(payload) > n.iface.MTU {
		return fmt.Errorf("netif: %s: payload %d exceeds mtu %d", n.cfg.Name, len(payload), n.iface.MTU)
	}
	eth := layers.Ethernet{
		SrcMAC:       n.iface.HardwareAddr,
		DstMAC:       dst,
		EthernetType: layers.EthernetType(aoe.EtherType),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false}
	if err := gopacket.SerializeLayers(buf, opts, &eth, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("netif: %s: serialize: %w", n.cfg.Name, err)
	}
	frame := append([]byte(nil), buf.Bytes()...)
	n.sendq.push(frame)
	return nil
}

// Run drains the send queue on a timer bounded by MaxDelay, batching
// consecutive sends, and stops when ctx is canceled or Close is called.
func (n *Netif) Run(ctx context.Context) error {
	delay := n.cfg.MaxDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.closeCh:
			return nil
		case <-ticker.C:
			n.flush()
		}
	}
}

// Flush forces an immediate drain of any queued outbound frames, used by
// the server loop when it knows a batch is complete before MaxDelay
// elapses.
func (n *Netif) Flush() { n.flush() }

func (n *Netif) flush() {
	frames := n.sendq.drain()
	if len(frames) == 0 {
		return
	}
	for _, f := range frames {
		var err error
		if n.rawFD >= 0 {
			err = n.sendDirect(f)
		} else {
			err = n.handle.WritePacketData(f)
		}
		if err != nil {
			n.stats.TxErrors.Add(1)
			continue
		}
		n.stats.TxPackets.Add(1)
		n.stats.TxBytes.Add(float64(len(f)))
	}
}

// sendDirect transmits one frame through the plain workaround socket.
func (n *Netif) sendDirect(f []byte) error {
	sa := &unix.SockaddrLinklayer{Protocol: htons(aoe.EtherType), Ifindex: n.iface.Index}
	return unix.Sendto(n.rawFD, f, 0, sa)
}

// Close releases the AF_PACKET socket and ring. Idempotent.
func (n *Netif) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	close(n.closeCh)
	n.handle.Close()
	if n.rawFD >= 0 {
		unix.Close(n.rawFD)
		n.rawFD = -1
	}
	return nil
}

func setMTU(name string, mtu int) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	req, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	req.SetUint32(uint32(mtu))
	return unix.IoctlIfreq(fd, unix.SIOCSIFMTU, req)
}

// tuneSocketBuffers applies the configured SO_SNDBUF/SO_RCVBUF sizes to
// the workaround send socket. The mmap ring path's buffering is governed
// by the ring geometry (frame/block size and count) instead.
func tuneSocketBuffers(fd, sndbuf, rcvbuf int) error {
	if sndbuf != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sndbuf); err != nil {
			return err
		}
	}
	if rcvbuf != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf); err != nil {
			return err
		}
	}
	return nil
}

func frameSizeOrDefault(n int) int {
	if n == 0 {
		return 4096
	}
	return n
}

func blockSizeOrDefault(n int) int {
	if n == 0 {
		return 1 << 20
	}
	return n
}

func numBlocksOrDefault(n int) int {
	if n == 0 {
		return 64
	}
	return n
}
