// Package config holds the three result tables an external config loader
// produces: process-wide defaults, named ACL sets, and per-export device
// configurations plus per-interface overrides. Parsing a configuration
// file format is the loader's job; this package only defines the
// validated shape the daemon consumes and the validation rules
// themselves, notably duplicate (shelf, slot) rejection and the
// guarantee that a failed reload leaves prior state untouched.
package config

import (
	"fmt"
	"time"

	"github.com/shelfslot/aoetgtd/internal/acl"
)

// MaxQueueLen is the upper bound on per-device queue depth.
const MaxQueueLen = 1024

// MinMTU is the smallest MTU this daemon will operate an interface at: a
// config-query reply must fit, so the floor is the config header plus
// two sectors of headroom.
const MinMTU = 1024 + 8

// Defaults are the process-wide settings. MTU, the ring and socket-buffer
// sizes (each overridable per interface), TXRingWorkaround and MaxDelay
// configure every netif; TraceIO turns on tracing for every device.
// QueueLength, DirectIO and MergeDelay are validated but not copied into
// devices: each Device carries its own values for those.
type Defaults struct {
	QueueLength      int
	DirectIO         bool
	TraceIO          bool
	MTU              int   // 0 means "use the interface's OS MTU"
	RingSize         int   // PACKET_MMAP ring block count; 0 means library default
	SendBufSize      int   // SO_SNDBUF; 0 means OS default
	RecvBufSize      int   // SO_RCVBUF; 0 means OS default
	TXRingWorkaround *bool // nil means autodetect from the kernel release
	MaxDelay         time.Duration
	MergeDelay       time.Duration
	Interfaces       []string // glob patterns; nil means "all interfaces"
	StateDir         string
	ControlSocket    string
}

// NamedACL is a named, reusable set of MAC addresses, resolvable from a
// device's accept/deny list by name.
type NamedACL struct {
	Name    string
	Members []acl.Addr
}

// Device is one configured export: a stable (shelf, slot) pair backed by
// a path or a filesystem UUID.
type Device struct {
	Name string // display name / config section name

	Shelf uint16
	Slot  byte

	Path string // mutually exclusive with UUID
	UUID string // resolved via /dev/disk/by-uuid/<uuid> at load time

	DirectIO  bool
	ReadOnly  bool
	Broadcast bool
	TraceIO   bool

	QueueDepth int // power of two, in [1, MaxQueueLen]

	MaxDelay   time.Duration
	MergeDelay time.Duration

	// Accept/Deny are either inline MAC addresses or references to a
	// NamedACL by name; both are resolved into acl.Map instances by
	// Validate and merged into one set per direction.
	AcceptNames []string
	AcceptAddrs []acl.Addr
	DenyNames   []string
	DenyAddrs   []acl.Addr

	// IfacePatterns restricts which interfaces may carry requests for this
	// device; nil means "any active interface".
	IfacePatterns []string
}

// NetifOverride holds per-interface-name tuning, layered over Defaults.
type NetifOverride struct {
	MTU         int
	RingSize    int
	SendBufSize int
	RecvBufSize int
}

// Raw is what an external loader hands to Validate: unresolved, as parsed
// from whatever source format the loader understands.
type Raw struct {
	Defaults       Defaults
	ACLs           []NamedACL
	Devices        []Device
	NetifOverrides map[string]NetifOverride
}

// Config is the validated, ready-to-use result: the routing table's device
// list with fully resolved ACL policies.
type Config struct {
	Defaults       Defaults
	ACLs           map[string]*acl.Map
	Devices        []ResolvedDevice
	NetifOverrides map[string]NetifOverride
}

// ResolvedDevice is a Device with its ACL policy materialized into acl.Map
// instances, ready for router.Policy.
type ResolvedDevice struct {
	Device
	Policy acl.Policy
}

// Validate builds a Config from raw, or returns an error describing the
// first problem found. It never mutates raw. Callers are expected to keep
// the previous Config in effect on error.
func Validate(raw Raw) (*Config, error) {
	if !queueLengthValid(raw.Defaults.QueueLength) {
		return nil, fmt.Errorf("config: defaults: invalid queue-length %d", raw.Defaults.QueueLength)
	}
	if raw.Defaults.MTU != 0 && raw.Defaults.MTU < MinMTU {
		return nil, fmt.Errorf("config: defaults: mtu %d below minimum %d", raw.Defaults.MTU, MinMTU)
	}
	if !delayValid(raw.Defaults.MaxDelay) {
		return nil, fmt.Errorf("config: defaults: invalid max-delay %s", raw.Defaults.MaxDelay)
	}
	if !delayValid(raw.Defaults.MergeDelay) {
		return nil, fmt.Errorf("config: defaults: invalid merge-delay %s", raw.Defaults.MergeDelay)
	}

	named := make(map[string]*acl.Map, len(raw.ACLs))
	namedMembers := make(map[string][]acl.Addr, len(raw.ACLs))
	for _, na := range raw.ACLs {
		m := acl.New()
		for _, a := range na.Members {
			if err := m.Add(a); err != nil {
				return nil, fmt.Errorf("config: acl %q: %w", na.Name, err)
			}
		}
		named[na.Name] = m
		namedMembers[na.Name] = na.Members
	}

	seen := make(map[[3]byte]string, len(raw.Devices))
	resolved := make([]ResolvedDevice, 0, len(raw.Devices))
	for _, d := range raw.Devices {
		if err := validateDevice(d); err != nil {
			return nil, err
		}
		key := [3]byte{byte(d.Shelf >> 8), byte(d.Shelf), d.Slot}
		if other, ok := seen[key]; ok {
			return nil, fmt.Errorf("config: device %q and %q both claim (shelf=%d, slot=%d)",
				other, d.Name, d.Shelf, d.Slot)
		}
		seen[key] = d.Name

		accept, err := resolvePolicy(namedMembers, d.AcceptNames, d.AcceptAddrs)
		if err != nil {
			return nil, fmt.Errorf("config: device %q: accept: %w", d.Name, err)
		}
		deny, err := resolvePolicy(namedMembers, d.DenyNames, d.DenyAddrs)
		if err != nil {
			return nil, fmt.Errorf("config: device %q: deny: %w", d.Name, err)
		}
		resolved = append(resolved, ResolvedDevice{
			Device: d,
			Policy: acl.Policy{Accept: accept, Deny: deny},
		})
	}

	overrides := raw.NetifOverrides
	if overrides == nil {
		overrides = map[string]NetifOverride{}
	}
	for name, ov := range overrides {
		if ov.MTU != 0 && ov.MTU < MinMTU {
			return nil, fmt.Errorf("config: interface %q: mtu %d below minimum %d", name, ov.MTU, MinMTU)
		}
	}

	return &Config{
		Defaults:       raw.Defaults,
		ACLs:           named,
		Devices:        resolved,
		NetifOverrides: overrides,
	}, nil
}

func validateDevice(d Device) error {
	if d.Path == "" && d.UUID == "" {
		return fmt.Errorf("config: device %q: exactly one of path or uuid is required", d.Name)
	}
	if d.Path != "" && d.UUID != "" {
		return fmt.Errorf("config: device %q: only one of path or uuid may be specified", d.Name)
	}
	if d.Shelf >= uint16(0xFFFF) {
		return fmt.Errorf("config: device %q: shelf %d collides with the broadcast shelf", d.Name, d.Shelf)
	}
	if d.Slot >= 0xFF {
		return fmt.Errorf("config: device %q: slot %d collides with the broadcast slot", d.Name, d.Slot)
	}
	if !queueLengthValid(d.QueueDepth) || !isPowerOfTwo(d.QueueDepth) {
		return fmt.Errorf("config: device %q: queue depth %d must be a power of two in [1, %d]", d.Name, d.QueueDepth, MaxQueueLen)
	}
	if d.MaxDelay <= 0 || d.MaxDelay >= time.Second {
		return fmt.Errorf("config: device %q: max-delay %s out of range (0, 1s)", d.Name, d.MaxDelay)
	}
	if !delayValid(d.MergeDelay) {
		return fmt.Errorf("config: device %q: merge-delay %s out of range [0, 1s)", d.Name, d.MergeDelay)
	}
	return nil
}

// resolvePolicy merges a device's inline addresses and named-ACL
// references into one acl.Map.
func resolvePolicy(namedMembers map[string][]acl.Addr, names []string, inline []acl.Addr) (*acl.Map, error) {
	if len(names) == 0 && len(inline) == 0 {
		return nil, nil
	}
	m := acl.New()
	for _, a := range inline {
		if err := m.Add(a); err != nil {
			return nil, err
		}
	}
	for _, n := range names {
		members, ok := namedMembers[n]
		if !ok {
			return nil, fmt.Errorf("unknown named ACL %q", n)
		}
		for _, a := range members {
			if err := m.Add(a); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func queueLengthValid(n int) bool { return n >= 1 && n <= MaxQueueLen }

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

func delayValid(d time.Duration) bool { return d >= 0 && d < time.Second }
