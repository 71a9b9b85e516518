// Package yamlloader reads a human-authored YAML file and produces the
// config.Raw tables internal/config.Validate consumes. cmd/aoetgtd calls
// this package; internal/config and the request pipeline never import
// it, so swapping config formats never touches routing or device logic.
package yamlloader

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/go-viper/mapstructure/v2"

	"github.com/shelfslot/aoetgtd/internal/acl"
	"github.com/shelfslot/aoetgtd/internal/config"
)

// document mirrors the on-disk YAML shape: a defaults section, named ACL
// sets, per-interface overrides, and one section per exported device.
type document struct {
	Defaults struct {
		QueueLength      int      `yaml:"queue-length"`
		DirectIO         bool     `yaml:"direct-io"`
		TraceIO          bool     `yaml:"trace-io"`
		MTU              int      `yaml:"mtu"`
		RingSize         int      `yaml:"ring-buffer-size"`
		SendBufSize      int      `yaml:"send-buffer-size"`
		RecvBufSize      int      `yaml:"receive-buffer-size"`
		TXRingWorkaround *bool    `yaml:"tx-ring-bug"` // absent means autodetect
		MaxDelay         float64  `yaml:"max-delay"`
		MergeDelay       float64  `yaml:"merge-delay"`
		Interfaces       []string `yaml:"interfaces"`
		StateDir         string   `yaml:"state-dir"`
		ControlSocket    string   `yaml:"control-socket"`
		// Buffers is obsolete (original warns and points at
		// ring-buffer-size); kept only so Load can recognize and warn.
		Buffers int `yaml:"buffers"`
	} `yaml:"defaults"`

	ACLs map[string][]string `yaml:"acls"`

	Interfaces map[string]struct {
		MTU         int `yaml:"mtu"`
		RingSize    int `yaml:"ring-buffer-size"`
		SendBufSize int `yaml:"send-buffer-size"`
		RecvBufSize int `yaml:"receive-buffer-size"`
	} `yaml:"interface-overrides"`

	Devices map[string]struct {
		Shelf         uint16   `yaml:"shelf"`
		Slot          byte     `yaml:"slot"`
		Path          string   `yaml:"path"`
		UUID          string   `yaml:"uuid"`
		DirectIO      bool     `yaml:"direct-io"`
		ReadOnly      bool     `yaml:"read-only"`
		Broadcast     *bool    `yaml:"broadcast"` // absent means "answer broadcasts"
		TraceIO       bool     `yaml:"trace-io"`
		QueueDepth    int      `yaml:"queue-length"`
		MaxDelay      float64  `yaml:"max-delay"`
		MergeDelay    float64  `yaml:"merge-delay"`
		Accept        []string `yaml:"accept"`
		Deny          []string `yaml:"deny"`
		IfacePatterns []string `yaml:"interfaces"`
	} `yaml:"devices"`
}

// Warning is a non-fatal issue surfaced during Load, such as an obsolete
// key, for the caller's Logger.
type Warning string

// Load reads path and decodes it into a config.Raw, ready for
// config.Validate. It returns any obsolete-key warnings alongside the
// result; it never itself calls Validate, since the loader's job ends at
// producing the raw tables.
func Load(path string) (config.Raw, []Warning, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return config.Raw{}, nil, fmt.Errorf("yamlloader: read %s: %w", path, err)
	}

	var doc document
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := k.UnmarshalWithConf("", &doc, koanf.UnmarshalConf{
		Tag: "yaml",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       decodeHook,
			WeaklyTypedInput: true,
			Result:           &doc,
		},
	}); err != nil {
		return config.Raw{}, nil, fmt.Errorf("yamlloader: decode %s: %w", path, err)
	}

	var warnings []Warning
	if doc.Defaults.Buffers != 0 {
		warnings = append(warnings, Warning("defaults.buffers is obsolete; use defaults.ring-buffer-size"))
	}

	raw := config.Raw{
		Defaults: config.Defaults{
			QueueLength:      doc.Defaults.QueueLength,
			DirectIO:         doc.Defaults.DirectIO,
			TraceIO:          doc.Defaults.TraceIO,
			MTU:              doc.Defaults.MTU,
			RingSize:         doc.Defaults.RingSize,
			SendBufSize:      doc.Defaults.SendBufSize,
			RecvBufSize:      doc.Defaults.RecvBufSize,
			TXRingWorkaround: doc.Defaults.TXRingWorkaround,
			MaxDelay:         secondsToDuration(doc.Defaults.MaxDelay),
			MergeDelay:       secondsToDuration(doc.Defaults.MergeDelay),
			Interfaces:       doc.Defaults.Interfaces,
			StateDir:         doc.Defaults.StateDir,
			ControlSocket:    doc.Defaults.ControlSocket,
		},
		NetifOverrides: make(map[string]config.NetifOverride, len(doc.Interfaces)),
	}

	for name, ov := range doc.Interfaces {
		raw.NetifOverrides[name] = config.NetifOverride{
			MTU:         ov.MTU,
			RingSize:    ov.RingSize,
			SendBufSize: ov.SendBufSize,
			RecvBufSize: ov.RecvBufSize,
		}
	}

	for name, members := range doc.ACLs {
		addrs, err := parseMACs(members)
		if err != nil {
			return config.Raw{}, warnings, fmt.Errorf("yamlloader: acl %q: %w", name, err)
		}
		raw.ACLs = append(raw.ACLs, config.NamedACL{Name: name, Members: addrs})
	}

	for name, dv := range doc.Devices {
		accept, err := splitMACsAndNames(dv.Accept)
		if err != nil {
			return config.Raw{}, warnings, fmt.Errorf("yamlloader: device %q: accept: %w", name, err)
		}
		deny, err := splitMACsAndNames(dv.Deny)
		if err != nil {
			return config.Raw{}, warnings, fmt.Errorf("yamlloader: device %q: deny: %w", name, err)
		}
		raw.Devices = append(raw.Devices, config.Device{
			Name:          name,
			Shelf:         dv.Shelf,
			Slot:          dv.Slot,
			Path:          dv.Path,
			UUID:          dv.UUID,
			DirectIO:      dv.DirectIO,
			ReadOnly:      dv.ReadOnly,
			Broadcast:     dv.Broadcast == nil || *dv.Broadcast,
			TraceIO:       dv.TraceIO,
			QueueDepth:    dv.QueueDepth,
			MaxDelay:      secondsToDuration(dv.MaxDelay),
			MergeDelay:    secondsToDuration(dv.MergeDelay),
			AcceptAddrs:   accept.addrs,
			AcceptNames:   accept.names,
			DenyAddrs:     deny.addrs,
			DenyNames:     deny.names,
			IfacePatterns: dv.IfacePatterns,
		})
	}

	return raw, warnings, nil
}

// secondsToDuration converts the fractional-second delay values the
// config file carries; internal/config works in time.Duration everywhere
// past this point.
func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

type macRefs struct {
	addrs []acl.Addr
	names []string
}

// splitMACsAndNames separates a YAML accept/deny list into inline MAC
// addresses and references to a named ACL; either may appear in the same
// list.
func splitMACsAndNames(entries []string) (macRefs, error) {
	var out macRefs
	for _, e := range entries {
		if addr, ok := parseMAC(e); ok {
			out.addrs = append(out.addrs, addr)
			continue
		}
		out.names = append(out.names, e)
	}
	return out, nil
}

func parseMACs(entries []string) ([]acl.Addr, error) {
	addrs := make([]acl.Addr, 0, len(entries))
	for _, e := range entries {
		addr, ok := parseMAC(e)
		if !ok {
			return nil, fmt.Errorf("invalid MAC address %q", e)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// parseMAC is the minimal "aa:bb:cc:dd:ee:ff" decoder this loader needs.
// It only recognizes literal MAC syntax; resolving names from a system
// host-address database is left to other loaders.
func parseMAC(s string) (acl.Addr, bool) {
	var addr acl.Addr
	if len(s) != 17 {
		return addr, false
	}
	for i := 0; i < 6; i++ {
		hi, okHi := hexDigit(s[i*3])
		lo, okLo := hexDigit(s[i*3+1])
		if !okHi || !okLo {
			return addr, false
		}
		addr[i] = hi<<4 | lo
		if i < 5 && s[i*3+2] != ':' {
			return addr, false
		}
	}
	return addr, true
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
