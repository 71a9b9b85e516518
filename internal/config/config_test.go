package config_test

import (
	"testing"
	"time"

	"github.com/shelfslot/aoetgtd/internal/acl"
	"github.com/shelfslot/aoetgtd/internal/config"
)

func baseDefaults() config.Defaults {
	return config.Defaults{
		QueueLength: 32,
		MaxDelay:    10 * time.Millisecond,
		MergeDelay:  2 * time.Millisecond,
	}
}

func baseDevice(name string, shelf uint16, slot byte) config.Device {
	return config.Device{
		Name:       name,
		Shelf:      shelf,
		Slot:       slot,
		Path:       "/dev/sdb",
		QueueDepth: 32,
		MaxDelay:   10 * time.Millisecond,
		MergeDelay: 2 * time.Millisecond,
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	raw := config.Raw{
		Defaults: baseDefaults(),
		Devices:  []config.Device{baseDevice("vol0", 0, 0)},
	}
	cfg, err := config.Validate(raw)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(cfg.Devices))
	}
}

func TestValidateRejectsDuplicateShelfSlot(t *testing.T) {
	raw := config.Raw{
		Defaults: baseDefaults(),
		Devices: []config.Device{
			baseDevice("vol0", 1, 2),
			baseDevice("vol1", 1, 2),
		},
	}
	if _, err := config.Validate(raw); err == nil {
		t.Fatal("expected duplicate (shelf, slot) to be rejected")
	}
}

func TestValidateRejectsBroadcastShelfOrSlot(t *testing.T) {
	raw := config.Raw{
		Defaults: baseDefaults(),
		Devices:  []config.Device{baseDevice("vol0", 0xFFFF, 0)},
	}
	if _, err := config.Validate(raw); err == nil {
		t.Fatal("expected broadcast shelf value to be rejected")
	}
	raw.Devices = []config.Device{baseDevice("vol0", 0, 0xFF)}
	if _, err := config.Validate(raw); err == nil {
		t.Fatal("expected broadcast slot value to be rejected")
	}
}

func TestValidateRejectsNonPowerOfTwoQueueDepth(t *testing.T) {
	raw := config.Raw{Defaults: baseDefaults()}
	d := baseDevice("vol0", 0, 0)
	d.QueueDepth = 33
	raw.Devices = []config.Device{d}
	if _, err := config.Validate(raw); err == nil {
		t.Fatal("expected non-power-of-two queue depth to be rejected")
	}
}

func TestValidateRejectsPathAndUUIDTogether(t *testing.T) {
	raw := config.Raw{Defaults: baseDefaults()}
	d := baseDevice("vol0", 0, 0)
	d.UUID = "11111111-2222-3333-4444-555555555555"
	raw.Devices = []config.Device{d}
	if _, err := config.Validate(raw); err == nil {
		t.Fatal("expected path+uuid to be rejected")
	}
}

func TestValidateResolvesNamedACLConcatenation(t *testing.T) {
	m1 := acl.Addr{1, 1, 1, 1, 1, 1}
	m2 := acl.Addr{2, 2, 2, 2, 2, 2}
	d := baseDevice("vol0", 0, 0)
	d.AcceptNames = []string{"trusted"}
	d.AcceptAddrs = []acl.Addr{{3, 3, 3, 3, 3, 3}}
	raw := config.Raw{
		Defaults: baseDefaults(),
		ACLs: []config.NamedACL{
			{Name: "trusted", Members: []acl.Addr{m1, m2}},
		},
		Devices: []config.Device{d},
	}
	cfg, err := config.Validate(raw)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	p := cfg.Devices[0].Policy
	for _, a := range []acl.Addr{m1, m2, {3, 3, 3, 3, 3, 3}} {
		if !p.Allow(a) {
			t.Fatalf("expected %v to be allowed", a)
		}
	}
	if p.Allow(acl.Addr{9, 9, 9, 9, 9, 9}) {
		t.Fatal("non-member must be denied when an accept list is present")
	}
}

func TestValidateRejectsUnknownNamedACL(t *testing.T) {
	d := baseDevice("vol0", 0, 0)
	d.AcceptNames = []string{"nope"}
	raw := config.Raw{Defaults: baseDefaults(), Devices: []config.Device{d}}
	if _, err := config.Validate(raw); err == nil {
		t.Fatal("expected unknown named ACL reference to be rejected")
	}
}

func TestValidateRejectsZeroMaxDelay(t *testing.T) {
	d := baseDevice("vol0", 0, 0)
	d.MaxDelay = 0
	raw := config.Raw{Defaults: baseDefaults(), Devices: []config.Device{d}}
	if _, err := config.Validate(raw); err == nil {
		t.Fatal("expected zero max-delay to be rejected at device scope")
	}
}

func TestValidateRejectsLowMTU(t *testing.T) {
	defaults := baseDefaults()
	defaults.MTU = 100
	raw := config.Raw{Defaults: defaults, Devices: []config.Device{baseDevice("vol0", 0, 0)}}
	if _, err := config.Validate(raw); err == nil {
		t.Fatal("expected sub-minimum MTU to be rejected")
	}
}
