package device_test

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/shelfslot/aoetgtd/internal/aoe"
	"github.com/shelfslot/aoetgtd/internal/bufpool"
	"github.com/shelfslot/aoetgtd/internal/device"
)

func tempBacking(t *testing.T, size int) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "dev")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return f.Name()
}

func openDevice(t *testing.T, path string, readOnly bool) *device.Device {
	t.Helper()
	pool := bufpool.New(64*1024, 8)
	d, err := device.Open(device.Identity{Shelf: 0, Slot: 0}, device.Config{
		Path:       path,
		ReadOnly:   readOnly,
		QueueDepth: 4,
		MaxDelay:   5 * time.Millisecond,
		MergeDelay: 2 * time.Millisecond,
		MTUPayload: 8192,
	}, pool)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func waitReply(t *testing.T, d *device.Device) device.Reply {
	t.Helper()
	select {
	case r := <-d.Replies():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return device.Reply{}
	}
}

func readRequest(tag uint32, lba uint64, sectors byte) device.Request {
	return device.Request{
		Tag: tag,
		ATA: aoe.ATARequest{Extended: true, CmdStat: 0x24, SectorCount: sectors, LBA: lba},
	}
}

func writeRequest(tag uint32, lba uint64, data []byte) device.Request {
	return device.Request{
		Tag: tag,
		ATA: aoe.ATARequest{
			Extended: true, Write: true, CmdStat: 0x34,
			SectorCount: byte(len(data) / aoe.SectorSize), LBA: lba, Data: data,
		},
	}
}

func TestDispatchWriteThenReadRoundTrip(t *testing.T) {
	path := tempBacking(t, 64*1024)
	d := openDevice(t, path, false)

	data := make([]byte, aoe.SectorSize)
	for i := range data {
		data[i] = byte(i)
	}
	d.Dispatch(writeRequest(1, 0, data))
	wr := waitReply(t, d)
	if wr.Header.IsError() {
		t.Fatalf("write reply carries error %d", wr.Header.Error)
	}

	d.Dispatch(readRequest(2, 0, 1))
	rr := waitReply(t, d)
	if rr.Header.IsError() {
		t.Fatalf("read reply carries error %d", rr.Header.Error)
	}
	if got := rr.Payload[aoe.ATAHeaderLen:]; !bytes.Equal(got, data) {
		t.Fatal("read payload does not match written data")
	}
}

func TestDispatchWriteRejectedWhenReadOnly(t *testing.T) {
	path := tempBacking(t, 64*1024)
	d := openDevice(t, path, true)

	d.Dispatch(writeRequest(1, 0, make([]byte, aoe.SectorSize)))
	r := waitReply(t, d)
	if !r.Header.IsError() || r.Header.Error != aoe.ErrWriteProtected {
		t.Fatalf("got header %+v, want write-protected error", r.Header)
	}
}

func TestDispatchReadBeyondEndRejected(t *testing.T) {
	path := tempBacking(t, 4*aoe.SectorSize)
	d := openDevice(t, path, false)

	d.Dispatch(readRequest(1, 4, 1))
	r := waitReply(t, d)
	if !r.Header.IsError() || r.Header.Error != aoe.ErrBadArgument {
		t.Fatalf("got header %+v, want bad-argument error", r.Header)
	}
}

func TestDispatchUnknownCommandRejected(t *testing.T) {
	path := tempBacking(t, 64*1024)
	d := openDevice(t, path, false)

	d.Dispatch(device.Request{Tag: 1, ATA: aoe.ATARequest{CmdStat: 0x42, SectorCount: 1}})
	r := waitReply(t, d)
	if !r.Header.IsError() || r.Header.Error != aoe.ErrBadArgument {
		t.Fatalf("got header %+v, want bad-argument error", r.Header)
	}
}

func TestReplyCarriesShelfSlotAndVersion(t *testing.T) {
	path := tempBacking(t, 64*1024)
	pool := bufpool.New(64*1024, 8)
	d, err := device.Open(device.Identity{Shelf: 7, Slot: 3}, device.Config{
		Path: path, QueueDepth: 4, MaxDelay: 5 * time.Millisecond, MergeDelay: time.Millisecond, MTUPayload: 8192,
	}, pool)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	d.Dispatch(readRequest(0xDEADBEEF, 0, 1))
	r := waitReply(t, d)
	if r.Header.Shelf != 7 || r.Header.Slot != 3 {
		t.Fatalf("reply header carries (%d, %d), want (7, 3)", r.Header.Shelf, r.Header.Slot)
	}
	if r.Header.Version != aoe.HeaderVersion {
		t.Fatalf("reply version %d, want %d", r.Header.Version, aoe.HeaderVersion)
	}
	if r.Tag != 0xDEADBEEF {
		t.Fatalf("reply tag %#x, want 0xDEADBEEF", r.Tag)
	}
}

func TestIdentifySynthesizedFromMetadata(t *testing.T) {
	path := tempBacking(t, 8*aoe.SectorSize)
	d := openDevice(t, path, false)

	identify := func(tag uint32) device.Reply {
		d.Dispatch(device.Request{Tag: tag, ATA: aoe.ATARequest{CmdStat: 0xEC, SectorCount: 1}})
		return waitReply(t, d)
	}

	r := identify(1)
	if r.Header.IsError() {
		t.Fatalf("identify reply carries error %d", r.Header.Error)
	}
	page := r.Payload[aoe.ATAHeaderLen:]
	if len(page) != aoe.SectorSize {
		t.Fatalf("identify data is %d bytes, want %d", len(page), aoe.SectorSize)
	}
	lba28 := uint32(page[120]) | uint32(page[121])<<8 | uint32(page[122])<<16 | uint32(page[123])<<24
	if lba28 != 8 {
		t.Fatalf("identify words 60-61 report %d sectors, want 8", lba28)
	}

	// Repeated identifies must be byte-identical.
	r2 := identify(2)
	if !bytes.Equal(r.Payload, r2.Payload) {
		t.Fatal("repeated identify replies differ")
	}
}

type memStore struct {
	saved [][]byte
}

func (m *memStore) Save(blob []byte) error {
	m.saved = append(m.saved, append([]byte(nil), blob...))
	return nil
}

func TestConfigSetPersistsAndReadsBack(t *testing.T) {
	path := tempBacking(t, 64*1024)
	pool := bufpool.New(64*1024, 8)
	store := &memStore{}
	d, err := device.Open(device.Identity{Shelf: 1, Slot: 2}, device.Config{
		Path: path, QueueDepth: 4, MaxDelay: 5 * time.Millisecond, MergeDelay: time.Millisecond,
		MTUPayload: 8192, Store: store,
	}, pool)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	blob := []byte("exported-by aoetgtd")
	d.Dispatch(device.Request{
		Tag: 1, IsConfig: true,
		Config: aoe.ConfigQuery{AoECCmd: aoe.CCmdSet, ConfigString: blob},
	})
	r := waitReply(t, d)
	if r.Header.IsError() {
		t.Fatalf("config set reply carries error %d", r.Header.Error)
	}
	if len(store.saved) != 1 || !bytes.Equal(store.saved[0], blob) {
		t.Fatalf("store captured %v, want one save of %q", store.saved, blob)
	}

	d.Dispatch(device.Request{Tag: 2, IsConfig: true, Config: aoe.ConfigQuery{AoECCmd: aoe.CCmdRead}})
	r = waitReply(t, d)
	if !bytes.HasSuffix(r.Payload, blob) {
		t.Fatal("config read did not return the blob just set")
	}

	// A second set with a different string must be refused while one is
	// present.
	d.Dispatch(device.Request{
		Tag: 3, IsConfig: true,
		Config: aoe.ConfigQuery{AoECCmd: aoe.CCmdSet, ConfigString: []byte("other")},
	})
	r = waitReply(t, d)
	if !r.Header.IsError() || r.Header.Error != aoe.ErrConfigPresent {
		t.Fatalf("got header %+v, want config-present error", r.Header)
	}
}

func TestDispatchConfigQuerySynthesizedWithoutIO(t *testing.T) {
	path := tempBacking(t, 64*1024)
	pool := bufpool.New(64*1024, 8)
	id := device.Identity{Shelf: 1, Slot: 2, ConfigString: []byte("hello")}
	d, err := device.Open(id, device.Config{
		Path: path, QueueDepth: 4, MaxDelay: 5 * time.Millisecond, MergeDelay: time.Millisecond, MTUPayload: 8192,
	}, pool)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	d.Dispatch(device.Request{Tag: 9, IsConfig: true, Config: aoe.ConfigQuery{}})
	r := waitReply(t, d)
	if r.Header.IsError() {
		t.Fatalf("config reply carries error %d", r.Header.Error)
	}
	if len(r.Payload) == 0 {
		t.Fatal("expected non-empty config reply payload")
	}
	if r.Header.Command != aoe.CmdQueryConfig {
		t.Fatalf("reply command %d, want %d", r.Header.Command, aoe.CmdQueryConfig)
	}
}

func TestConfigTestCommandStaysSilentOnMismatch(t *testing.T) {
	path := tempBacking(t, 64*1024)
	pool := bufpool.New(64*1024, 8)
	d, err := device.Open(device.Identity{ConfigString: []byte("hello")}, device.Config{
		Path: path, QueueDepth: 4, MaxDelay: 5 * time.Millisecond, MergeDelay: time.Millisecond, MTUPayload: 8192,
	}, pool)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	d.Dispatch(device.Request{
		Tag: 1, IsConfig: true,
		Config: aoe.ConfigQuery{AoECCmd: aoe.CCmdTestSet, ConfigString: []byte("different")},
	})
	select {
	case r := <-d.Replies():
		t.Fatalf("expected no reply for a failed config test, got %+v", r.Header)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestContiguousDeferredReadsEachGetOwnReply(t *testing.T) {
	dir := t.TempDir()
	f, err := os.CreateTemp(dir, "dev")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	if err := f.Truncate(8 * aoe.SectorSize); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	sectorA := bytes.Repeat([]byte{0xAA}, aoe.SectorSize)
	sectorB := bytes.Repeat([]byte{0xBB}, aoe.SectorSize)
	f.WriteAt(sectorA, 2*aoe.SectorSize)
	f.WriteAt(sectorB, 3*aoe.SectorSize)
	f.Close()

	pool := bufpool.New(64*1024, 16)
	d, err := device.Open(device.Identity{}, device.Config{
		Path: f.Name(), QueueDepth: 2, MaxDelay: time.Millisecond, MergeDelay: 0, MTUPayload: 8192,
	}, pool)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	// With both in-flight slots taken, the two contiguous reads behind
	// them are deferred together and eligible for a merged submit; each
	// original tag must still get its own reply with its own slice.
	d.Dispatch(readRequest(10, 0, 1))
	d.Dispatch(readRequest(13, 6, 1))
	d.Dispatch(readRequest(11, 2, 1))
	d.Dispatch(readRequest(12, 3, 1))

	got := map[uint32][]byte{}
	for i := 0; i < 4; i++ {
		r := waitReply(t, d)
		if r.Header.IsError() {
			t.Fatalf("reply for tag %d carries error %d", r.Tag, r.Header.Error)
		}
		got[r.Tag] = r.Payload[aoe.ATAHeaderLen:]
		d.Tick()
	}
	if !bytes.Equal(got[11], sectorA) {
		t.Fatal("tag 11 did not receive the sector at LBA 2")
	}
	if !bytes.Equal(got[12], sectorB) {
		t.Fatal("tag 12 did not receive the sector at LBA 3")
	}
}

func TestDeferredRequestsQueueBeyondDepth(t *testing.T) {
	path := tempBacking(t, 1<<20)
	pool := bufpool.New(64*1024, 16)
	d, err := device.Open(device.Identity{}, device.Config{
		Path: path, QueueDepth: 1, MaxDelay: time.Millisecond, MergeDelay: 0, MTUPayload: 8192,
	}, pool)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	for i := uint32(0); i < 4; i++ {
		d.Dispatch(readRequest(i, uint64(i)*100, 1))
	}
	seen := map[uint32]bool{}
	for i := 0; i < 4; i++ {
		r := waitReply(t, d)
		seen[r.Tag] = true
		d.Tick()
	}
	if len(seen) != 4 {
		t.Fatalf("got %d distinct replies, want 4", len(seen))
	}
}
