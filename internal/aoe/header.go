package aoe

import (
	"encoding/binary"
	"fmt"
)

// Header is the common AoE header, present in every frame after the
// 14-byte Ethernet header. Field widths and ordering are fixed by the
// wire protocol.
type Header struct {
	Version byte
	Flags   byte
	Error   byte
	Shelf   uint16
	Slot    byte
	Command byte
	Tag     uint32
}

// IsResponse reports whether FlagResponse is set.
func (h Header) IsResponse() bool { return h.Flags&FlagResponse != 0 }

// IsError reports whether FlagError is set.
func (h Header) IsError() bool { return h.Flags&FlagError != 0 }

// IsBroadcastShelf reports whether the shelf addresses all shelves.
func (h Header) IsBroadcastShelf() bool { return h.Shelf == ShelfBroadcast }

// IsBroadcastSlot reports whether the slot addresses all slots on its shelf.
func (h Header) IsBroadcastSlot() bool { return h.Slot == SlotBroadcast }

// DecodeHeader parses the common header from the front of buf. buf must be
// at least HeaderLen bytes; the remainder is the command payload.
func DecodeHeader(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderLen {
		return Header{}, nil, fmt.Errorf("aoe: short header: %d bytes, need %d", len(buf), HeaderLen)
	}
	verfl := buf[0]
	h := Header{
		Version: verfl >> 4,
		Flags:   verfl & 0x0F,
		Error:   buf[1],
		Shelf:   binary.BigEndian.Uint16(buf[2:4]),
		Slot:    buf[4],
		Command: buf[5],
		Tag:     binary.BigEndian.Uint32(buf[6:10]),
	}
	return h, buf[HeaderLen:], nil
}

// EncodeHeader writes the common header into the front of buf, which must
// be at least HeaderLen bytes, and returns the slice following the header.
func EncodeHeader(buf []byte, h Header) ([]byte, error) {
	if len(buf) < HeaderLen {
		return nil, fmt.Errorf("aoe: buffer too small for header: %d bytes, need %d", len(buf), HeaderLen)
	}
	buf[0] = (h.Version << 4) | (h.Flags & 0x0F)
	buf[1] = h.Error
	binary.BigEndian.PutUint16(buf[2:4], h.Shelf)
	buf[4] = h.Slot
	buf[5] = h.Command
	binary.BigEndian.PutUint32(buf[6:10], h.Tag)
	return buf[HeaderLen:], nil
}

// Reply builds the header for a reply to req: same shelf/slot/tag/command,
// response flag set, error flag and subcode as given (errCode 0 means
// success — FlagError is left clear and errCode is ignored).
func Reply(req Header, errCode byte) Header {
	h := Header{
		Version: HeaderVersion,
		Flags:   FlagResponse,
		Shelf:   req.Shelf,
		Slot:    req.Slot,
		Command: req.Command,
		Tag:     req.Tag,
	}
	if errCode != 0 {
		h.Flags |= FlagError
		h.Error = errCode
	}
	return h
}
