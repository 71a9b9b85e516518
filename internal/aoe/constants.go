// Package aoe implements the ATA-over-Ethernet wire codec: the common AoE
// header and the command-specific payloads (ATA command, config query).
// The encoding here is normative: it must produce byte-for-byte compatible
// frames with existing AoE initiators, so nothing in this package is
// generic — every offset and width is fixed by the protocol.
package aoe

// EtherType is the Ethernet protocol number assigned to AoE frames.
const EtherType = 0x88A2

// HeaderVersion is the only protocol version this codec understands,
// encoded in the top 4 bits of the first header byte.
const HeaderVersion = 1

// Flag bits, encoded in the bottom 4 bits of the first header byte.
const (
	FlagResponse byte = 1 << 3
	FlagError    byte = 1 << 2
)

// HeaderLen is the fixed length of the common AoE header.
const HeaderLen = 10

// Command codes.
const (
	CmdATA            byte = 0x00
	CmdQueryConfig    byte = 0x01
	CmdMACMaskList    byte = 0x02
	CmdReserveRelease byte = 0x03
)

// Error subcodes carried in the header's Error field when FlagError is set.
const (
	ErrBadCommand        byte = 1
	ErrBadArgument       byte = 2
	ErrDeviceUnavailable byte = 3
	ErrConfigPresent     byte = 4
	ErrBadVersion        byte = 5
	// ErrWriteProtected is not part of the upstream AoE draft; a distinct
	// subcode for write-protected exports is allocated here in the
	// vendor-extension range of the error byte.
	ErrWriteProtected byte = 6
)

// Broadcast addressing: the broadcast shelf matches every shelf and the
// broadcast slot every slot; both together match every export.
const (
	ShelfBroadcast uint16 = 0xFFFF
	SlotBroadcast  byte   = 0xFF
)

// ATA command header (command 0) flags, carried in the AFlags byte.
const (
	ATAFlagExtended byte = 1 << 6
	ATAFlagDevHead  byte = 1 << 4
	ATAFlagAsync    byte = 1 << 1
	ATAFlagWrite    byte = 1 << 0
)

// ATAHeaderLen is the fixed length of the command-0 ATA payload header,
// not counting trailing sector data.
const ATAHeaderLen = 12

// SectorSize is the fixed AoE/ATA sector size.
const SectorSize = 512

// ConfigHeaderLen is the fixed length of the command-1 config query header,
// not counting the trailing config string.
const ConfigHeaderLen = 8

// Config query sub-commands (AoECCmd field).
const (
	CCmdRead        byte = 0
	CCmdTestSet     byte = 1
	CCmdTestSetZero byte = 2
	CCmdSet         byte = 3
	CCmdSetForce    byte = 4
)

// MaxConfigStringLen bounds the trailing config string so a malformed
// length field can never be used to request an unbounded allocation.
const MaxConfigStringLen = 1024
