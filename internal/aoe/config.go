package aoe

import (
	"encoding/binary"
	"fmt"
)

// ConfigQuery is the parsed payload of a command-1 (query config) AoE
// frame. BufCount/FirmwareVersion/SectorCount are informational fields the
// target reports back unchanged on a read; AoECCmd selects the read/test/set
// semantics for ConfigString.
type ConfigQuery struct {
	BufCount        uint16
	FirmwareVersion uint16
	SectorCount     byte
	AoECCmd         byte
	ConfigString    []byte
}

// DecodeConfigQuery parses a command-1 payload.
func DecodeConfigQuery(payload []byte) (ConfigQuery, error) {
	if len(payload) < ConfigHeaderLen {
		return ConfigQuery{}, fmt.Errorf("aoe: short config payload: %d bytes, need %d", len(payload), ConfigHeaderLen)
	}
	cq := ConfigQuery{
		BufCount:        binary.BigEndian.Uint16(payload[0:2]),
		FirmwareVersion: binary.BigEndian.Uint16(payload[2:4]),
		SectorCount:     payload[4],
		AoECCmd:         payload[5],
	}
	cfglen := int(binary.BigEndian.Uint16(payload[6:8]))
	if cfglen > MaxConfigStringLen {
		return ConfigQuery{}, fmt.Errorf("aoe: config string length %d exceeds max %d", cfglen, MaxConfigStringLen)
	}
	rest := payload[ConfigHeaderLen:]
	if len(rest) < cfglen {
		return ConfigQuery{}, fmt.Errorf("aoe: short config string: %d bytes, need %d", len(rest), cfglen)
	}
	cq.ConfigString = rest[:cfglen]
	return cq, nil
}

// EncodeConfigReply writes a command-1 reply into buf and returns the
// number of bytes written after the common AoE header.
func EncodeConfigReply(buf []byte, bufCount uint16, fwVersion uint16, maxSectors byte, cmd byte, cfgString []byte) (int, error) {
	need := ConfigHeaderLen + len(cfgString)
	if len(buf) < need {
		return 0, fmt.Errorf("aoe: buffer too small for config reply")
	}
	binary.BigEndian.PutUint16(buf[0:2], bufCount)
	binary.BigEndian.PutUint16(buf[2:4], fwVersion)
	buf[4] = maxSectors
	buf[5] = cmd
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(cfgString)))
	copy(buf[ConfigHeaderLen:], cfgString)
	return need, nil
}
