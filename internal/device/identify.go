package device

import (
	"fmt"

	"github.com/shelfslot/aoetgtd/internal/aoe"
)

// identifyPage synthesizes the 512-byte ATA IDENTIFY DEVICE data block
// from the device's static metadata and discovered size, with no backing
// I/O. Only the words AoE initiators actually consult are populated:
// model/serial/firmware strings, the LBA capability bits, and the 28- and
// 48-bit sector counts.
func identifyPage(id Identity) []byte {
	page := make([]byte, aoe.SectorSize)

	putIdentifyString(page, 10, 20, fmt.Sprintf("%04X.%02X", id.Shelf, id.Slot)) // serial
	putIdentifyString(page, 23, 8, fmt.Sprintf("V%d", id.FirmwareVersion))       // firmware
	putIdentifyString(page, 27, 40, "AoE Target Export")                         // model

	// Word 47: READ/WRITE MULTIPLE supported, max 16 sectors per interrupt.
	putIdentifyWord(page, 47, 0x8000|16)
	// Word 49: LBA and DMA capability bits.
	putIdentifyWord(page, 49, 1<<9|1<<8)

	lba28 := id.SizeSectors
	if lba28 > 0x0FFFFFFF {
		lba28 = 0x0FFFFFFF
	}
	putIdentifyWord(page, 60, uint16(lba28))
	putIdentifyWord(page, 61, uint16(lba28>>16))

	// Words 83/84/86/87: 48-bit address feature set supported and enabled,
	// with the mandatory "shall be set" marker bit (14) in words 83, 84
	// and 87.
	putIdentifyWord(page, 83, 1<<14|1<<10)
	putIdentifyWord(page, 84, 1<<14)
	putIdentifyWord(page, 86, 1<<10)
	putIdentifyWord(page, 87, 1<<14)

	putIdentifyWord(page, 100, uint16(id.SizeSectors))
	putIdentifyWord(page, 101, uint16(id.SizeSectors>>16))
	putIdentifyWord(page, 102, uint16(id.SizeSectors>>32))
	putIdentifyWord(page, 103, uint16(id.SizeSectors>>48))

	return page
}

// putIdentifyWord stores one 16-bit identify word little-endian, the byte
// order ATA mandates for the identify block's numeric fields.
func putIdentifyWord(page []byte, word int, v uint16) {
	page[word*2] = byte(v)
	page[word*2+1] = byte(v >> 8)
}

// putIdentifyString stores an ATA identify string field: space-padded to
// its fixed width, with each byte pair swapped per the ATA string
// convention.
func putIdentifyString(page []byte, word, nchars int, s string) {
	for i := 0; i < nchars; i++ {
		c := byte(' ')
		if i < len(s) {
			c = s[i]
		}
		// Within each word the first character occupies the high byte.
		page[word*2+(i^1)] = c
	}
}
