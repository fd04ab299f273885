package common

import (
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"
)

// StoredBlock is the unit exchanged with a device: a 12-byte link header
// pointing at the next block of the chain, followed by the file payload.
type StoredBlock [BlockSize]byte

// Link is the decoded next-block pointer from a block's header. The fields are
// signed because the end-of-chain sentinel is -1 in all three.
type Link struct {
	Device int32
	Sector int32
	Block  int32
}

// EndOfChain is the sentinel link marking the last block of a file.
var EndOfChain = Link{Device: -1, Sector: -1, Block: -1}

// LinkTo creates a link pointing at `loc`.
func LinkTo(loc Location) Link {
	return Link{
		Device: int32(loc.Device),
		Sector: int32(loc.Sector),
		Block:  int32(loc.Block),
	}
}

// IsEnd returns true if the link is the end-of-chain sentinel.
func (link Link) IsEnd() bool {
	return link == EndOfChain
}

// IsUnset returns true for the all-zero header of a block that has never been
// linked. Sector 0 block 0 is never handed out by the allocator, so it can't
// be a real successor.
func (link Link) IsUnset() bool {
	return link.Sector == 0 && link.Block == 0
}

// HasNext returns true if the link points at a real successor block.
func (link Link) HasNext() bool {
	if link.IsEnd() || link.IsUnset() {
		return false
	}
	return link.Device >= 0 && link.Sector >= 0 && link.Block >= 0
}

// Next returns the location the link points at. It must only be called if
// HasNext() is true.
func (link Link) Next() Location {
	return Location{
		Device: DeviceID(link.Device),
		Sector: Sector(link.Sector),
		Block:  BlockIndex(link.Block),
	}
}

func (link Link) String() string {
	if link.IsEnd() {
		return "<end>"
	}
	return fmt.Sprintf("%d:%d:%d", link.Device, link.Sector, link.Block)
}

// Link decodes the block's header.
func (block *StoredBlock) Link() Link {
	return Link{
		Device: int32(binary.LittleEndian.Uint32(block[0:4])),
		Sector: int32(binary.LittleEndian.Uint32(block[4:8])),
		Block:  int32(binary.LittleEndian.Uint32(block[8:12])),
	}
}

// SetLink overwrites the block's header. The payload is left untouched.
func (block *StoredBlock) SetLink(link Link) {
	writer := bytewriter.New(block[:LinkHeaderSize])

	// The header is exactly three int32s so this can't run out of room.
	err := binary.Write(writer, binary.LittleEndian, [3]int32{link.Device, link.Sector, link.Block})
	if err != nil {
		panic(fmt.Errorf("failed to encode link header %s: %w", link, err))
	}
}

// Payload returns a slice of the block's file content. Modifying the slice
// modifies the block.
func (block *StoredBlock) Payload() []byte {
	return block[LinkHeaderSize:]
}
