// Package common contains definitions of fundamental types and constants used
// across the frame codec, the block cache, the allocator, and the file layer.
package common

import "fmt"

// BlockSize is the size of a single stored block on a device, in bytes.
const BlockSize = 256

// LinkHeaderSize is the size of the next-block pointer at the start of every
// stored block.
const LinkHeaderSize = 12

// PayloadSize is the number of bytes of file content a single block holds.
const PayloadSize = BlockSize - LinkHeaderSize

// MaxDevices is the number of device ids a PROBE response can report.
const MaxDevices = 16

type DeviceID uint8
type Sector uint16
type BlockIndex uint16

// Location identifies a single stored block. It's also the key the block cache
// uses.
type Location struct {
	Device DeviceID
	Sector Sector
	Block  BlockIndex
}

func (loc Location) String() string {
	return fmt.Sprintf("%d:%d:%d", loc.Device, loc.Sector, loc.Block)
}

////////////////////////////////////////////////////////////////////////////////
// Handles

// Handle is the opaque file handle given to callers. The high 8 bits carry the
// device the file's chain starts on and the low 24 bits a sequence number.
type Handle uint32

// InvalidHandle is never returned by a successful open.
const InvalidHandle = Handle(0)

const handleDeviceShift = 24
const handleSequenceMask = 0x00ffffff

// NewHandle combines a device id and a sequence number into a handle. Sequence
// numbers are truncated to 24 bits.
func NewHandle(device DeviceID, sequence uint32) Handle {
	return Handle(uint32(device)<<handleDeviceShift | sequence&handleSequenceMask)
}

// Device returns the device id stored in the handle.
func (h Handle) Device() DeviceID {
	return DeviceID(uint32(h) >> handleDeviceShift)
}

// Sequence returns the per-session sequence number stored in the handle.
func (h Handle) Sequence() uint32 {
	return uint32(h) & handleSequenceMask
}

func (h Handle) String() string {
	return fmt.Sprintf("%#010x", uint32(h))
}
