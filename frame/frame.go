// Package frame packs and unpacks the 64-bit command words exchanged with
// LionCloud devices. Everything here is pure; no I/O happens in this package.
//
// Bit layout, most significant first:
//
//	63    60 59    56 55       48 47       40 39       32 31        16 15         0
//	+-------+--------+-----------+-----------+-----------+------------+------------+
//	|  B0   |   B1   |    C0     |    C1     |    C2     |     D0     |     D1     |
//	| flag  | status |  opcode   | device id | direction |   sector   |   block    |
//	+-------+--------+-----------+-----------+-----------+------------+------------+
//
// D0 and D1 are reused by some responses: a PROBE response carries the bitmask
// of present devices in D0, and an INIT response carries the device's sector
// count in D0 and blocks per sector in D1.
package frame

import (
	"fmt"

	c "github.com/newJimmyChu/lcloud/common"
)

// Frame is a single register frame.
type Frame uint64

type Op uint8

const (
	OpPowerOn Op = iota
	OpProbe
	OpInit
	OpBlockXfer
	OpPowerOff
)

func (op Op) String() string {
	switch op {
	case OpPowerOn:
		return "POWER_ON"
	case OpProbe:
		return "PROBE"
	case OpInit:
		return "INIT"
	case OpBlockXfer:
		return "BLOCK_XFER"
	case OpPowerOff:
		return "POWER_OFF"
	}
	return fmt.Sprintf("OP(%d)", uint8(op))
}

// Direction is the transfer direction of a BLOCK_XFER frame.
type Direction uint8

const (
	XferWrite Direction = 0
	XferRead  Direction = 1
)

func (dir Direction) String() string {
	switch dir {
	case XferWrite:
		return "WRITE"
	case XferRead:
		return "READ"
	}
	return fmt.Sprintf("XFER(%d)", uint8(dir))
}

// Status values carried in B1.
const (
	StatusSuccess uint8 = 0
	StatusFailure uint8 = 1
)

// Packet flags carried in B0.
const (
	FlagRequest  uint8 = 0
	FlagResponse uint8 = 1
)

type field struct {
	shift uint
	mask  uint64
}

var (
	fieldB0 = field{shift: 60, mask: 0xf}
	fieldB1 = field{shift: 56, mask: 0xf}
	fieldC0 = field{shift: 48, mask: 0xff}
	fieldC1 = field{shift: 40, mask: 0xff}
	fieldC2 = field{shift: 32, mask: 0xff}
	fieldD0 = field{shift: 16, mask: 0xffff}
	fieldD1 = field{shift: 0, mask: 0xffff}
)

func (f field) pack(value uint64) Frame {
	return Frame((value & f.mask) << f.shift)
}

func (f field) unpack(frame Frame) uint64 {
	return (uint64(frame) >> f.shift) & f.mask
}

// Fields is the unpacked form of a frame.
type Fields struct {
	Flag      uint8
	Status    uint8
	Op        Op
	Device    c.DeviceID
	Direction Direction
	Sector    uint16
	Block     uint16
}

// Encode packs every field, including the flag and status. Values wider than
// their field are truncated.
func (fields Fields) Encode() Frame {
	return fieldB0.pack(uint64(fields.Flag)) |
		fieldB1.pack(uint64(fields.Status)) |
		fieldC0.pack(uint64(fields.Op)) |
		fieldC1.pack(uint64(fields.Device)) |
		fieldC2.pack(uint64(fields.Direction)) |
		fieldD0.pack(uint64(fields.Sector)) |
		fieldD1.pack(uint64(fields.Block))
}

// Encode builds a request frame. Callers must validate ranges themselves;
// out-of-range values are truncated to the width of their field.
func Encode(op Op, dir Direction, device c.DeviceID, sector c.Sector, block c.BlockIndex) Frame {
	return Fields{
		Flag:      FlagRequest,
		Op:        op,
		Device:    device,
		Direction: dir,
		Sector:    uint16(sector),
		Block:     uint16(block),
	}.Encode()
}

// Decode is the exact inverse of [Fields.Encode].
func Decode(frame Frame) Fields {
	return Fields{
		Flag:      uint8(fieldB0.unpack(frame)),
		Status:    uint8(fieldB1.unpack(frame)),
		Op:        Op(fieldC0.unpack(frame)),
		Device:    c.DeviceID(fieldC1.unpack(frame)),
		Direction: Direction(fieldC2.unpack(frame)),
		Sector:    uint16(fieldD0.unpack(frame)),
		Block:     uint16(fieldD1.unpack(frame)),
	}
}

// Status extracts the response status.
func Status(frame Frame) uint8 {
	return uint8(fieldB1.unpack(frame))
}

func (frame Frame) Op() Op {
	return Op(fieldC0.unpack(frame))
}

func (frame Frame) Direction() Direction {
	return Direction(fieldC2.unpack(frame))
}

func (frame Frame) Device() c.DeviceID {
	return c.DeviceID(fieldC1.unpack(frame))
}

func (frame Frame) IsResponse() bool {
	return uint8(fieldB0.unpack(frame)) == FlagResponse
}

// Succeeded returns true if the frame's status is [StatusSuccess].
func (frame Frame) Succeeded() bool {
	return Status(frame) == StatusSuccess
}

func (frame Frame) String() string {
	fields := Decode(frame)
	return fmt.Sprintf(
		"%s[flag=%d status=%d dev=%d dir=%s d0=%d d1=%d]",
		fields.Op,
		fields.Flag,
		fields.Status,
		fields.Device,
		fields.Direction,
		fields.Sector,
		fields.Block,
	)
}

// ProbeMask decodes the device bitmask carried in a PROBE response, returning
// the present device ids in ascending order.
func ProbeMask(frame Frame) []c.DeviceID {
	mask := fieldD0.unpack(frame)
	devices := make([]c.DeviceID, 0, c.MaxDevices)
	for i := 0; i < c.MaxDevices; i++ {
		if (mask>>i)&1 != 0 {
			devices = append(devices, c.DeviceID(i))
		}
	}
	return devices
}

// ProbeResponse builds the PROBE response advertising `devices`. Ids that
// don't fit in the mask are dropped.
func ProbeResponse(devices []c.DeviceID) Frame {
	mask := uint64(0)
	for _, id := range devices {
		if int(id) < c.MaxDevices {
			mask |= 1 << id
		}
	}
	return Fields{Flag: FlagResponse, Op: OpProbe, Sector: uint16(mask)}.Encode()
}

// Geometry decodes the sector count and blocks per sector carried in an INIT
// response.
func Geometry(frame Frame) (sectors uint16, blocks uint16) {
	return uint16(fieldD0.unpack(frame)), uint16(fieldD1.unpack(frame))
}
