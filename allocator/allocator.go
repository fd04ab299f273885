// Package allocator hands out free blocks on every registered device.
//
// Each device is allocated with a cursor that only moves forward, block by
// block and then sector by sector. Sector 0 block 0 is never handed out so that
// an all-zero link header can't be mistaken for a real successor. Once the last
// unit has been returned the device is marked full and stays that way until
// [Allocator.Reset].

package allocator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/boljen/go-bitmap"
	c "github.com/newJimmyChu/lcloud/common"
	"github.com/newJimmyChu/lcloud/errors"
)

// DeviceInfo is a snapshot of a device's geometry and allocation state.
type DeviceInfo struct {
	ID              c.DeviceID
	Sectors         int
	BlocksPerSector int
	// Cursor is the next unit to hand out. It's meaningless if Full is true.
	Cursor    c.Location
	Full      bool
	Allocated int
}

// TotalUnits returns the number of blocks on the device, including the one
// that's never allocated.
func (info DeviceInfo) TotalUnits() int {
	return info.Sectors * info.BlocksPerSector
}

// FreeUnits returns the number of blocks that can still be allocated.
func (info DeviceInfo) FreeUnits() int {
	if info.Full {
		return 0
	}
	return info.TotalUnits() - 1 - info.Allocated
}

type device struct {
	sectors         int
	blocksPerSector int
	cursorSector    int
	cursorBlock     int
	full            bool
	allocated       int
	// allocationBitmap has one bit per unit, set once the unit's been handed
	// out. Unit i is sector i / blocksPerSector, block i % blocksPerSector.
	allocationBitmap bitmap.Bitmap
}

func (dev *device) unit(sector, block int) int {
	return sector*dev.blocksPerSector + block
}

type Allocator struct {
	mu      sync.Mutex
	devices map[c.DeviceID]*device
}

func New() *Allocator {
	return &Allocator{devices: make(map[c.DeviceID]*device)}
}

// Register adds a device with the given geometry. Its cursor starts at sector
// 0, block 1.
func (alloc *Allocator) Register(id c.DeviceID, sectors, blocksPerSector int) error {
	if sectors < 1 || blocksPerSector < 1 || sectors > 0xffff || blocksPerSector > 0xffff {
		msg := fmt.Sprintf(
			"invalid geometry for device %d: %d sectors x %d blocks",
			id,
			sectors,
			blocksPerSector)
		return errors.NewWithMessage(errors.EINVAL, msg)
	}

	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	if _, exists := alloc.devices[id]; exists {
		msg := fmt.Sprintf("device %d is already registered", id)
		return errors.NewWithMessage(errors.EEXIST, msg)
	}

	dev := &device{
		sectors:          sectors,
		blocksPerSector:  blocksPerSector,
		cursorSector:     0,
		cursorBlock:      1,
		allocationBitmap: bitmap.New(sectors * blocksPerSector),
	}

	// A device with a single block has nothing but the reserved unit.
	if blocksPerSector == 1 {
		dev.cursorSector = 1
		dev.cursorBlock = 0
	}
	dev.full = dev.cursorSector >= dev.sectors

	alloc.devices[id] = dev
	return nil
}

// NextFree returns the unit at the device's cursor and advances the cursor. The
// last unit on the device is still returned; every call after that fails with
// ENOSPC.
func (alloc *Allocator) NextFree(id c.DeviceID) (c.Location, error) {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	dev, err := alloc.lookup(id)
	if err != nil {
		return c.Location{}, err
	}
	if dev.full {
		msg := fmt.Sprintf("device %d has no free blocks", id)
		return c.Location{}, errors.NewWithMessage(errors.ENOSPC, msg)
	}

	unit := dev.unit(dev.cursorSector, dev.cursorBlock)
	if dev.allocationBitmap.Get(unit) {
		// The cursor never moves backwards so this means the state is corrupted.
		msg := fmt.Sprintf(
			"device %d: block %d:%d allocated twice",
			id,
			dev.cursorSector,
			dev.cursorBlock)
		return c.Location{}, errors.NewWithMessage(errors.EUCLEAN, msg)
	}

	loc := c.Location{
		Device: id,
		Sector: c.Sector(dev.cursorSector),
		Block:  c.BlockIndex(dev.cursorBlock),
	}
	dev.allocationBitmap.Set(unit, true)
	dev.allocated++

	dev.cursorBlock++
	if dev.cursorBlock >= dev.blocksPerSector {
		dev.cursorBlock = 0
		dev.cursorSector++
	}
	if dev.cursorSector >= dev.sectors {
		dev.full = true
	}
	return loc, nil
}

// PickDevice returns the lowest-numbered device that isn't full. It fails with
// ENODEV if no devices are registered and ENOSPC if all of them are full.
func (alloc *Allocator) PickDevice() (c.DeviceID, error) {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	if len(alloc.devices) == 0 {
		return 0, errors.NewWithMessage(errors.ENODEV, "no devices registered")
	}
	for _, id := range alloc.sortedIDs() {
		if !alloc.devices[id].full {
			return id, nil
		}
	}
	return 0, errors.NewWithMessage(errors.ENOSPC, "all devices are full")
}

// IsAllocated returns true if the block at `loc` has been handed out.
func (alloc *Allocator) IsAllocated(loc c.Location) bool {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	dev, ok := alloc.devices[loc.Device]
	if !ok || int(loc.Sector) >= dev.sectors || int(loc.Block) >= dev.blocksPerSector {
		return false
	}
	return dev.allocationBitmap.Get(dev.unit(int(loc.Sector), int(loc.Block)))
}

// Device returns a snapshot of the state of a single device.
func (alloc *Allocator) Device(id c.DeviceID) (DeviceInfo, error) {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	dev, err := alloc.lookup(id)
	if err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		ID:              id,
		Sectors:         dev.sectors,
		BlocksPerSector: dev.blocksPerSector,
		Cursor: c.Location{
			Device: id,
			Sector: c.Sector(dev.cursorSector),
			Block:  c.BlockIndex(dev.cursorBlock),
		},
		Full:      dev.full,
		Allocated: dev.allocated,
	}, nil
}

// Devices returns the ids of all registered devices in ascending order.
func (alloc *Allocator) Devices() []c.DeviceID {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()
	return alloc.sortedIDs()
}

// Reset forgets every device.
func (alloc *Allocator) Reset() {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()
	alloc.devices = make(map[c.DeviceID]*device)
}

func (alloc *Allocator) lookup(id c.DeviceID) (*device, error) {
	dev, ok := alloc.devices[id]
	if !ok {
		msg := fmt.Sprintf("device %d isn't registered", id)
		return nil, errors.NewWithMessage(errors.ENODEV, msg)
	}
	return dev, nil
}

func (alloc *Allocator) sortedIDs() []c.DeviceID {
	ids := make([]c.DeviceID, 0, len(alloc.devices))
	for id := range alloc.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
