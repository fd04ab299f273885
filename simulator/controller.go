// Package simulator implements an in-memory LionCloud device controller. It
// answers the same frames a real controller does, either in process through
// [Controller.Send] or over a stream connection through [Server].

package simulator

import (
	"fmt"
	"io"
	"sync"

	"github.com/boljen/go-bitmap"
	c "github.com/newJimmyChu/lcloud/common"
	"github.com/newJimmyChu/lcloud/errors"
	"github.com/newJimmyChu/lcloud/frame"
	"github.com/xaionaro-go/bytesextra"
)

type device struct {
	geometry    Geometry
	initialized bool
	image       io.ReadWriteSeeker
	// written has a bit set for every block that's been written at least once.
	written bitmap.Bitmap
}

func (dev *device) unit(sector, block uint16) int {
	return int(sector)*dev.geometry.Blocks + int(block)
}

func (dev *device) contains(sector, block uint16) bool {
	return int(sector) < dev.geometry.Sectors && int(block) < dev.geometry.Blocks
}

func (dev *device) readBlock(sector, block uint16, buffer []byte) error {
	_, err := dev.image.Seek(int64(dev.unit(sector, block))*c.BlockSize, io.SeekStart)
	if err != nil {
		return err
	}
	_, err = io.ReadFull(dev.image, buffer)
	return err
}

func (dev *device) writeBlock(sector, block uint16, data []byte) error {
	unit := dev.unit(sector, block)
	_, err := dev.image.Seek(int64(unit)*c.BlockSize, io.SeekStart)
	if err != nil {
		return err
	}
	_, err = dev.image.Write(data)
	if err != nil {
		return err
	}
	dev.written.Set(unit, true)
	return nil
}

// Counters gives the number of requests the controller has answered.
type Counters struct {
	PowerOn  uint64
	Probe    uint64
	Init     uint64
	Reads    uint64
	Writes   uint64
	PowerOff uint64
	// Failures counts every request answered with a failure status, including
	// injected ones.
	Failures uint64
}

// Controller owns a set of simulated devices and answers request frames for
// them. It's safe for concurrent use; requests are handled one at a time.
type Controller struct {
	mu       sync.Mutex
	devices  map[c.DeviceID]*device
	powered  bool
	counters Counters
	failNext map[frame.Op]int
}

// NewController creates a powered-off controller with one blank device per
// geometry.
func NewController(geometries []Geometry) (*Controller, error) {
	controller := &Controller{
		devices:  make(map[c.DeviceID]*device, len(geometries)),
		failNext: make(map[frame.Op]int),
	}

	for _, g := range geometries {
		err := g.validate()
		if err != nil {
			return nil, errors.ErrInvalidArgument.Wrap(err)
		}

		id := c.DeviceID(g.Device)
		if _, exists := controller.devices[id]; exists {
			msg := fmt.Sprintf("device %d is defined twice", id)
			return nil, errors.NewWithMessage(errors.EEXIST, msg)
		}

		controller.devices[id] = &device{
			geometry: g,
			image:    bytesextra.NewReadWriteSeeker(make([]byte, g.TotalSizeBytes())),
			written:  bitmap.New(g.TotalUnits()),
		}
	}
	return controller, nil
}

// FailNext makes the next `count` requests with opcode `op` fail.
func (controller *Controller) FailNext(op frame.Op, count int) {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	controller.failNext[op] += count
}

func (controller *Controller) Counters() Counters {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	return controller.counters
}

func (controller *Controller) Powered() bool {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	return controller.powered
}

// Written returns true if the block at `loc` has been written since the
// controller was created.
func (controller *Controller) Written(loc c.Location) bool {
	controller.mu.Lock()
	defer controller.mu.Unlock()

	dev, ok := controller.devices[loc.Device]
	if !ok || !dev.contains(uint16(loc.Sector), uint16(loc.Block)) {
		return false
	}
	return dev.written.Get(dev.unit(uint16(loc.Sector), uint16(loc.Block)))
}

// WrittenCount returns the number of distinct blocks written to a device.
func (controller *Controller) WrittenCount(id c.DeviceID) int {
	controller.mu.Lock()
	defer controller.mu.Unlock()

	dev, ok := controller.devices[id]
	if !ok {
		return 0
	}
	count := 0
	for i := 0; i < dev.geometry.TotalUnits(); i++ {
		if dev.written.Get(i) {
			count++
		}
	}
	return count
}

// Peek returns the raw content of a block without going through the frame
// protocol, and regardless of power state.
func (controller *Controller) Peek(loc c.Location) (c.StoredBlock, error) {
	controller.mu.Lock()
	defer controller.mu.Unlock()

	var block c.StoredBlock
	dev, ok := controller.devices[loc.Device]
	if !ok {
		return block, errors.ErrNoDevice
	}
	if !dev.contains(uint16(loc.Sector), uint16(loc.Block)) {
		return block, errors.ErrResultOutOfRange
	}
	err := dev.readBlock(uint16(loc.Sector), uint16(loc.Block), block[:])
	return block, err
}

// Send answers a request in process. It never fails at the transport level.
func (controller *Controller) Send(request frame.Frame, payload []byte) (frame.Frame, []byte, error) {
	response, responsePayload := controller.Handle(request, payload)
	return response, responsePayload, nil
}

// Handle answers a single request frame. If the request is a block read the
// response always carries exactly one block, zeroed on failure, so the stream
// stays in step with the client.
func (controller *Controller) Handle(request frame.Frame, payload []byte) (frame.Frame, []byte) {
	controller.mu.Lock()
	defer controller.mu.Unlock()

	fields := frame.Decode(request)
	response := frame.Fields{
		Flag:      frame.FlagResponse,
		Status:    frame.StatusSuccess,
		Op:        fields.Op,
		Device:    fields.Device,
		Direction: fields.Direction,
		Sector:    fields.Sector,
		Block:     fields.Block,
	}

	var responsePayload []byte
	if frame.ResponseCarriesPayload(request) {
		responsePayload = make([]byte, c.BlockSize)
	}

	ok := controller.dispatch(fields, payload, &response, responsePayload)
	if !ok {
		controller.counters.Failures++
		response.Status = frame.StatusFailure
		if responsePayload != nil {
			responsePayload = make([]byte, c.BlockSize)
		}
	}
	return response.Encode(), responsePayload
}

func (controller *Controller) dispatch(
	request frame.Fields, payload []byte, response *frame.Fields, responsePayload []byte,
) bool {
	if request.Flag != frame.FlagRequest {
		return false
	}
	if controller.failNext[request.Op] > 0 {
		controller.failNext[request.Op]--
		return false
	}
	if !controller.powered && request.Op != frame.OpPowerOn {
		return false
	}

	switch request.Op {
	case frame.OpPowerOn:
		controller.counters.PowerOn++
		controller.powered = true
		return true

	case frame.OpProbe:
		controller.counters.Probe++
		ids := make([]c.DeviceID, 0, len(controller.devices))
		for id := range controller.devices {
			ids = append(ids, id)
		}
		probe := frame.Decode(frame.ProbeResponse(ids))
		response.Sector = probe.Sector
		response.Block = 0
		return true

	case frame.OpInit:
		controller.counters.Init++
		dev, ok := controller.devices[request.Device]
		if !ok {
			return false
		}
		dev.initialized = true
		response.Sector = uint16(dev.geometry.Sectors)
		response.Block = uint16(dev.geometry.Blocks)
		return true

	case frame.OpBlockXfer:
		dev, ok := controller.devices[request.Device]
		if !ok || !dev.initialized || !dev.contains(request.Sector, request.Block) {
			return false
		}
		switch request.Direction {
		case frame.XferRead:
			controller.counters.Reads++
			return dev.readBlock(request.Sector, request.Block, responsePayload) == nil
		case frame.XferWrite:
			controller.counters.Writes++
			if len(payload) != c.BlockSize {
				return false
			}
			return dev.writeBlock(request.Sector, request.Block, payload) == nil
		}
		return false

	case frame.OpPowerOff:
		controller.counters.PowerOff++
		controller.powered = false
		for _, dev := range controller.devices {
			dev.initialized = false
		}
		return true
	}
	return false
}
