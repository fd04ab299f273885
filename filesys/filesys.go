// Package filesys implements files on top of LionCloud devices.
//
// A file is a chain of stored blocks. Each block starts with a link to the next
// block of the file, which may be on any device, and the last block's link is
// the end-of-chain sentinel. Blocks are allocated as the file grows, from the
// file's home device until that fills up and from the lowest-numbered device
// with free space after that.
//
// All device traffic goes through a write-through block cache: reads are
// served from the cache when possible, and every write goes to the device
// immediately.
package filesys

import (
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/newJimmyChu/lcloud"
	"github.com/newJimmyChu/lcloud/allocator"
	"github.com/newJimmyChu/lcloud/blockcache"
	c "github.com/newJimmyChu/lcloud/common"
	"github.com/newJimmyChu/lcloud/errors"
	"github.com/newJimmyChu/lcloud/frame"
	"github.com/newJimmyChu/lcloud/transport"
)

// DefaultCacheBlocks is the cache size used if [Options.CacheBlocks] is 0.
const DefaultCacheBlocks = blockcache.DefaultCapacity

// Options configures a [FileSystem]. The zero value is usable.
type Options struct {
	// CacheBlocks is the number of blocks the cache holds.
	CacheBlocks int
	Policy      blockcache.EvictionPolicy
	// Logger receives messages about device discovery, allocation spilling over
	// to other devices, and cache statistics at shutdown. If nil, nothing is
	// logged.
	Logger *log.Logger
}

type fileState struct {
	path   string
	handle c.Handle
	head   c.Location
	// current is the block the cursor is on. blockOffset may be equal to
	// [c.PayloadSize], in which case the cursor is at the end of `current` and
	// the next read or write moves on to its successor.
	current     c.Location
	blockOffset int
	position    int64
	length      int64
}

func (file *fileState) info() lcloud.FileInfo {
	return lcloud.FileInfo{
		Path:        file.path,
		Handle:      file.handle,
		Head:        file.head,
		Current:     file.current,
		BlockOffset: file.blockOffset,
		Position:    file.position,
		Length:      file.length,
	}
}

// FileSystem is a session with a set of devices. Every public method holds the
// session lock for its whole duration, so requests to the devices never
// interleave.
type FileSystem struct {
	mu        sync.Mutex
	client    transport.Client
	cache     *blockcache.BlockCache
	allocator *allocator.Allocator
	logger    *log.Logger

	powered      bool
	discovered   bool
	nextSequence uint32
	files        map[string]*fileState
	handles      map[c.Handle]*fileState
	// fresh holds blocks allocated in this session that haven't been written
	// yet. Whatever is on the device there is left over from an earlier
	// session, so they're treated as blank.
	fresh map[c.Location]struct{}
}

var _ lcloud.InspectingFileSystem = (*FileSystem)(nil)

// New creates a session that talks to devices through `client`. Nothing is
// sent until the first file is opened.
func New(client transport.Client, options Options) *FileSystem {
	cacheBlocks := options.CacheBlocks
	if cacheBlocks == 0 {
		cacheBlocks = DefaultCacheBlocks
	}
	logger := options.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	fs := &FileSystem{
		client:    client,
		cache:     blockcache.New(cacheBlocks, options.Policy),
		allocator: allocator.New(),
		logger:    logger,
	}
	fs.resetSession()
	return fs
}

func (fs *FileSystem) resetSession() {
	fs.powered = false
	fs.discovered = false
	fs.nextSequence = 1
	fs.files = make(map[string]*fileState)
	fs.handles = make(map[c.Handle]*fileState)
	fs.fresh = make(map[c.Location]struct{})
}

////////////////////////////////////////////////////////////////////////////////
// Device requests

// request sends a frame and checks the response status. Both transport
// failures and failure responses are returned as EIO.
func (fs *FileSystem) request(request frame.Frame, payload []byte) (frame.Frame, []byte, error) {
	response, responsePayload, err := fs.client.Send(request, payload)
	if err != nil {
		if errnoOf(err) != errors.EIO {
			err = errors.ErrIOFailed.Wrap(err)
		}
		return 0, nil, err
	}
	if !response.Succeeded() {
		msg := fmt.Sprintf("device rejected %s", request)
		return 0, nil, errors.ErrIOFailed.WithMessage(msg)
	}
	return response, responsePayload, nil
}

// powerOn powers the devices on, then registers every device the controller
// reports that hasn't been registered yet. If discovery fails partway through,
// the next call picks up where it left off.
func (fs *FileSystem) powerOn() error {
	if !fs.powered {
		_, _, err := fs.request(frame.Encode(frame.OpPowerOn, 0, 0, 0, 0), nil)
		if err != nil {
			return err
		}
		fs.powered = true
	}
	if fs.discovered {
		return nil
	}

	probe, _, err := fs.request(frame.Encode(frame.OpProbe, 0, 0, 0, 0), nil)
	if err != nil {
		return err
	}

	devices := frame.ProbeMask(probe)
	if len(devices) == 0 {
		return errors.NewWithMessage(errors.ENODEV, "controller reported no devices")
	}

	for _, id := range devices {
		if _, err := fs.allocator.Device(id); err == nil {
			continue
		}

		response, _, err := fs.request(frame.Encode(frame.OpInit, 0, id, 0, 0), nil)
		if err != nil {
			return err
		}
		sectors, blocks := frame.Geometry(response)
		err = fs.allocator.Register(id, int(sectors), int(blocks))
		if err != nil {
			return err
		}
		fs.logger.Printf("device %d: %d sectors x %d blocks", id, sectors, blocks)
	}

	fs.discovered = true
	return nil
}

func (fs *FileSystem) readBlock(loc c.Location, buffer *c.StoredBlock) error {
	if _, isFresh := fs.fresh[loc]; isFresh {
		*buffer = c.StoredBlock{}
		buffer.SetLink(c.EndOfChain)
		return nil
	}

	request := frame.Encode(frame.OpBlockXfer, frame.XferRead, loc.Device, loc.Sector, loc.Block)
	_, payload, err := fs.request(request, nil)
	if err != nil {
		return err
	}
	if len(payload) != c.BlockSize {
		msg := fmt.Sprintf("read of block %s returned %d bytes", loc, len(payload))
		return errors.ErrIOFailed.WithMessage(msg)
	}
	copy(buffer[:], payload)
	return nil
}

// fetchBlock returns the block at `loc`, from the cache if possible.
func (fs *FileSystem) fetchBlock(loc c.Location) (c.StoredBlock, error) {
	return fs.cache.Fetch(loc, fs.readBlock)
}

// storeBlock writes a block to its device and then to the cache.
func (fs *FileSystem) storeBlock(loc c.Location, block *c.StoredBlock) error {
	request := frame.Encode(frame.OpBlockXfer, frame.XferWrite, loc.Device, loc.Sector, loc.Block)
	_, _, err := fs.request(request, block[:])
	if err != nil {
		return err
	}
	delete(fs.fresh, loc)
	fs.cache.Put(loc, block)
	return nil
}

// allocate returns a new block, preferably on device `preferred`.
func (fs *FileSystem) allocate(preferred c.DeviceID) (c.Location, error) {
	loc, err := fs.allocator.NextFree(preferred)
	if err != nil {
		if errnoOf(err) != errors.ENOSPC {
			return c.Location{}, err
		}

		var next c.DeviceID
		next, err = fs.allocator.PickDevice()
		if err != nil {
			return c.Location{}, err
		}
		fs.logger.Printf("device %d is full, allocating on device %d", preferred, next)

		loc, err = fs.allocator.NextFree(next)
		if err != nil {
			return c.Location{}, err
		}
	}

	fs.fresh[loc] = struct{}{}
	return loc, nil
}

func errnoOf(err error) errors.Errno {
	return errors.CastToDriverError(err, errors.EIO).Errno()
}

////////////////////////////////////////////////////////////////////////////////
// Handles

func (fs *FileSystem) lookup(handle c.Handle) (*fileState, error) {
	file, ok := fs.handles[handle]
	if !ok {
		msg := fmt.Sprintf("handle %s isn't open", handle)
		return nil, errors.ErrNotOpen.WithMessage(msg)
	}
	return file, nil
}

// maxOpenFiles bounds the number of live handles so newHandle always finds a
// free sequence number.
const maxOpenFiles = 0xffffff

func (fs *FileSystem) newHandle(device c.DeviceID) c.Handle {
	for {
		handle := c.NewHandle(device, fs.nextSequence)
		fs.nextSequence = (fs.nextSequence + 1) & 0xffffff
		if fs.nextSequence == 0 {
			fs.nextSequence = 1
		}
		if _, inUse := fs.handles[handle]; !inUse && handle.Sequence() != 0 {
			return handle
		}
	}
}

// Open returns a new handle for the file at `path`, creating the file if it
// doesn't exist. The first call after [FileSystem.New] or
// [FileSystem.Shutdown] powers the devices on and discovers them.
func (fs *FileSystem) Open(path string) (c.Handle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.open(path, false)
}

func (fs *FileSystem) open(path string, exclusive bool) (c.Handle, error) {
	if path == "" {
		return c.InvalidHandle, errors.ErrInvalidArgument.WithMessage("empty path")
	}

	err := fs.powerOn()
	if err != nil {
		return c.InvalidHandle, err
	}

	if len(fs.handles) >= maxOpenFiles {
		return c.InvalidHandle, errors.ErrTooManyOpenFiles.WithMessage(path)
	}

	file, exists := fs.files[path]
	if exists {
		if exclusive {
			return c.InvalidHandle, errors.ErrExists.WithMessage(path)
		}
		if file.handle != c.InvalidHandle {
			return c.InvalidHandle, errors.ErrAlreadyOpen.WithMessage(path)
		}
		file.handle = fs.newHandle(file.head.Device)
		fs.handles[file.handle] = file
		return file.handle, nil
	}

	device, err := fs.allocator.PickDevice()
	if err != nil {
		return c.InvalidHandle, err
	}
	head, err := fs.allocate(device)
	if err != nil {
		return c.InvalidHandle, err
	}

	file = &fileState{
		path:    path,
		head:    head,
		current: head,
	}
	file.handle = fs.newHandle(head.Device)
	fs.files[path] = file
	fs.handles[file.handle] = file
	return file.handle, nil
}

// Close invalidates `handle`. The file keeps its contents and cursor.
func (fs *FileSystem) Close(handle c.Handle) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	file, err := fs.lookup(handle)
	if err != nil {
		return err
	}
	delete(fs.handles, handle)
	file.handle = c.InvalidHandle
	return nil
}

// Shutdown powers the devices off, empties the cache, and forgets every device
// and file. The session can be used again afterwards; the next Open starts a
// new one.
func (fs *FileSystem) Shutdown() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var result error
	if fs.powered {
		_, _, err := fs.request(frame.Encode(frame.OpPowerOff, 0, 0, 0, 0), nil)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	if len(fs.handles) > 0 {
		fs.logger.Printf("shutting down with %d file(s) still open", len(fs.handles))
	}
	fs.logger.Printf("cache: %s", fs.cache.Stats())

	fs.cache.Clear()
	fs.allocator.Reset()
	fs.resetSession()
	return result
}

////////////////////////////////////////////////////////////////////////////////
// Introspection

// Stat returns the state of an open file.
func (fs *FileSystem) Stat(handle c.Handle) (lcloud.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	file, err := fs.lookup(handle)
	if err != nil {
		return lcloud.FileInfo{}, err
	}
	return file.info(), nil
}

// Files returns the state of every file in the session, open or not, sorted by
// path.
func (fs *FileSystem) Files() []lcloud.FileInfo {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	infos := make([]lcloud.FileInfo, 0, len(fs.files))
	for _, file := range fs.files {
		infos = append(infos, file.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos
}

func (fs *FileSystem) CacheStats() blockcache.Stats {
	return fs.cache.Stats()
}

// Devices returns the ids of the devices discovered in this session.
func (fs *FileSystem) Devices() []c.DeviceID {
	return fs.allocator.Devices()
}

// Device returns the allocation state of a single discovered device.
func (fs *FileSystem) Device(id c.DeviceID) (allocator.DeviceInfo, error) {
	return fs.allocator.Device(id)
}
