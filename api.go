// Package lcloud defines the interface to a LionCloud device store: a flat set
// of files, each stored as a chain of blocks spread over one or more remote
// block devices.
package lcloud

import (
	"fmt"

	"github.com/newJimmyChu/lcloud/blockcache"
	c "github.com/newJimmyChu/lcloud/common"
)

// FileInfo describes a file known to the store, open or not.
type FileInfo struct {
	Path string
	// Handle is the file's current handle, or [c.InvalidHandle] if the file is
	// closed.
	Handle c.Handle
	// Head is the first block of the file's chain.
	Head c.Location
	// Current is the block the file's cursor is on, and BlockOffset the offset
	// of the cursor within that block's payload.
	Current     c.Location
	BlockOffset int
	// Position is the absolute offset of the cursor from the start of the file.
	Position int64
	Length   int64
}

// IsOpen returns true if the file currently has a live handle.
func (info FileInfo) IsOpen() bool {
	return info.Handle != c.InvalidHandle
}

func (info FileInfo) String() string {
	return fmt.Sprintf(
		"%s (handle=%s head=%s pos=%d/%d)",
		info.Path,
		info.Handle,
		info.Head,
		info.Position,
		info.Length,
	)
}

// FileSystem is the interface for opening, reading, writing, and seeking files
// on a device store.
//
// Handles are only valid until the file is closed. Every file keeps its cursor
// when it's closed, so reopening a file picks up where the last handle left off.
type FileSystem interface {
	// Open returns a new handle for the file at `path`, creating the file if it
	// doesn't exist. Opening a file that's already open fails with EBUSY.
	Open(path string) (c.Handle, error)
	// Read copies up to len(buffer) bytes from the cursor into `buffer` and
	// returns the number of bytes copied. Reading at the end of the file
	// returns 0 without an error.
	Read(handle c.Handle, buffer []byte) (int, error)
	// Write copies `data` into the file at the cursor, growing the file if
	// needed, and returns the number of bytes stored. If the store runs out of
	// space the bytes stored before that are returned along with ENOSPC.
	Write(handle c.Handle, data []byte) (int, error)
	// Seek moves the cursor to the absolute offset `offset`. Offsets past the
	// end of the file fail with EINVAL.
	Seek(handle c.Handle, offset int64) (int64, error)
	// Close invalidates `handle`. Closing an unknown handle fails with EBADF.
	Close(handle c.Handle) error
	// Shutdown powers the devices off and forgets every file.
	Shutdown() error
}

// InspectingFileSystem is a [FileSystem] that can also report on its own state.
type InspectingFileSystem interface {
	FileSystem

	Stat(handle c.Handle) (FileInfo, error)
	// Files returns every file known to the store, sorted by path.
	Files() []FileInfo
	CacheStats() blockcache.Stats
	Devices() []c.DeviceID
}
