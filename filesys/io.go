package filesys

import (
	"fmt"

	c "github.com/newJimmyChu/lcloud/common"
	"github.com/newJimmyChu/lcloud/errors"
)

func brokenChain(file *fileState, loc c.Location) error {
	msg := fmt.Sprintf(
		"%s: chain ends at block %s before offset %d of %d",
		file.path,
		loc,
		file.position,
		file.length)
	return errors.ErrFileSystemCorrupted.WithMessage(msg)
}

// Read copies up to len(buffer) bytes from the file's cursor into `buffer`.
// It stops at the end of the file, so it returns fewer bytes than requested
// (possibly zero) only at the end of the file or on an error.
func (fs *FileSystem) Read(handle c.Handle, buffer []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	file, err := fs.lookup(handle)
	if err != nil {
		return 0, err
	}

	remaining := file.length - file.position
	if remaining <= 0 || len(buffer) == 0 {
		return 0, nil
	}
	if int64(len(buffer)) > remaining {
		buffer = buffer[:remaining]
	}

	totalRead := 0
	for totalRead < len(buffer) {
		if file.blockOffset == c.PayloadSize {
			err = fs.advance(file)
			if err != nil {
				return totalRead, err
			}
		}

		block, err := fs.fetchBlock(file.current)
		if err != nil {
			return totalRead, err
		}

		n := copy(buffer[totalRead:], block.Payload()[file.blockOffset:])
		file.blockOffset += n
		file.position += int64(n)
		totalRead += n
	}
	return totalRead, nil
}

// advance moves a cursor sitting at the end of a block to the start of the
// block's successor. The successor must exist.
func (fs *FileSystem) advance(file *fileState) error {
	block, err := fs.fetchBlock(file.current)
	if err != nil {
		return err
	}

	link := block.Link()
	if !link.HasNext() {
		return brokenChain(file, file.current)
	}
	file.current = link.Next()
	file.blockOffset = 0
	return nil
}

// Write stores `data` in the file at the cursor, overwriting what's there and
// growing the file as needed.
//
// Every block touched is written to its device before moving on. A block keeps
// its successor if it has one. Otherwise, if the write ends in that block it
// becomes the last block of the file; if not, a new block is allocated for the
// rest of the data. If no device has room left, the bytes already stored are
// returned along with ENOSPC.
func (fs *FileSystem) Write(handle c.Handle, data []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	file, err := fs.lookup(handle)
	if err != nil {
		return 0, err
	}

	totalWritten := 0
	for totalWritten < len(data) {
		if file.blockOffset == c.PayloadSize {
			err = fs.extend(file)
			if err != nil {
				return totalWritten, err
			}
		}

		block, err := fs.fetchBlock(file.current)
		if err != nil {
			return totalWritten, err
		}

		n := copy(block.Payload()[file.blockOffset:], data[totalWritten:])
		isLastBlock := totalWritten+n == len(data)

		// Only a write that fills this block and keeps going needs a new
		// successor; everything else keeps the link or ends the chain here.
		var allocErr error
		link := block.Link()
		if !link.HasNext() {
			if isLastBlock {
				block.SetLink(c.EndOfChain)
			} else {
				next, err := fs.allocate(file.current.Device)
				if err != nil {
					block.SetLink(c.EndOfChain)
					allocErr = err
				} else {
					block.SetLink(c.LinkTo(next))
				}
			}
		}

		err = fs.storeBlock(file.current, &block)
		if err != nil {
			return totalWritten, err
		}

		file.blockOffset += n
		file.position += int64(n)
		if file.position > file.length {
			file.length = file.position
		}
		totalWritten += n

		if allocErr != nil {
			fs.logger.Printf("%s: out of space after %d bytes", file.path, totalWritten)
			return totalWritten, allocErr
		}
	}
	return totalWritten, nil
}

// extend moves a cursor sitting at the end of a block to the start of the
// block's successor, allocating the successor and linking it in first if the
// block is the last one in the file.
func (fs *FileSystem) extend(file *fileState) error {
	block, err := fs.fetchBlock(file.current)
	if err != nil {
		return err
	}

	link := block.Link()
	if link.HasNext() {
		file.current = link.Next()
		file.blockOffset = 0
		return nil
	}

	next, err := fs.allocate(file.current.Device)
	if err != nil {
		return err
	}
	block.SetLink(c.LinkTo(next))
	err = fs.storeBlock(file.current, &block)
	if err != nil {
		return err
	}

	file.current = next
	file.blockOffset = 0
	return nil
}

// Seek moves the file's cursor to `offset` bytes from the start of the file.
// The offset may be equal to the file's length but not past it.
func (fs *FileSystem) Seek(handle c.Handle, offset int64) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	file, err := fs.lookup(handle)
	if err != nil {
		return 0, err
	}
	if offset < 0 || offset > file.length {
		msg := fmt.Sprintf("%s: offset %d not in [0, %d]", file.path, offset, file.length)
		return file.position, errors.ErrInvalidOffset.WithMessage(msg)
	}

	loc := file.head
	remaining := offset
	for remaining > c.PayloadSize {
		block, err := fs.fetchBlock(loc)
		if err != nil {
			return file.position, err
		}
		link := block.Link()
		if !link.HasNext() {
			return file.position, brokenChain(file, loc)
		}
		loc = link.Next()
		remaining -= c.PayloadSize
	}

	file.current = loc
	file.blockOffset = int(remaining)
	file.position = offset
	return offset, nil
}
