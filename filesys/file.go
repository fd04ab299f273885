package filesys

import (
	"fmt"
	"io"

	"github.com/newJimmyChu/lcloud"
	c "github.com/newJimmyChu/lcloud/common"
	"github.com/newJimmyChu/lcloud/errors"
)

// File is a file-like wrapper around a handle that emulates a subset of the
// functionality provided by an [os.File] instance.
type File struct {
	// Interfaces
	io.Closer
	io.ReaderFrom
	io.ReadWriteSeeker
	io.StringWriter
	io.WriterTo

	// Fields
	fs      *FileSystem
	handle  c.Handle
	path    string
	ioFlags lcloud.IOFlags
}

// OpenFile opens the file at `path` and wraps the handle in a [File].
//
// Read/write permissions in `flags` are enforced, e.g. attempting to write a
// file opened with [lcloud.O_RDONLY] will fail with EPERM. [lcloud.O_APPEND]
// and [lcloud.O_EXCL] are obeyed.
func (fs *FileSystem) OpenFile(path string, flags lcloud.IOFlags) (*File, error) {
	err := flags.Validate()
	if err != nil {
		return nil, errors.ErrInvalidArgument.Wrap(err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	handle, err := fs.open(path, flags.Exclusive())
	if err != nil {
		return nil, err
	}
	return &File{fs: fs, handle: handle, path: path, ioFlags: flags}, nil
}

func (file *File) Handle() c.Handle {
	return file.handle
}

func (file *File) Name() string {
	return file.path
}

// Close invalidates the file's handle. The file should not be used for I/O
// operations after calling this method.
func (file *File) Close() error {
	return file.fs.Close(file.handle)
}

// Read reads up to len(buffer) bytes. At the end of the file it returns
// [io.EOF] along with however many bytes it read.
func (file *File) Read(buffer []byte) (int, error) {
	if !file.ioFlags.Read() {
		return 0, errors.ErrNotPermitted.WithMessage(
			fmt.Sprintf("%s wasn't opened for reading", file.path))
	}
	if len(buffer) == 0 {
		return 0, nil
	}

	n, err := file.fs.Read(file.handle, buffer)
	if err == nil && n < len(buffer) {
		err = io.EOF
	}
	return n, err
}

func (file *File) ReadFrom(r io.Reader) (n int64, err error) {
	if !file.ioFlags.Write() {
		return 0, errors.ErrNotPermitted.WithMessage(
			fmt.Sprintf("%s wasn't opened for writing", file.path))
	}

	buffer := make([]byte, c.PayloadSize)
	totalBytesRead := int64(0)
	for {
		lastReadSize, readErr := r.Read(buffer)

		written, writeErr := file.Write(buffer[:lastReadSize])
		totalBytesRead += int64(written)
		if writeErr != nil {
			return totalBytesRead, writeErr
		} else if readErr == io.EOF {
			return totalBytesRead, nil
		} else if readErr != nil {
			return totalBytesRead, readErr
		}
	}
}

// Seek moves the file's cursor to `offset` bytes from the origin specified in
// `whence`. It must be one of [io.SeekStart], [io.SeekCurrent], or [io.SeekEnd].
//
// Unlike [os.File], seeking past the end of the file is an error.
func (file *File) Seek(offset int64, whence int) (int64, error) {
	info, err := file.fs.Stat(file.handle)
	if err != nil {
		return 0, err
	}

	var absoluteOffset int64
	switch whence {
	case io.SeekStart:
		absoluteOffset = offset
	case io.SeekCurrent:
		absoluteOffset = info.Position + offset
	case io.SeekEnd:
		absoluteOffset = info.Length + offset
	default:
		return info.Position, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid seek origin: %d", whence))
	}
	return file.fs.Seek(file.handle, absoluteOffset)
}

// Size returns the size of the file, in bytes.
func (file *File) Size() (int64, error) {
	info, err := file.fs.Stat(file.handle)
	return info.Length, err
}

// Tell returns the current position of the file's cursor. It's a more concise
// way of calling `Seek(0, io.SeekCurrent)`.
func (file *File) Tell() (int64, error) {
	info, err := file.fs.Stat(file.handle)
	return info.Position, err
}

func (file *File) Write(buffer []byte) (int, error) {
	if !file.ioFlags.Write() {
		return 0, errors.ErrNotPermitted.WithMessage(
			fmt.Sprintf("%s wasn't opened for writing", file.path))
	}

	// Force the cursor to the end of the file if O_APPEND was set.
	if file.ioFlags.Append() {
		_, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, err
		}
	}
	return file.fs.Write(file.handle, buffer)
}

// WriteString writes a string to the file.
func (file *File) WriteString(s string) (int, error) {
	return file.Write([]byte(s))
}

func (file *File) WriteTo(w io.Writer) (n int64, err error) {
	buffer := make([]byte, c.PayloadSize)
	totalWritten := int64(0)

	for {
		blockSize, err := file.Read(buffer)

		// Always write the data we've read in regardless of whether an error
		// occurred or not.
		if blockSize > 0 {
			written, writeErr := w.Write(buffer[:blockSize])
			totalWritten += int64(written)
			if writeErr != nil {
				return totalWritten, writeErr
			}
		}

		// If we hit EOF, we're done. Any other error is fatal.
		if err == io.EOF {
			return totalWritten, nil
		} else if err != nil {
			return totalWritten, err
		}
	}
}
