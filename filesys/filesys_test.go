package filesys_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/newJimmyChu/lcloud/blockcache"
	c "github.com/newJimmyChu/lcloud/common"
	"github.com/newJimmyChu/lcloud/errors"
	"github.com/newJimmyChu/lcloud/filesys"
	"github.com/newJimmyChu/lcloud/frame"
	"github.com/newJimmyChu/lcloud/simulator"
	lctest "github.com/newJimmyChu/lcloud/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var singleDevice = []simulator.Geometry{{Device: 0, Sectors: 4, Blocks: 4}}

func loc(device, sector, block int) c.Location {
	return c.Location{
		Device: c.DeviceID(device),
		Sector: c.Sector(sector),
		Block:  c.BlockIndex(block),
	}
}

func openFile(t *testing.T, fs *filesys.FileSystem, path string) c.Handle {
	handle, err := fs.Open(path)
	require.NoErrorf(t, err, "failed to open %q", path)
	require.NotEqual(t, c.InvalidHandle, handle)
	return handle
}

func writeAll(t *testing.T, fs *filesys.FileSystem, handle c.Handle, data []byte) {
	n, err := fs.Write(handle, data)
	require.NoError(t, err, "write failed")
	require.Equal(t, len(data), n, "short write")
}

func readAt(t *testing.T, fs *filesys.FileSystem, handle c.Handle, offset int64, size int) []byte {
	_, err := fs.Seek(handle, offset)
	require.NoErrorf(t, err, "failed to seek to %d", offset)

	buffer := make([]byte, size)
	n, err := fs.Read(handle, buffer)
	require.NoError(t, err, "read failed")
	return buffer[:n]
}

func TestFileSystem__WriteSeekRead__RoundTrip(t *testing.T) {
	fs, _ := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "hello.txt")

	writeAll(t, fs, handle, []byte("hello, world"))
	assert.Equal(t, []byte("hello, world"), readAt(t, fs, handle, 0, 100))
	assert.Equal(t, []byte("world"), readAt(t, fs, handle, 7, 5))
}

func TestFileSystem__WriteSeekRead__Sizes(t *testing.T) {
	sizes := []int{1, c.PayloadSize - 1, c.PayloadSize, c.PayloadSize + 1, 2 * c.PayloadSize, 1000, 3500}

	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d", size), func(subT *testing.T) {
			fs, _ := lctest.CreateSession(singleDevice, filesys.Options{}, subT)
			handle := openFile(subT, fs, "data.bin")
			data := lctest.CreateRandomData(size, subT)

			writeAll(subT, fs, handle, data)
			assert.Equal(subT, data, readAt(subT, fs, handle, 0, size+10))

			info, err := fs.Stat(handle)
			require.NoError(subT, err)
			assert.EqualValues(subT, size, info.Length)
			assert.EqualValues(subT, size, info.Position)
		})
	}
}

// A 500-byte file takes three blocks: 244 + 244 + 12 bytes. The head comes from
// Open and the other two are allocated by the write.
func TestFileSystem__Write__ChainsBlocks(t *testing.T) {
	fs, controller := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "chain")
	data := lctest.CreateRandomData(500, t)

	writeAll(t, fs, handle, data)

	assert.Equal(t, 3, controller.WrittenCount(0))
	assert.EqualValues(t, 3, controller.Counters().Writes, "blocks written more than once")

	info, err := fs.Device(0)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Allocated)

	head, err := controller.Peek(loc(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, c.LinkTo(loc(0, 0, 2)), head.Link())
	assert.Equal(t, data[:244], head.Payload())

	second, err := controller.Peek(loc(0, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, c.LinkTo(loc(0, 0, 3)), second.Link())
	assert.Equal(t, data[244:488], second.Payload())

	last, err := controller.Peek(loc(0, 0, 3))
	require.NoError(t, err)
	assert.True(t, last.Link().IsEnd())
	assert.Equal(t, data[488:], last.Payload()[:12])
}

func TestFileSystem__Write__ExactBlockThenAppend(t *testing.T) {
	fs, controller := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "exact")
	first := lctest.CreateRandomData(2*c.PayloadSize, t)
	second := lctest.CreateRandomData(10, t)

	writeAll(t, fs, handle, first)
	info, err := fs.Device(0)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Allocated, "allocated a block before it was needed")

	stat, err := fs.Stat(handle)
	require.NoError(t, err)
	assert.Equal(t, loc(0, 0, 2), stat.Current)
	assert.Equal(t, c.PayloadSize, stat.BlockOffset)

	tail, err := controller.Peek(loc(0, 0, 2))
	require.NoError(t, err)
	assert.True(t, tail.Link().IsEnd())

	// Writing from the end of a full block links in a new one.
	writeAll(t, fs, handle, second)
	tail, err = controller.Peek(loc(0, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, c.LinkTo(loc(0, 0, 3)), tail.Link())

	expected := append(append([]byte{}, first...), second...)
	assert.Equal(t, expected, readAt(t, fs, handle, 0, 1000))
}

func TestFileSystem__Write__OverwriteKeepsChain(t *testing.T) {
	fs, _ := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "overwrite")
	original := lctest.CreateRandomData(600, t)
	patch := lctest.CreateRandomData(300, t)

	writeAll(t, fs, handle, original)
	_, err := fs.Seek(handle, 100)
	require.NoError(t, err)
	writeAll(t, fs, handle, patch)

	info, err := fs.Device(0)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Allocated, "overwrite allocated new blocks")

	stat, err := fs.Stat(handle)
	require.NoError(t, err)
	assert.EqualValues(t, 600, stat.Length)
	assert.EqualValues(t, 400, stat.Position)

	expected := append([]byte{}, original...)
	copy(expected[100:], patch)
	assert.Equal(t, expected, readAt(t, fs, handle, 0, 600))
}

func TestFileSystem__Write__ExtendsPastEnd(t *testing.T) {
	fs, _ := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "grow")
	original := lctest.CreateRandomData(300, t)
	more := lctest.CreateRandomData(400, t)

	writeAll(t, fs, handle, original)
	_, err := fs.Seek(handle, 250)
	require.NoError(t, err)
	writeAll(t, fs, handle, more)

	expected := append(append([]byte{}, original[:250]...), more...)
	assert.Equal(t, expected, readAt(t, fs, handle, 0, 1000))
}

func TestFileSystem__Write__SpillsToNextDevice(t *testing.T) {
	fs, controller := lctest.CreateSession(
		[]simulator.Geometry{
			{Device: 0, Sectors: 1, Blocks: 4},
			{Device: 1, Sectors: 4, Blocks: 4},
		},
		filesys.Options{},
		t,
	)
	handle := openFile(t, fs, "big")
	assert.EqualValues(t, 0, handle.Device())
	data := lctest.CreateRandomData(1000, t)

	writeAll(t, fs, handle, data)

	full, err := fs.Device(0)
	require.NoError(t, err)
	assert.True(t, full.Full)
	assert.Equal(t, 3, full.Allocated)

	spill, err := fs.Device(1)
	require.NoError(t, err)
	assert.Equal(t, 2, spill.Allocated)

	bridge, err := controller.Peek(loc(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, c.LinkTo(loc(1, 0, 1)), bridge.Link())

	assert.Equal(t, data, readAt(t, fs, handle, 0, 1000))

	// New files go to the lowest device with space left.
	other := openFile(t, fs, "small")
	assert.EqualValues(t, 1, other.Device())
}

func TestFileSystem__Write__DeviceFull(t *testing.T) {
	fs, _ := lctest.CreateSession(
		[]simulator.Geometry{{Device: 5, Sectors: 1, Blocks: 4}}, filesys.Options{}, t)
	handle := openFile(t, fs, "too big")
	data := lctest.CreateRandomData(1000, t)

	n, err := fs.Write(handle, data)
	assert.ErrorIs(t, err, errors.ErrNoSpaceOnDevice)
	assert.Equal(t, 3*c.PayloadSize, n)

	stat, err := fs.Stat(handle)
	require.NoError(t, err)
	assert.EqualValues(t, n, stat.Length)
	assert.Equal(t, data[:n], readAt(t, fs, handle, 0, 1000))

	// There's nowhere to put a new file either.
	_, err = fs.Open("another")
	assert.ErrorIs(t, err, errors.ErrNoSpaceOnDevice)
}

func TestFileSystem__Read__PastEOF(t *testing.T) {
	fs, _ := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "short")
	writeAll(t, fs, handle, []byte("0123456789"))

	assert.Equal(t, []byte("0123456789"), readAt(t, fs, handle, 0, 100))

	buffer := make([]byte, 10)
	n, err := fs.Read(handle, buffer)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []byte("89"), readAt(t, fs, handle, 8, 100))
}

func TestFileSystem__Read__EmptyFile(t *testing.T) {
	fs, controller := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "empty")

	n, err := fs.Read(handle, make([]byte, 10))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, controller.Counters().Reads)
}

func TestFileSystem__Read__BlockBoundary(t *testing.T) {
	fs, _ := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "boundary")
	data := lctest.CreateRandomData(600, t)
	writeAll(t, fs, handle, data)

	_, err := fs.Seek(handle, c.PayloadSize)
	require.NoError(t, err)
	stat, err := fs.Stat(handle)
	require.NoError(t, err)
	assert.Equal(t, loc(0, 0, 1), stat.Current, "seek moved past the end of the head block")
	assert.Equal(t, c.PayloadSize, stat.BlockOffset)

	buffer := make([]byte, 20)
	n, err := fs.Read(handle, buffer)
	require.NoError(t, err)
	assert.Equal(t, data[c.PayloadSize:c.PayloadSize+20], buffer[:n])
}

func TestFileSystem__ZeroLength(t *testing.T) {
	fs, controller := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "nothing")
	before := controller.Counters()

	n, err := fs.Write(handle, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = fs.Read(handle, []byte{})
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, before, controller.Counters(), "zero-length I/O hit the device")
}

func TestFileSystem__Open__AlreadyOpen(t *testing.T) {
	fs, _ := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "once")

	_, err := fs.Open("once")
	assert.ErrorIs(t, err, errors.ErrAlreadyOpen)

	require.NoError(t, fs.Close(handle))
	reopened := openFile(t, fs, "once")
	assert.NotEqual(t, handle, reopened, "handle was reused")
}

func TestFileSystem__Open__ReopenKeepsContentAndCursor(t *testing.T) {
	fs, _ := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "persist")
	writeAll(t, fs, handle, []byte("abcdefghij"))
	_, err := fs.Seek(handle, 4)
	require.NoError(t, err)
	require.NoError(t, fs.Close(handle))

	handle = openFile(t, fs, "persist")
	stat, err := fs.Stat(handle)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stat.Position)
	assert.EqualValues(t, 10, stat.Length)

	buffer := make([]byte, 3)
	n, err := fs.Read(handle, buffer)
	require.NoError(t, err)
	assert.Equal(t, []byte("efg"), buffer[:n])
}

func TestFileSystem__Open__EmptyPath(t *testing.T) {
	fs, _ := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	_, err := fs.Open("")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestFileSystem__Open__Handles(t *testing.T) {
	fs, _ := lctest.CreateSession(
		[]simulator.Geometry{{Device: 6, Sectors: 4, Blocks: 4}}, filesys.Options{}, t)

	first := openFile(t, fs, "a")
	second := openFile(t, fs, "b")

	assert.EqualValues(t, 6, first.Device())
	assert.EqualValues(t, 6, second.Device())
	assert.EqualValues(t, 1, first.Sequence())
	assert.EqualValues(t, 2, second.Sequence())
}

func TestFileSystem__NotOpen(t *testing.T) {
	fs, _ := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "closed")
	require.NoError(t, fs.Close(handle))

	for _, h := range []c.Handle{handle, c.InvalidHandle, c.NewHandle(3, 99)} {
		_, err := fs.Read(h, make([]byte, 1))
		assert.ErrorIs(t, err, errors.ErrNotOpen)
		_, err = fs.Write(h, []byte{1})
		assert.ErrorIs(t, err, errors.ErrNotOpen)
		_, err = fs.Seek(h, 0)
		assert.ErrorIs(t, err, errors.ErrNotOpen)
		_, err = fs.Stat(h)
		assert.ErrorIs(t, err, errors.ErrNotOpen)
		assert.ErrorIs(t, fs.Close(h), errors.ErrNotOpen)
	}
}

func TestFileSystem__Seek__InvalidOffset(t *testing.T) {
	fs, _ := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "seek")
	writeAll(t, fs, handle, []byte("12345"))

	_, err := fs.Seek(handle, 6)
	assert.ErrorIs(t, err, errors.ErrInvalidOffset)
	_, err = fs.Seek(handle, -1)
	assert.ErrorIs(t, err, errors.ErrInvalidOffset)

	// Seeking exactly to the end is fine.
	offset, err := fs.Seek(handle, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, offset)
}

func TestFileSystem__Seek__BrokenChain(t *testing.T) {
	fs, controller := lctest.CreateSession(
		singleDevice, filesys.Options{CacheBlocks: 1}, t)
	handle := openFile(t, fs, "broken")
	writeAll(t, fs, handle, lctest.CreateRandomData(600, t))

	// Cut the chain after the second block behind the file system's back.
	var block c.StoredBlock
	block.SetLink(c.EndOfChain)
	write := frame.Encode(frame.OpBlockXfer, frame.XferWrite, 0, 0, 2)
	response, _, err := controller.Send(write, block[:])
	require.NoError(t, err)
	require.True(t, response.Succeeded())

	_, err = fs.Seek(handle, 550)
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)
}

func TestFileSystem__DeviceFailureIsIO(t *testing.T) {
	fs, controller := lctest.CreateSession(
		singleDevice, filesys.Options{CacheBlocks: 1}, t)
	handle := openFile(t, fs, "flaky")
	writeAll(t, fs, handle, lctest.CreateRandomData(500, t))

	controller.FailNext(frame.OpBlockXfer, 1)
	n, err := fs.Write(handle, []byte("more"))
	assert.ErrorIs(t, err, errors.ErrIOFailed)
	assert.Zero(t, n)

	_, err = fs.Seek(handle, 0)
	require.NoError(t, err)
	controller.FailNext(frame.OpBlockXfer, 1)
	n, err = fs.Read(handle, make([]byte, 500))
	assert.ErrorIs(t, err, errors.ErrIOFailed)
	assert.Zero(t, n)
}

func TestFileSystem__Discovery(t *testing.T) {
	fs, controller := lctest.CreateSession(
		[]simulator.Geometry{
			{Device: 2, Sectors: 4, Blocks: 4},
			{Device: 11, Sectors: 2, Blocks: 8},
		},
		filesys.Options{},
		t,
	)
	assert.Empty(t, fs.Devices())
	assert.Zero(t, controller.Counters().PowerOn, "powered on before the first open")

	openFile(t, fs, "first")
	openFile(t, fs, "second")

	counters := controller.Counters()
	assert.EqualValues(t, 1, counters.PowerOn)
	assert.EqualValues(t, 1, counters.Probe)
	assert.EqualValues(t, 2, counters.Init)
	assert.Equal(t, []c.DeviceID{2, 11}, fs.Devices())

	info, err := fs.Device(11)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Sectors)
	assert.Equal(t, 8, info.BlocksPerSector)
}

func TestFileSystem__Discovery__PowerOnFails(t *testing.T) {
	fs, controller := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	controller.FailNext(frame.OpPowerOn, 1)

	_, err := fs.Open("x")
	assert.ErrorIs(t, err, errors.ErrIOFailed)

	// The next open tries again.
	openFile(t, fs, "x")
}

func TestFileSystem__Shutdown(t *testing.T) {
	fs, controller := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "before")
	writeAll(t, fs, handle, []byte("data"))

	require.NoError(t, fs.Shutdown())
	assert.False(t, controller.Powered())
	assert.EqualValues(t, 1, controller.Counters().PowerOff)
	assert.Empty(t, fs.Files())
	assert.Empty(t, fs.Devices())
	assert.Zero(t, fs.CacheStats().Size)

	_, err := fs.Read(handle, make([]byte, 4))
	assert.ErrorIs(t, err, errors.ErrNotOpen)

	// The session is usable again and starts from scratch.
	handle = openFile(t, fs, "after")
	assert.True(t, controller.Powered())
	n, err := fs.Read(handle, make([]byte, 4))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFileSystem__Shutdown__NeverPowered(t *testing.T) {
	fs, controller := lctest.CreateSession(singleDevice, filesys.Options{}, t)

	require.NoError(t, fs.Shutdown())
	assert.Zero(t, controller.Counters().PowerOff)
}

func TestFileSystem__Shutdown__PowerOffFails(t *testing.T) {
	fs, controller := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	openFile(t, fs, "x")
	controller.FailNext(frame.OpPowerOff, 1)

	err := fs.Shutdown()
	assert.ErrorIs(t, err, errors.ErrIOFailed)
	assert.Empty(t, fs.Files(), "state kept after a failed shutdown")
}

// Reusing blocks in a new session must not follow links left over from the
// previous one.
func TestFileSystem__Shutdown__IgnoresStaleBlocks(t *testing.T) {
	fs, _ := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "old")
	writeAll(t, fs, handle, lctest.CreateRandomData(700, t))
	require.NoError(t, fs.Shutdown())

	handle = openFile(t, fs, "new")
	data := lctest.CreateRandomData(300, t)
	writeAll(t, fs, handle, data)

	info, err := fs.Device(0)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Allocated)
	assert.Equal(t, data, readAt(t, fs, handle, 0, 1000))
}

func TestFileSystem__CacheServesReads(t *testing.T) {
	fs, controller := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	handle := openFile(t, fs, "cached")
	data := lctest.CreateRandomData(700, t)

	writeAll(t, fs, handle, data)
	assert.Equal(t, data, readAt(t, fs, handle, 0, 700))

	assert.Zero(t, controller.Counters().Reads, "read blocks from the device despite the cache")
	assert.Greater(t, fs.CacheStats().Hits, uint64(0))
}

func TestFileSystem__SmallCache(t *testing.T) {
	policies := map[string]blockcache.EvictionPolicy{
		"evict": blockcache.EvictLRU,
		"grow":  blockcache.GrowOnFull,
	}

	for name, policy := range policies {
		t.Run(name, func(subT *testing.T) {
			fs, _ := lctest.CreateSession(
				singleDevice, filesys.Options{CacheBlocks: 2, Policy: policy}, subT)
			handle := openFile(subT, fs, "many blocks")
			data := lctest.CreateRandomData(2000, subT)

			writeAll(subT, fs, handle, data)
			assert.Equal(subT, data, readAt(subT, fs, handle, 0, 2000))

			stats := fs.CacheStats()
			if policy == blockcache.EvictLRU {
				assert.LessOrEqual(subT, stats.Size, 2)
				assert.Greater(subT, stats.Evictions, uint64(0))
			} else {
				assert.Zero(subT, stats.Evictions)
			}
		})
	}
}

func TestFileSystem__Files(t *testing.T) {
	fs, _ := lctest.CreateSession(singleDevice, filesys.Options{}, t)
	zebra := openFile(t, fs, "zebra")
	apple := openFile(t, fs, "apple")
	writeAll(t, fs, apple, []byte("fruit"))
	require.NoError(t, fs.Close(zebra))

	files := fs.Files()
	require.Len(t, files, 2)
	assert.Equal(t, "apple", files[0].Path)
	assert.True(t, files[0].IsOpen())
	assert.EqualValues(t, 5, files[0].Length)
	assert.Equal(t, "zebra", files[1].Path)
	assert.False(t, files[1].IsOpen())
}

func TestFileSystem__OverTCP(t *testing.T) {
	client, controller := lctest.StartServer(singleDevice, t)
	fs := filesys.New(client, filesys.Options{Logger: lctest.CreateLogger(t)})
	handle := openFile(t, fs, "remote")
	data := lctest.CreateRandomData(1000, t)

	writeAll(t, fs, handle, data)
	assert.Equal(t, data, readAt(t, fs, handle, 0, 1000))
	assert.Equal(t, 5, controller.WrittenCount(0))

	require.NoError(t, fs.Shutdown())
	assert.False(t, client.Connected(), "connection kept open after power off")
	assert.True(t, bytes.Equal(data[:10], readHead(t, controller)))
}

func readHead(t *testing.T, controller *simulator.Controller) []byte {
	block, err := controller.Peek(loc(0, 0, 1))
	require.NoError(t, err)
	return block.Payload()[:10]
}
