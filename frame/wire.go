package frame

import (
	"encoding/binary"
	"fmt"
)

// Size is the size of a frame on the wire, in bytes.
const Size = 8

// Marshal returns the frame in network byte order.
func Marshal(frame Frame) [Size]byte {
	var buffer [Size]byte
	binary.BigEndian.PutUint64(buffer[:], uint64(frame))
	return buffer
}

// Unmarshal decodes a frame from network byte order. `data` must be exactly
// [Size] bytes.
func Unmarshal(data []byte) (Frame, error) {
	if len(data) != Size {
		return 0, fmt.Errorf("frame must be %d bytes, got %d", Size, len(data))
	}
	return Frame(binary.BigEndian.Uint64(data)), nil
}

// RequestCarriesPayload returns true if a block follows the request frame on
// the wire. Only block writes do.
func RequestCarriesPayload(request Frame) bool {
	return request.Op() == OpBlockXfer && request.Direction() == XferWrite
}

// ResponseCarriesPayload returns true if a block follows the response to
// `request` on the wire. Only block reads do. The decision is made on the
// request so both ends agree even if a device mangles the response.
func ResponseCarriesPayload(request Frame) bool {
	return request.Op() == OpBlockXfer && request.Direction() == XferRead
}
