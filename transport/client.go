// Package transport carries frames and blocks between the file layer and the
// device controller.

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	c "github.com/newJimmyChu/lcloud/common"
	"github.com/newJimmyChu/lcloud/errors"
	"github.com/newJimmyChu/lcloud/frame"
	"github.com/noxer/bytewriter"
)

// DefaultAddress is where the device controller listens unless told otherwise.
const DefaultAddress = "127.0.0.1:16433"

// Client sends one request frame to the controller and waits for the response.
//
// `payload` must be exactly one block for a block write and nil otherwise. The
// returned payload is one block for a block read and nil otherwise. A response
// whose status isn't success is returned as-is with a nil error; it's up to the
// caller to decide what failure means.
type Client interface {
	Send(request frame.Frame, payload []byte) (frame.Frame, []byte, error)
}

// DialFunc opens a connection to the controller.
type DialFunc func(address string) (net.Conn, error)

func dialTCP(address string) (net.Conn, error) {
	return net.Dial("tcp", address)
}

// NetClient talks to the controller over a single persistent stream
// connection. The connection is opened on the first request, closed after a
// POWER_OFF, and reopened by the next request after that.
type NetClient struct {
	address    string
	dial       DialFunc
	mu         sync.Mutex
	conn       net.Conn
	sendBuffer [frame.Size + c.BlockSize]byte
}

// NewNetClient creates a client for the controller at `address`. No connection
// is made until the first call to Send.
func NewNetClient(address string) *NetClient {
	return NewNetClientWithDialer(address, dialTCP)
}

func NewNetClientWithDialer(address string, dial DialFunc) *NetClient {
	if address == "" {
		address = DefaultAddress
	}
	return &NetClient{address: address, dial: dial}
}

func (client *NetClient) Address() string {
	return client.address
}

// Connected returns true if the client is currently holding a connection open.
func (client *NetClient) Connected() bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.conn != nil
}

func (client *NetClient) Send(request frame.Frame, payload []byte) (frame.Frame, []byte, error) {
	client.mu.Lock()
	defer client.mu.Unlock()

	if frame.RequestCarriesPayload(request) {
		if len(payload) != c.BlockSize {
			msg := fmt.Sprintf(
				"block write needs a %d-byte payload, got %d", c.BlockSize, len(payload))
			return 0, nil, errors.NewWithMessage(errors.EINVAL, msg)
		}
	} else if len(payload) != 0 {
		msg := fmt.Sprintf("%s request can't carry a payload", request.Op())
		return 0, nil, errors.NewWithMessage(errors.EINVAL, msg)
	}

	if client.conn == nil {
		conn, err := client.dial(client.address)
		if err != nil {
			return 0, nil, errors.ErrIOFailed.WithMessage(
				fmt.Sprintf("can't connect to %s", client.address)).Wrap(err)
		}
		client.conn = conn
	}

	response, responsePayload, err := client.roundTrip(request, payload)
	if err != nil {
		client.closeConnection()
		return 0, nil, errors.ErrIOFailed.WithMessage(
			fmt.Sprintf("%s request failed", request.Op())).Wrap(err)
	}

	if request.Op() == frame.OpPowerOff {
		client.closeConnection()
	}
	return response, responsePayload, nil
}

func (client *NetClient) roundTrip(request frame.Frame, payload []byte) (frame.Frame, []byte, error) {
	writer := bytewriter.New(client.sendBuffer[:])
	err := binary.Write(writer, binary.BigEndian, uint64(request))
	if err != nil {
		return 0, nil, err
	}
	_, err = writer.Write(payload)
	if err != nil {
		return 0, nil, err
	}

	_, err = client.conn.Write(client.sendBuffer[:frame.Size+len(payload)])
	if err != nil {
		return 0, nil, err
	}

	var header [frame.Size]byte
	_, err = io.ReadFull(client.conn, header[:])
	if err != nil {
		return 0, nil, err
	}
	response, err := frame.Unmarshal(header[:])
	if err != nil {
		return 0, nil, err
	}

	if !frame.ResponseCarriesPayload(request) {
		return response, nil, nil
	}

	block := make([]byte, c.BlockSize)
	_, err = io.ReadFull(client.conn, block)
	if err != nil {
		return 0, nil, err
	}
	return response, block, nil
}

// Close drops the connection if one is open. The client can still be used
// afterwards; it'll reconnect on the next request.
func (client *NetClient) Close() error {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.closeConnection()
}

func (client *NetClient) closeConnection() error {
	if client.conn == nil {
		return nil
	}
	err := client.conn.Close()
	client.conn = nil
	return err
}
