package simulator

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	c "github.com/newJimmyChu/lcloud/common"
	"github.com/newJimmyChu/lcloud/frame"
)

// Server exposes a [Controller] over stream connections. Each connection is
// served by its own goroutine, one request at a time; the controller itself
// serializes requests across connections.
type Server struct {
	controller *Controller
	logger     *log.Logger

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
}

// NewServer creates a server for `controller`. If `logger` is nil nothing is
// logged.
func NewServer(controller *Controller, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		controller: controller,
		logger:     logger,
		listeners:  make(map[net.Listener]struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
}

func (server *Server) Controller() *Controller {
	return server.controller
}

// Serve accepts connections on `listener` until it fails or the server is
// closed. It returns nil if it stopped because of [Server.Close].
func (server *Server) Serve(listener net.Listener) error {
	server.mu.Lock()
	if server.closed {
		server.mu.Unlock()
		listener.Close()
		return net.ErrClosed
	}
	server.listeners[listener] = struct{}{}
	server.mu.Unlock()

	server.logger.Printf("serving device controller on %s", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			server.mu.Lock()
			closed := server.closed
			delete(server.listeners, listener)
			server.mu.Unlock()

			if closed {
				return nil
			}
			return err
		}

		if !server.track(conn) {
			conn.Close()
			return nil
		}
		server.wg.Add(1)
		go server.serveConn(conn)
	}
}

func (server *Server) track(conn net.Conn) bool {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.closed {
		return false
	}
	server.conns[conn] = struct{}{}
	return true
}

func (server *Server) serveConn(conn net.Conn) {
	defer server.wg.Done()
	defer func() {
		server.mu.Lock()
		delete(server.conns, conn)
		server.mu.Unlock()
		conn.Close()
	}()

	remote := conn.RemoteAddr()
	server.logger.Printf("client connected from %s", remote)

	var header [frame.Size]byte
	requestPayload := make([]byte, c.BlockSize)
	for {
		_, err := io.ReadFull(conn, header[:])
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				server.logger.Printf("%s: failed to read request: %s", remote, err)
			}
			server.logger.Printf("client %s disconnected", remote)
			return
		}

		request, _ := frame.Unmarshal(header[:])
		var payload []byte
		if frame.RequestCarriesPayload(request) {
			_, err = io.ReadFull(conn, requestPayload)
			if err != nil {
				server.logger.Printf("%s: truncated block write: %s", remote, err)
				return
			}
			payload = requestPayload
		}

		response, responsePayload := server.controller.Handle(request, payload)
		if !response.Succeeded() {
			server.logger.Printf("%s: request failed: %s", remote, request)
		}

		wire := frame.Marshal(response)
		_, err = conn.Write(append(wire[:], responsePayload...))
		if err != nil {
			server.logger.Printf("%s: failed to send response: %s", remote, err)
			return
		}
	}
}

// Close stops every listener and drops every open connection, then waits for
// their goroutines to exit.
func (server *Server) Close() error {
	server.mu.Lock()
	server.closed = true

	var result error
	for listener := range server.listeners {
		err := listener.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	for conn := range server.conns {
		err := conn.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	server.mu.Unlock()

	server.wg.Wait()
	return result
}
