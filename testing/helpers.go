package testing

import (
	"crypto/rand"
	"log"
	"net"
	"testing"

	"github.com/newJimmyChu/lcloud/filesys"
	"github.com/newJimmyChu/lcloud/simulator"
	"github.com/newJimmyChu/lcloud/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CreateRandomData returns `size` random bytes. It is guaranteed to either
// return a valid slice or fail the test and abort.
func CreateRandomData(size int, t *testing.T) []byte {
	data := make([]byte, size)

	_, err := rand.Read(data)
	require.NoErrorf(t, err, "failed to generate %d random bytes", size)
	return data
}

// CreateController creates a simulated controller with one blank device per
// geometry.
func CreateController(geometries []simulator.Geometry, t *testing.T) *simulator.Controller {
	controller, err := simulator.NewController(geometries)
	require.NoError(t, err, "failed to create simulated controller")
	return controller
}

// CreateSession creates a file system session that talks to a simulated
// controller in process. The cache size and eviction policy come from
// `options`; logging goes through the test log.
func CreateSession(
	geometries []simulator.Geometry,
	options filesys.Options,
	t *testing.T,
) (*filesys.FileSystem, *simulator.Controller) {
	controller := CreateController(geometries, t)
	if options.Logger == nil {
		options.Logger = CreateLogger(t)
	}
	return filesys.New(controller, options), controller
}

// StartServer runs a simulated controller on a loopback port for the duration
// of the test and returns a client connected to it.
func StartServer(
	geometries []simulator.Geometry,
	t *testing.T,
) (*transport.NetClient, *simulator.Controller) {
	controller := CreateController(geometries, t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to listen on loopback")

	server := simulator.NewServer(controller, CreateLogger(t))
	done := make(chan error, 1)
	go func() { done <- server.Serve(listener) }()

	client := transport.NewNetClient(listener.Addr().String())
	t.Cleanup(func() {
		client.Close()
		assert.NoError(t, server.Close(), "failed to stop simulated controller")
		assert.NoError(t, <-done, "controller stopped with an error")
	})
	return client, controller
}

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

// CreateLogger returns a logger that writes to the test log.
func CreateLogger(t *testing.T) *log.Logger {
	return log.New(testLogWriter{t}, "", 0)
}
