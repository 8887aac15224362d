package connection

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createStreamPair(t *testing.T) (client *Streams, server *Streams) {
	clientConn, serverConn := net.Pipe()

	var clientErr, serverErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		client, clientErr = OpenStreams(clientConn, DefaultSmuxConfig())
	}()
	go func() {
		defer wg.Done()
		server, serverErr = AcceptStreams(serverConn, DefaultSmuxConfig(), time.Second)
	}()
	wg.Wait()

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestDefaultSmuxConfig(t *testing.T) {
	config := DefaultSmuxConfig()
	require.NotNil(t, config)
	assert.Equal(t, 5*time.Second, config.KeepAliveInterval)
	assert.Equal(t, 30*time.Second, config.KeepAliveTimeout)
	assert.Equal(t, 65535, config.MaxFrameSize)
}

func TestSmuxConfigOverrides(t *testing.T) {
	config, err := SmuxConfig(Config{KeepAliveInterval: time.Second, KeepAliveTimeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, time.Second, config.KeepAliveInterval)
	assert.Equal(t, 10*time.Second, config.KeepAliveTimeout)

	_, err = SmuxConfig(Config{KeepAliveInterval: 10 * time.Second, KeepAliveTimeout: time.Second})
	assert.Error(t, err, "keepalive timeout shorter than interval")
}

func TestStreamsKeepControlAndEventsApart(t *testing.T) {
	client, server := createStreamPair(t)

	go func() {
		_, _ = client.Events.Write([]byte("event"))
		_, _ = client.Control.Write([]byte("control"))
	}()

	buf := make([]byte, len("control"))
	_, err := io.ReadFull(server.Control, buf)
	require.NoError(t, err)
	assert.Equal(t, "control", string(buf))

	buf = make([]byte, len("event"))
	_, err = io.ReadFull(server.Events, buf)
	require.NoError(t, err)
	assert.Equal(t, "event", string(buf))
}

func TestAcceptStreamsTimesOut(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan error, 1)
	go func() {
		_, err := AcceptStreams(serverConn, DefaultSmuxConfig(), 50*time.Millisecond)
		done <- err
	}()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AcceptStreams did not honour its timeout")
	}
}
