package mllp

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aidss/lisbridge/api/hl7"
	"github.com/aidss/lisbridge/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{
		Logger: zap.NewNop().Sugar(),
		Environment: &config.Environment{
			MaxMessageBytes:    1024,
			ConnIdleTimeoutSec: 5,
		},
	}
}

func echo() Handler {
	return HandlerFunc(func(ctx context.Context, payload []byte) []byte {
		return append([]byte("ACK:"), payload...)
	})
}

func startServer(t *testing.T, handler Handler) *Server {
	server := NewServer(testConfig(), handler)
	require.NoError(t, server.Start("127.0.0.1:0"))
	t.Cleanup(server.Shutdown)
	return server
}

func quick(c *Client) {
	c.timeout = time.Second
	c.retry = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 2)
	}
}

func TestSendAndReceive(t *testing.T) {
	server := startServer(t, echo())
	client := NewClient(testConfig(), server.Addr().String())
	quick(client)

	reply, err := client.Send(context.Background(), []byte("MSH|1"))
	require.NoError(t, err)
	assert.Equal(t, "ACK:MSH|1", string(reply))
}

func TestMessagesOnOneConnectionAreAnsweredInOrder(t *testing.T) {
	server := startServer(t, echo())
	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(append(hl7.Frame([]byte("one")), hl7.Frame([]byte("two"))...))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	first, err := hl7.ReadFrame(reader, 0)
	require.NoError(t, err)
	second, err := hl7.ReadFrame(reader, 0)
	require.NoError(t, err)
	assert.Equal(t, "ACK:one", string(first))
	assert.Equal(t, "ACK:two", string(second))
}

func TestSlowConnectionDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, payload []byte) []byte {
		if string(payload) == "slow" {
			<-release
		}
		return payload
	})
	server := startServer(t, handler)
	defer close(release)

	slow, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer slow.Close()
	_, err = slow.Write(hl7.Frame([]byte("slow")))
	require.NoError(t, err)

	client := NewClient(testConfig(), server.Addr().String())
	quick(client)
	reply, err := client.Send(context.Background(), []byte("fast"))
	require.NoError(t, err)
	assert.Equal(t, "fast", string(reply))
}

func TestMalformedFrameDropsConnection(t *testing.T) {
	var handled int32
	server := startServer(t, HandlerFunc(func(ctx context.Context, payload []byte) []byte {
		atomic.AddInt32(&handled, 1)
		return payload
	}))
	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("MSH|no framing"))
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = bufio.NewReader(conn).ReadByte()
	assert.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&handled))
}

func TestSendRetriesUnreachablePeer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	client := NewClient(testConfig(), addr)
	quick(client)
	_, err = client.Send(context.Background(), []byte("MSH|1"))
	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, "dial", netErr.Op)
}

func TestShutdownClosesConnections(t *testing.T) {
	server := NewServer(testConfig(), echo())
	require.NoError(t, server.Start("127.0.0.1:0"))
	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// a round trip ensures the connection is tracked
	_, err = conn.Write(hl7.Frame([]byte("ping")))
	require.NoError(t, err)
	_, err = hl7.ReadFrame(bufio.NewReader(conn), 0)
	require.NoError(t, err)

	server.Shutdown()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Error(t, server.Start("256.0.0.1:0"))
}
