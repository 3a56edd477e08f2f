package socks

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitStatus(t *testing.T, events <-chan Status) Status {
	t.Helper()
	select {
	case s := <-events:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel status")
		return nil
	}
}

func TestChannelConnectSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	portNum, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	port := uint16(portNum)

	ch := NewChannel(host, port, DefaultResolver)
	ch.Start(context.Background())

	status := waitStatus(t, ch.Events())
	connected, ok := status.(StatusConnected)
	require.True(t, ok, "expected StatusConnected, got %T", status)
	require.NotNil(t, connected.Local)
}

func TestChannelConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	portNum, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	port := uint16(portNum)
	ln.Close() // nobody is listening now; connection should be refused

	ch := NewChannel(host, port, DefaultResolver)
	ch.Start(context.Background())

	status := waitStatus(t, ch.Events())
	errStatus, ok := status.(StatusError)
	require.True(t, ok, "expected StatusError, got %T", status)
	require.Equal(t, StageConnect, errStatus.Stage)
}

func TestChannelRelayRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		conn.Read(buf)
		conn.Write(buf)
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	portNum, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	port := uint16(portNum)

	ch := NewChannel(host, port, DefaultResolver)
	ch.Start(context.Background())
	status := waitStatus(t, ch.Events())
	_, ok := status.(StatusConnected)
	require.True(t, ok)

	ch.Write([]byte("hello"))
	status = waitStatus(t, ch.Events())
	_, ok = status.(StatusWrite)
	require.True(t, ok)

	ch.Read(16)
	status = waitStatus(t, ch.Events())
	readStatus, ok := status.(StatusRead)
	require.True(t, ok)
	require.Equal(t, "hello", string(readStatus.Data))

	<-serverDone
}

func TestChannelCancelSuppressesError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	portNum, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	port := uint16(portNum)

	ch := NewChannel(host, port, DefaultResolver)
	ch.Start(context.Background())
	status := waitStatus(t, ch.Events())
	_, ok := status.(StatusConnected)
	require.True(t, ok)

	conn := <-accepted
	defer conn.Close()

	ch.Read(16)
	ch.Cancel()

	status = waitStatus(t, ch.Events())
	errStatus, ok := status.(StatusError)
	require.True(t, ok)
	require.True(t, errors.Is(errStatus.Err, ErrAborted))
}

