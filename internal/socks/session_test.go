package socks

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/proxycore/socksd/internal/credentials"
)

// startEchoTarget starts a TCP listener that echoes back whatever it
// receives on every accepted connection, used as the CONNECT target.
func startEchoTarget(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln
}

func targetEndpoint(t *testing.T, ln net.Listener) (net.IP, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return net.ParseIP(host).To4(), uint16(port)
}

func runSession(creds *credentials.Store) (client net.Conn, done chan struct{}) {
	serverSide, clientSide := net.Pipe()
	sess := NewSession(serverSide, creds, DefaultResolver, nil)
	done = make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(context.Background())
	}()
	return clientSide, done
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestSessionMinimalConnect(t *testing.T) {
	target := startEchoTarget(t)
	defer target.Close()
	ip, port := targetEndpoint(t, target)

	client, done := runSession(nil)
	defer client.Close()

	// Method selection: offer NONE only.
	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	methodResp := readExactly(t, client, 2)
	require.Equal(t, []byte{0x05, 0x00}, methodResp)

	// CONNECT request to the echo target.
	req := []byte{0x05, CmdConnect, 0x00, AddrTypeIPv4}
	req = append(req, ip...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	req = append(req, portBytes...)
	_, err = client.Write(req)
	require.NoError(t, err)

	respHeader := readExactly(t, client, 4)
	require.Equal(t, byte(Version5), respHeader[0])
	require.Equal(t, byte(ReplySucceeded), respHeader[1])
	require.Equal(t, byte(AddrTypeIPv4), respHeader[3])
	readExactly(t, client, endpointIPv4Size) // bound endpoint

	// Relay round trip.
	payload := []byte("the quick brown fox")
	_, err = client.Write(payload)
	require.NoError(t, err)
	echoed := readExactly(t, client, len(payload))
	require.Equal(t, payload, echoed)

	client.Close()
	<-done
}

func TestSessionUnsupportedCommandBind(t *testing.T) {
	client, done := runSession(nil)
	defer client.Close()

	client.Write([]byte{0x05, 0x01, 0x00})
	readExactly(t, client, 2)

	req := []byte{0x05, CmdBind, 0x00, AddrTypeIPv4, 127, 0, 0, 1, 0x00, 0x50}
	client.Write(req)

	resp := readExactly(t, client, 4)
	require.Equal(t, byte(ReplyCommandNotSupported), resp[1])
	readExactly(t, client, endpointIPv4Size) // bound endpoint

	<-done
}

func TestSessionUnsupportedAddressTypeDomain(t *testing.T) {
	client, done := runSession(nil)
	defer client.Close()

	client.Write([]byte{0x05, 0x01, 0x00})
	readExactly(t, client, 2)

	domain := "example.com"
	req := []byte{0x05, CmdConnect, 0x00, AddrTypeDomain, byte(len(domain))}
	req = append(req, domain...)
	req = append(req, 0x00, 0x50)
	go client.Write(req)

	resp := readExactly(t, client, 4)
	require.Equal(t, byte(ReplyAddressTypeNotSupported), resp[1])
	readExactly(t, client, endpointIPv4Size) // bound endpoint

	<-done
}

func TestSessionNoAcceptableMethods(t *testing.T) {
	client, done := runSession(nil) // no credential store configured
	defer client.Close()

	client.Write([]byte{0x05, 0x01, AuthUsernamePassword})
	resp := readExactly(t, client, 2)
	require.Equal(t, []byte{0x05, 0xFF}, resp)

	<-done
}

func TestSessionUsernamePasswordAuth(t *testing.T) {
	target := startEchoTarget(t)
	defer target.Close()
	ip, port := targetEndpoint(t, target)

	store := credentials.New()
	store.Add("alice", "wonderland")

	client, done := runSession(store)
	defer client.Close()

	client.Write([]byte{0x05, 0x02, AuthUsernamePassword, AuthNone})
	resp := readExactly(t, client, 2)
	require.Equal(t, []byte{0x05, AuthUsernamePassword}, resp)

	subReq := []byte{0x01, 5, 'a', 'l', 'i', 'c', 'e', 10}
	subReq = append(subReq, "wonderland"...)
	client.Write(subReq)
	subResp := readExactly(t, client, 2)
	require.Equal(t, []byte{0x01, 0x00}, subResp)

	req := []byte{0x05, CmdConnect, 0x00, AddrTypeIPv4}
	req = append(req, ip...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	req = append(req, portBytes...)
	client.Write(req)

	respHeader := readExactly(t, client, 4)
	require.Equal(t, byte(ReplySucceeded), respHeader[1])

	client.Close()
	<-done
}

func TestSessionUsernamePasswordAuthFailure(t *testing.T) {
	store := credentials.New()
	store.Add("alice", "wonderland")

	client, done := runSession(store)
	defer client.Close()

	client.Write([]byte{0x05, 0x01, AuthUsernamePassword})
	readExactly(t, client, 2)

	subReq := []byte{0x01, 5, 'a', 'l', 'i', 'c', 'e', 5}
	subReq = append(subReq, "wrong"...)
	client.Write(subReq)
	subResp := readExactly(t, client, 2)
	require.Equal(t, byte(0x01), subResp[1])

	<-done
}
