package socks

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"

	"github.com/proxycore/socksd/internal/credentials"
	"github.com/proxycore/socksd/internal/logx"
)

// relayBufferSize is the chunk size used for both the handshake buffer and
// the steady-state relay; it satisfies the >=4096 capacity invariant of
// spec §3 with headroom for full-size domain/IPv6 messages.
const relayBufferSize = 32 * 1024

// readState and writeState are the two orthogonal state variables of
// spec §4.3. The select loop in Run receives each completion, and
// handleClientRead/handleClientWrite switch on these states to pick the
// handler for it, since Go's channels already give us the single-threaded,
// callback-free equivalent of the original's event loop.
type readState int

const (
	stateMethodSelection readState = iota
	stateMethodSelectionList
	stateSubauthHeader
	stateSubauthUsername
	stateSubauthPasswordLen
	stateSubauthPassword
	stateAwaitingCommand
	stateAwaitingEndpointIPv4
	stateAwaitingEndpointIPv6
	stateProxyRead
	stateTerminal
)

type writeState int

const (
	stateIdle writeState = iota
	stateSendingMethod
	stateSendingSubauthResponse
	stateSendingCommandResponse
	stateProxyWrite
)

type clientReadDone struct {
	n   int
	err error
}

type clientWriteDone struct {
	err error
}

// Session is the per-connection state machine: it drives the handshake,
// decodes the command request, constructs a Channel for the requested
// target, reacts to the Channel's status events, and runs the
// bidirectional relay (§4.3).
type Session struct {
	conn      net.Conn
	logger    *logx.Logger
	creds     *credentials.Store
	resolver  Resolver
	remoteTag string

	readBuf  []byte
	writeBuf []byte

	readState  readState
	writeState writeState

	// subnegotiation scratch state
	subauthULen int
	subauthPLen int

	// saved across the command parsing states
	cmdHeader         CommandHeader
	closeAfterCurrent bool // terminate once the in-flight write completes

	channel *Channel

	clientReadCh  chan clientReadDone
	clientWriteCh chan clientWriteDone

	terminating atomic.Bool
}

// NewSession constructs a session for an accepted client connection.
// creds may be nil, meaning only the NONE method is offered.
func NewSession(conn net.Conn, creds *credentials.Store, resolver Resolver, logger *logx.Logger) *Session {
	if logger == nil {
		logger = logx.Default()
	}
	return &Session{
		conn:          conn,
		logger:        logger,
		creds:         creds,
		resolver:      resolver,
		remoteTag:     conn.RemoteAddr().String(),
		readBuf:       make([]byte, relayBufferSize),
		writeBuf:      make([]byte, 0, relayBufferSize),
		clientReadCh:  make(chan clientReadDone, 1),
		clientWriteCh: make(chan clientWriteDone, 1),
	}
}

// Run drives the session to completion: handshake, command, and relay,
// returning once both the client socket and any outbound channel have
// terminated. It blocks until the connection is done or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	s.readState = stateMethodSelection
	s.scheduleClientRead(methodSelectionHeaderSize, 0)

	for {
		var channelEvents <-chan Status
		if s.channel != nil {
			channelEvents = s.channel.Events()
		}

		select {
		case <-ctx.Done():
			s.cancel()
			return
		case ev := <-s.clientReadCh:
			if !s.handleClientRead(ctx, ev) {
				return
			}
		case ev := <-s.clientWriteCh:
			if !s.handleClientWrite(ctx, ev) {
				return
			}
		case st := <-channelEvents:
			if !s.handleChannelStatus(ctx, st) {
				return
			}
		}
	}
}

func (s *Session) cancel() {
	if s.terminating.CompareAndSwap(false, true) {
		s.conn.Close()
		if s.channel != nil {
			s.channel.Cancel()
		}
	}
}

// ---- client I/O scheduling -------------------------------------------------

// scheduleClientRead issues one read of exactly byteCount bytes, landing at
// writeOffset in readBuf. Per the buffer-overflow invariant (§3) this
// fails loudly and does not issue the I/O if it would overrun the buffer.
func (s *Session) scheduleClientRead(byteCount, writeOffset int) {
	if byteCount+writeOffset > cap(s.readBuf) {
		s.logger.Errorf("session %s: refusing to schedule read of %d bytes at offset %d past buffer capacity %d",
			s.remoteTag, byteCount, writeOffset, cap(s.readBuf))
		return
	}
	dst := s.readBuf[writeOffset : writeOffset+byteCount]
	go func() {
		n, err := io.ReadFull(s.conn, dst)
		s.clientReadCh <- clientReadDone{n: n, err: err}
	}()
}

// scheduleClientReadSome issues one read of up to maxSize bytes (relay
// mode, §4.2 Channel.read semantics mirrored on the client side).
func (s *Session) scheduleClientReadSome(maxSize int) {
	if maxSize > cap(s.readBuf) {
		s.logger.Errorf("session %s: refusing to schedule read_some of %d bytes past buffer capacity %d",
			s.remoteTag, maxSize, cap(s.readBuf))
		return
	}
	dst := s.readBuf[:maxSize]
	go func() {
		n, err := s.conn.Read(dst)
		s.clientReadCh <- clientReadDone{n: n, err: err}
	}()
}

func (s *Session) scheduleClientWrite() {
	buf := s.writeBuf
	go func() {
		_, err := s.conn.Write(buf)
		s.clientWriteCh <- clientWriteDone{err: err}
	}()
}

// ---- client read/write completion handlers ---------------------------------

func (s *Session) handleClientRead(ctx context.Context, ev clientReadDone) bool {
	if ev.err != nil {
		if s.terminating.Load() {
			return false
		}
		s.logger.Debugf("session %s: client read failed in state %d: %v", s.remoteTag, s.readState, ev.err)
		s.cancel()
		return false
	}

	switch s.readState {
	case stateMethodSelection:
		return s.onMethodSelectionHeader()
	case stateMethodSelectionList:
		return s.onMethodSelectionList(ev.n)
	case stateSubauthHeader:
		return s.onSubauthHeader()
	case stateSubauthUsername:
		return s.onSubauthUsername()
	case stateSubauthPasswordLen:
		return s.onSubauthPasswordLen()
	case stateSubauthPassword:
		return s.onSubauthPassword()
	case stateAwaitingCommand:
		return s.onCommandHeader()
	case stateAwaitingEndpointIPv4:
		return s.onCommandEndpointIPv4(ctx)
	case stateAwaitingEndpointIPv6:
		return s.onCommandEndpointIPv6(ctx)
	case stateProxyRead:
		return s.onProxyRead(ev.n)
	default:
		s.logger.Errorf("session %s: client read completed in unexpected state %d", s.remoteTag, s.readState)
		return false
	}
}

func (s *Session) handleClientWrite(ctx context.Context, ev clientWriteDone) bool {
	if ev.err != nil {
		if s.terminating.Load() {
			return false
		}
		s.logger.Debugf("session %s: client write failed in state %d: %v", s.remoteTag, s.writeState, ev.err)
		s.cancel()
		return false
	}

	switch s.writeState {
	case stateSendingMethod:
		return s.onMethodSent()
	case stateSendingSubauthResponse:
		return s.onSubauthResponseSent()
	case stateSendingCommandResponse:
		return s.onCommandResponseSent()
	case stateProxyWrite:
		return s.onProxyWriteSent()
	default:
		s.logger.Errorf("session %s: client write completed in unexpected state %d", s.remoteTag, s.writeState)
		return false
	}
}

// ---- method selection -------------------------------------------------------

func (s *Session) onMethodSelectionHeader() bool {
	hdr, err := ParseMethodSelectionHeader(s.readBuf)
	if err != nil {
		s.logger.Debugf("session %s: short method selection header: %v", s.remoteTag, err)
		return false
	}

	switch hdr.Version {
	case Version5:
		// continue below
	case Version4:
		// SOCKS4 is gated as a "supported version" by the version check
		// but no SOCKS4 handshake is implemented here; refuse explicitly
		// rather than silently misinterpreting the bytes as SOCKS5 (see
		// SPEC_FULL.md Open Question decisions).
		s.logger.Debugf("session %s: SOCKS4 is not implemented, closing", s.remoteTag)
		return false
	default:
		s.logger.Debugf("session %s: unsupported SOCKS version %d", s.remoteTag, hdr.Version)
		return false
	}

	if hdr.MethodCount == 0 {
		s.logger.Debugf("session %s: method selection request with no methods", s.remoteTag)
		return false
	}

	s.readState = stateMethodSelectionList
	s.scheduleClientRead(int(hdr.MethodCount), methodSelectionHeaderSize)
	return true
}

func (s *Session) onMethodSelectionList(n int) bool {
	offered := s.readBuf[methodSelectionHeaderSize : methodSelectionHeaderSize+n]

	hasUserPass := s.creds != nil && s.creds.Len() > 0

	var selected byte = AuthNoAcceptableMethod
	found := false
	for _, m := range offered {
		if m == AuthNone {
			selected = AuthNone
			found = true
			break
		}
		if m == AuthUsernamePassword && hasUserPass {
			selected = AuthUsernamePassword
			found = true
			break
		}
	}

	resp := EncodeMethodSelectionResponse(Version5, selected)
	s.writeBuf = append(s.writeBuf[:0], resp...)
	s.writeState = stateSendingMethod
	s.closeAfterCurrent = !found
	s.scheduleClientWrite()
	return true
}

func (s *Session) onMethodSent() bool {
	if s.closeAfterCurrent {
		s.logger.Debugf("session %s: no acceptable authentication method", s.remoteTag)
		return false
	}

	switch {
	case s.creds != nil && s.creds.Len() > 0 && s.lastSelectedWasUserPass():
		s.readState = stateSubauthHeader
		s.scheduleClientRead(2, 0)
	default:
		s.readState = stateAwaitingCommand
		s.scheduleClientRead(commandHeaderSize, 0)
	}
	return true
}

// lastSelectedWasUserPass inspects the method we just wrote back, since
// Session doesn't separately track "selected method" beyond the response
// buffer it already built.
func (s *Session) lastSelectedWasUserPass() bool {
	return len(s.writeBuf) == 2 && s.writeBuf[1] == AuthUsernamePassword
}

// ---- username/password subnegotiation (RFC 1929) ---------------------------

func (s *Session) onSubauthHeader() bool {
	if s.readBuf[0] != usernamePasswordSubnegotiationVersion {
		s.logger.Debugf("session %s: unsupported subnegotiation version %d", s.remoteTag, s.readBuf[0])
		return false
	}
	s.subauthULen = int(s.readBuf[1])
	s.readState = stateSubauthUsername
	s.scheduleClientRead(s.subauthULen, 2)
	return true
}

func (s *Session) onSubauthUsername() bool {
	s.readState = stateSubauthPasswordLen
	s.scheduleClientRead(1, 2+s.subauthULen)
	return true
}

func (s *Session) onSubauthPasswordLen() bool {
	s.subauthPLen = int(s.readBuf[2+s.subauthULen])
	s.readState = stateSubauthPassword
	s.scheduleClientRead(s.subauthPLen, 3+s.subauthULen)
	return true
}

func (s *Session) onSubauthPassword() bool {
	total := 3 + s.subauthULen + s.subauthPLen
	username, password, err := ParseUsernamePasswordRequest(s.readBuf[:total])
	if err != nil {
		s.logger.Debugf("session %s: malformed subnegotiation request: %v", s.remoteTag, err)
		return false
	}

	ok := s.creds != nil && s.creds.Validate(username, password)

	status := byte(0x01)
	if ok {
		status = 0x00
	}
	s.writeBuf = append(s.writeBuf[:0], EncodeUsernamePasswordResponse(status)...)
	s.writeState = stateSendingSubauthResponse
	s.closeAfterCurrent = !ok
	s.scheduleClientWrite()
	return true
}

func (s *Session) onSubauthResponseSent() bool {
	if s.closeAfterCurrent {
		s.logger.Debugf("session %s: username/password authentication failed", s.remoteTag)
		return false
	}
	s.readState = stateAwaitingCommand
	s.scheduleClientRead(commandHeaderSize, 0)
	return true
}

// ---- command request ---------------------------------------------------------

func (s *Session) onCommandHeader() bool {
	hdr, err := ParseCommandHeader(s.readBuf)
	if err != nil {
		s.logger.Debugf("session %s: short command header: %v", s.remoteTag, err)
		return false
	}
	if hdr.Version != Version5 {
		s.logger.Debugf("session %s: unsupported command version %d", s.remoteTag, hdr.Version)
		return false
	}
	s.cmdHeader = hdr

	switch hdr.AddressType {
	case AddrTypeIPv4:
		s.readState = stateAwaitingEndpointIPv4
		s.scheduleClientRead(endpointIPv4Size, commandHeaderSize)
	case AddrTypeIPv6:
		s.readState = stateAwaitingEndpointIPv6
		s.scheduleClientRead(endpointIPv6Size, commandHeaderSize)
	default:
		// DOMAIN_NAME is an explicit non-goal (spec §1); any other value
		// is simply invalid.
		s.logger.Debugf("session %s: unsupported address type %d", s.remoteTag, hdr.AddressType)
		return s.sendFinalReplyAndClose(ReplyAddressTypeNotSupported)
	}
	return true
}

func (s *Session) onCommandEndpointIPv4(ctx context.Context) bool {
	addr, err := ParseEndpointIPv4(s.readBuf, commandHeaderSize)
	if err != nil {
		s.logger.Debugf("session %s: short IPv4 endpoint: %v", s.remoteTag, err)
		return false
	}
	return s.handleCommandEndpoint(ctx, addr)
}

func (s *Session) onCommandEndpointIPv6(ctx context.Context) bool {
	addr, err := ParseEndpointIPv6(s.readBuf, commandHeaderSize)
	if err != nil {
		s.logger.Debugf("session %s: short IPv6 endpoint: %v", s.remoteTag, err)
		return false
	}
	return s.handleCommandEndpoint(ctx, addr)
}

// handleCommandEndpoint implements the corrected control flow from
// SPEC_FULL.md's Open Question decisions: only CONNECT opens an outbound
// channel; everything else replies COMMAND_NOT_SUPPORTED and closes
// without ever dialing out.
func (s *Session) handleCommandEndpoint(ctx context.Context, target *net.TCPAddr) bool {
	if s.cmdHeader.Command != CmdConnect {
		s.logger.Debugf("session %s: unsupported command %d", s.remoteTag, s.cmdHeader.Command)
		return s.sendFinalReplyAndClose(ReplyCommandNotSupported)
	}

	s.channel = NewChannel(target.IP.String(), uint16(target.Port), s.resolver)
	s.channel.Start(ctx)
	return true
}

// ---- channel status handling --------------------------------------------------

func (s *Session) handleChannelStatus(ctx context.Context, st Status) bool {
	switch v := st.(type) {
	case StatusError:
		return s.handleChannelError(v)
	case StatusConnected:
		return s.handleChannelConnected(v)
	case StatusRead:
		return s.handleChannelRead(v)
	case StatusWrite:
		return s.handleChannelWriteDone()
	default:
		s.logger.Errorf("session %s: unknown channel status %T", s.remoteTag, st)
		return false
	}
}

func (s *Session) handleChannelError(v StatusError) bool {
	if errors.Is(v.Err, ErrAborted) {
		return true
	}

	switch v.Stage {
	case StageDNS:
		s.logger.Debugf("session %s: DNS resolution failed: %v", s.remoteTag, v.Err)
		return s.sendFinalReplyAndClose(ReplyHostUnreachable)
	case StageConnect:
		s.logger.Debugf("session %s: connect failed: %v", s.remoteTag, v.Err)
		return s.sendFinalReplyAndClose(mapConnectError(v.Err))
	case StageRead, StageWrite:
		s.logger.Debugf("session %s: relay %s error: %v", s.remoteTag, v.Stage, v.Err)
		s.cancel()
		return false
	default:
		s.cancel()
		return false
	}
}

func mapConnectError(err error) byte {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "refused"):
		return ReplyConnectionRefused
	case strings.Contains(msg, "network is unreachable"):
		return ReplyNetworkUnreachable
	default:
		return ReplyHostUnreachable
	}
}

func (s *Session) handleChannelConnected(v StatusConnected) bool {
	reply := byte(ReplySucceeded)
	if v.Local == nil {
		// Local-endpoint lookup failure: EncodeCommandResponse substitutes
		// the zero address and the reply is GENERAL_FAILURE (§4.3 step 3, §7).
		s.logger.Errorf("session %s: outbound socket has no local TCP endpoint", s.remoteTag)
		reply = ReplyGeneralFailure
	} else if _, err := addressTypeFor(v.Local.IP); err != nil {
		s.logger.Errorf("session %s: failed to encode bound endpoint: %v", s.remoteTag, err)
		reply = ReplyGeneralFailure
	}
	resp, err := EncodeCommandResponse(Version5, reply, v.Local)
	if err != nil {
		// Local-endpoint lookup failure: fall back to the zero address
		// and GENERAL_FAILURE (§4.3 step 3, §7).
		s.logger.Errorf("session %s: failed to encode bound endpoint: %v", s.remoteTag, err)
		resp, _ = EncodeCommandResponse(Version5, ReplyGeneralFailure, nil)
	}

	s.writeBuf = append(s.writeBuf[:0], resp...)
	s.writeState = stateSendingCommandResponse
	s.closeAfterCurrent = false
	s.scheduleClientWrite()
	return true
}

func (s *Session) onCommandResponseSent() bool {
	if s.closeAfterCurrent {
		return false
	}
	s.readState = stateProxyRead
	s.writeState = stateProxyWrite
	s.channel.Read(relayBufferSize)
	s.scheduleClientReadSome(relayBufferSize)
	return true
}

// handleChannelRead implements the outbound->client half of the relay:
// copy bytes into write_buf and schedule the client write (§4.3).
func (s *Session) handleChannelRead(v StatusRead) bool {
	s.writeBuf = append(s.writeBuf[:0], v.Data...)
	s.scheduleClientWrite()
	return true
}

// onProxyWriteSent fires when the client write carrying outbound data has
// drained; pull the next batch from the channel (§4.3 back-pressure).
func (s *Session) onProxyWriteSent() bool {
	s.channel.Read(relayBufferSize)
	return true
}

// onProxyRead implements the client->outbound half: forward what we read
// from the client to the channel's Write.
func (s *Session) onProxyRead(n int) bool {
	if n == 0 {
		s.cancel()
		return false
	}
	buf := make([]byte, n)
	copy(buf, s.readBuf[:n])
	s.channel.Write(buf)
	return true
}

// handleChannelWriteDone fires when the channel has finished writing the
// bytes we forwarded from the client; issue the next client read_some.
func (s *Session) handleChannelWriteDone() bool {
	s.scheduleClientReadSome(relayBufferSize)
	return true
}

// ---- shared helpers ------------------------------------------------------------

// sendFinalReplyAndClose writes a command response carrying reply and
// closes the session once the write completes.
func (s *Session) sendFinalReplyAndClose(reply byte) bool {
	resp, err := EncodeCommandResponse(Version5, reply, nil)
	if err != nil {
		s.logger.Errorf("session %s: failed to encode final reply: %v", s.remoteTag, err)
		return false
	}
	s.writeBuf = append(s.writeBuf[:0], resp...)
	s.writeState = stateSendingCommandResponse
	s.closeAfterCurrent = true
	s.scheduleClientWrite()
	return true
}
