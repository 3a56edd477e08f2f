package socks

import "fmt"

// Username/password subnegotiation, RFC 1929. Only reachable when the
// session selected AuthUsernamePassword during method selection.
const usernamePasswordSubnegotiationVersion = 0x01

// ParseUsernamePasswordRequest decodes a full subnegotiation request from
// a buffer that must already contain it in its entirety. The session
// reads the version+ulen byte pair, then the username, then the plen byte,
// then the password across separate streaming reads before calling this
// once the whole request has
// landed in its buffer, each field length-prefixed the way the domain
// name address variant is.
func ParseUsernamePasswordRequest(buf []byte) (username, password string, err error) {
	if len(buf) < 2 {
		return "", "", ErrShort{Need: 2 - len(buf)}
	}
	if buf[0] != usernamePasswordSubnegotiationVersion {
		return "", "", fmt.Errorf("socks: unsupported subnegotiation version %d", buf[0])
	}
	ulen := int(buf[1])
	if len(buf) < 2+ulen+1 {
		return "", "", ErrShort{Need: 2 + ulen + 1 - len(buf)}
	}
	username = string(buf[2 : 2+ulen])
	plen := int(buf[2+ulen])
	total := 2 + ulen + 1 + plen
	if len(buf) < total {
		return "", "", ErrShort{Need: total - len(buf)}
	}
	password = string(buf[2+ulen+1 : total])
	return username, password, nil
}

// EncodeUsernamePasswordResponse builds the 2-byte subnegotiation reply;
// status 0x00 means success, any nonzero value means failure.
func EncodeUsernamePasswordResponse(status byte) []byte {
	return []byte{usernamePasswordSubnegotiationVersion, status}
}
