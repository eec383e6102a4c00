// Package protocol implements the SOCKS4/4A request/reply wire codec.
//
// See https://www.openssh.com/txt/socks4.protocol and
// https://www.openssh.com/txt/socks4a.protocol.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Variant distinguishes a plain SOCKS4 request (literal IPv4) from a
// SOCKS4A request (hostname follows the userid).
type Variant int

const (
	Socks4 Variant = iota
	Socks4a
)

func (v Variant) String() string {
	if v == Socks4a {
		return "socks4a"
	}
	return "socks4"
}

const (
	versionSocks4  = 4
	commandConnect = 1

	replyVersion = 0x00
	replyGranted = 0x5A

	// minHeaderLen is VN+CD+DSTPORT+DSTIP (8 bytes) plus the NUL that
	// terminates an empty USERID.
	minHeaderLen = 9

	// MaxHostnameLen bounds a SOCKS4A DOMAIN field; longer is Invalid.
	MaxHostnameLen = 255
)

// Request is the parsed form of a SOCKS4/4A CONNECT header. Userid is
// discarded per the protocol (it carries no authentication semantics here).
type Request struct {
	Version  byte
	Command  byte
	DstPort  uint16
	DstIP    [4]byte
	Variant  Variant
	Hostname string // only set when Variant == Socks4a
}

// Status classifies the outcome of Decode.
type Status int

const (
	// Incomplete means not enough bytes have arrived yet; the caller must
	// retain the buffer unmodified and retry after the next read.
	Incomplete Status = iota
	// Invalid means the bytes form a definitive protocol violation; the
	// caller must close the inbound stream.
	Invalid
	// Ok means a complete, well-formed request was decoded.
	Ok
)

// Reason is a fixed set of machine-readable Invalid causes, suitable for
// use as a low-cardinality metrics label (unlike the free-form message
// in Error.Error()).
type Reason string

const (
	ReasonBadVersion        Reason = "bad_version"
	ReasonBadCommand        Reason = "bad_command"
	ReasonEmptyHostname     Reason = "empty_hostname"
	ReasonOversizedHostname Reason = "oversized_hostname"
)

// Error wraps an Invalid classification with a machine-readable Reason
// and a human-readable message.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string { return e.Message }

// Decode attempts to parse one SOCKS4/4A request from the front of buf.
// It never reads past consumed; on Ok, the caller advances its read
// buffer by consumed bytes. On Incomplete, consumed is always 0.
func Decode(buf []byte) (req Request, consumed int, status Status, err error) {
	if len(buf) < minHeaderLen {
		return Request{}, 0, Incomplete, nil
	}

	// The NUL terminator of USERID is searched starting at offset 8 (the
	// first byte after the fixed VN/CD/DSTPORT/DSTIP header).
	p1 := bytes.IndexByte(buf[8:], 0)
	if p1 < 0 {
		return Request{}, 0, Incomplete, nil
	}
	p1 += 8

	version := buf[0]
	command := buf[1]
	dstPort := binary.BigEndian.Uint16(buf[2:4])
	var dstIP [4]byte
	copy(dstIP[:], buf[4:8])

	if version != versionSocks4 {
		return Request{}, 0, Invalid, &Error{Reason: ReasonBadVersion, Message: fmt.Sprintf("bad version: %d", version)}
	}
	if command != commandConnect {
		return Request{}, 0, Invalid, &Error{Reason: ReasonBadCommand, Message: fmt.Sprintf("bad command: %d", command)}
	}

	variant := classify(dstIP)

	req = Request{
		Version: version,
		Command: command,
		DstPort: dstPort,
		DstIP:   dstIP,
		Variant: variant,
	}

	if variant == Socks4 {
		return req, p1 + 1, Ok, nil
	}

	// Socks4a: a second NUL-terminated string (the hostname) follows.
	p2 := bytes.IndexByte(buf[p1+1:], 0)
	if p2 < 0 {
		return Request{}, 0, Incomplete, nil
	}
	p2 += p1 + 1

	hostname := buf[p1+1 : p2]
	if len(hostname) == 0 {
		return Request{}, 0, Invalid, &Error{Reason: ReasonEmptyHostname, Message: "empty socks4a hostname"}
	}
	if len(hostname) > MaxHostnameLen {
		return Request{}, 0, Invalid, &Error{Reason: ReasonOversizedHostname, Message: "socks4a hostname too long"}
	}

	req.Hostname = string(hostname)
	return req, p2 + 1, Ok, nil
}

// classify implements the 0.0.0.X (X != 0) SOCKS4A convention: the dotted
// form's top three octets are zero and the low octet is nonzero.
func classify(ip [4]byte) Variant {
	if ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0 {
		return Socks4a
	}
	return Socks4
}

// EncodeGranted writes the 8-byte "request granted" reply for req: reply
// version 0x00, status 0x5A, followed by DSTPORT and DSTIP echoed back.
func EncodeGranted(req Request) [8]byte {
	var resp [8]byte
	resp[0] = replyVersion
	resp[1] = replyGranted
	binary.BigEndian.PutUint16(resp[2:4], req.DstPort)
	copy(resp[4:8], req.DstIP[:])
	return resp
}
