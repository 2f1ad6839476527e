// Package packet implements the sudp wire format.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// Protocol constants.
const (
	// Version is the wire format version carried in every packet.
	Version uint8 = 1

	// MaxPayloadSize is the largest payload a single UDP datagram can carry
	// over IPv4 (65535 - 8 byte UDP header - 20 byte IP header).
	MaxPayloadSize = 65507

	// fixedSize is the encoded size of a packet with no addresses and no
	// payload: magic(2) version(1) flag(1) seq(4) ts(8) srclen(1) srcport(2)
	// dstlen(1) dstport(2) paylen(4) crc(4).
	fixedSize = 30

	// MaxPacketSize is the largest possible encoded packet.
	MaxPacketSize = fixedSize + 16 + 16 + MaxPayloadSize
)

var magic = [2]byte{'S', 'U'}

var (
	// ErrMalformedPacket is returned when bytes do not form a valid packet.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrInvalidAddress is returned for unparsable or out of range endpoints.
	ErrInvalidAddress = errors.New("invalid address")
)

// Flag identifies the packet kind. Every packet carries exactly one.
type Flag uint8

const (
	FlagData         Flag = 1
	FlagAck          Flag = 2
	FlagHeartbeat    Flag = 3
	FlagHeartbeatAck Flag = 4
)

// String returns the wire name of the flag.
func (f Flag) String() string {
	switch f {
	case FlagData:
		return "DATA"
	case FlagAck:
		return "ACK"
	case FlagHeartbeat:
		return "HEARTBEAT"
	case FlagHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether f is one of the defined flags.
func (f Flag) Valid() bool {
	return f >= FlagData && f <= FlagHeartbeatAck
}

// Packet is a single tunnel message.
//
// Source and Dest are optional; the zero netip.AddrPort means absent.
// For ACK packets Sequence is the sequence being acknowledged. A
// HEARTBEAT_ACK echoes the Sequence and Timestamp of its HEARTBEAT.
//
// Timestamp travels as Unix nanoseconds with 0 reserved for the zero
// time.Time, so an instant of exactly the Unix epoch decodes as zero.
// IPv6 zones are not carried; endpoints decode without one.
type Packet struct {
	Sequence  uint32
	Flag      Flag
	Source    netip.AddrPort
	Dest      netip.AddrPort
	Payload   []byte
	Timestamp time.Time
}

// NewData creates a DATA packet. The sequence is assigned by the sender.
func NewData(seq uint32, payload []byte, src, dst netip.AddrPort, now time.Time) *Packet {
	return &Packet{Sequence: seq, Flag: FlagData, Source: src, Dest: dst, Payload: payload, Timestamp: now}
}

// NewAck creates an ACK for the given DATA packet.
func NewAck(data *Packet, now time.Time) *Packet {
	return &Packet{Sequence: data.Sequence, Flag: FlagAck, Source: data.Dest, Dest: data.Source, Timestamp: now}
}

// NewHeartbeat creates a HEARTBEAT packet.
func NewHeartbeat(seq uint32, now time.Time) *Packet {
	return &Packet{Sequence: seq, Flag: FlagHeartbeat, Timestamp: now}
}

// NewHeartbeatAck creates the reply to hb, echoing its sequence and timestamp.
func NewHeartbeatAck(hb *Packet) *Packet {
	return &Packet{Sequence: hb.Sequence, Flag: FlagHeartbeatAck, Timestamp: hb.Timestamp}
}

// Validate checks that p can be encoded.
func (p *Packet) Validate() error {
	if !p.Flag.Valid() {
		return fmt.Errorf("%w: unknown flag %d", ErrMalformedPacket, p.Flag)
	}
	if len(p.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Payload))
	}
	if err := validateEndpoint(p.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := validateEndpoint(p.Dest); err != nil {
		return fmt.Errorf("dest: %w", err)
	}
	return nil
}

func validateEndpoint(ep netip.AddrPort) error {
	if ep.Addr().IsValid() || ep.Port() == 0 {
		return nil
	}
	return fmt.Errorf("%w: port %d without address", ErrInvalidAddress, ep.Port())
}

// Size returns the encoded length of p.
func (p *Packet) Size() int {
	return fixedSize + addrLen(p.Source) + addrLen(p.Dest) + len(p.Payload)
}

// String returns a short description for logging.
func (p *Packet) String() string {
	return fmt.Sprintf("Packet{Flag=%s, Seq=%d, Src=%s, Dst=%s, PayloadLen=%d}",
		p.Flag, p.Sequence, endpointString(p.Source), endpointString(p.Dest), len(p.Payload))
}

func endpointString(ep netip.AddrPort) string {
	if !ep.Addr().IsValid() {
		return "-"
	}
	return ep.String()
}

// Encode serializes p. It only fails when p does not pass Validate.
func Encode(p *Packet) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, p.Size())
	buf = append(buf, magic[0], magic[1], Version, byte(p.Flag))
	buf = binary.BigEndian.AppendUint32(buf, p.Sequence)

	var ts int64
	if !p.Timestamp.IsZero() {
		ts = p.Timestamp.UnixNano()
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))

	buf = appendEndpoint(buf, p.Source)
	buf = appendEndpoint(buf, p.Dest)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Payload)))
	buf = append(buf, p.Payload...)

	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf)), nil
}

func addrLen(ep netip.AddrPort) int {
	a := ep.Addr()
	switch {
	case !a.IsValid():
		return 0
	case a.Is4():
		return 4
	default:
		return 16
	}
}

func appendEndpoint(buf []byte, ep netip.AddrPort) []byte {
	a := ep.Addr()
	switch {
	case !a.IsValid():
		buf = append(buf, 0)
	case a.Is4():
		b := a.As4()
		buf = append(buf, 4)
		buf = append(buf, b[:]...)
	default:
		b := a.As16()
		buf = append(buf, 16)
		buf = append(buf, b[:]...)
	}
	return binary.BigEndian.AppendUint16(buf, ep.Port())
}

// Decode parses a packet produced by Encode.
func Decode(b []byte) (*Packet, error) {
	if len(b) < fixedSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the minimum %d", ErrMalformedPacket, len(b), fixedSize)
	}
	if b[0] != magic[0] || b[1] != magic[1] {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedPacket)
	}
	if b[2] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedPacket, b[2])
	}

	body := b[:len(b)-4]
	want := binary.BigEndian.Uint32(b[len(b)-4:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrMalformedPacket)
	}

	p := &Packet{Flag: Flag(b[3])}
	if !p.Flag.Valid() {
		return nil, fmt.Errorf("%w: unknown flag %d", ErrMalformedPacket, b[3])
	}
	p.Sequence = binary.BigEndian.Uint32(b[4:8])
	if ts := int64(binary.BigEndian.Uint64(b[8:16])); ts != 0 {
		p.Timestamp = time.Unix(0, ts)
	}

	offset := 16
	var err error
	if p.Source, offset, err = readEndpoint(body, offset); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if p.Dest, offset, err = readEndpoint(body, offset); err != nil {
		return nil, fmt.Errorf("dest: %w", err)
	}

	if len(body) < offset+4 {
		return nil, fmt.Errorf("%w: truncated payload length", ErrMalformedPacket)
	}
	length := binary.BigEndian.Uint32(body[offset:])
	offset += 4
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrPayloadTooLarge, length)
	}
	if uint32(len(body)-offset) != length {
		return nil, fmt.Errorf("%w: payload length %d does not match %d remaining bytes",
			ErrMalformedPacket, length, len(body)-offset)
	}
	if length > 0 {
		p.Payload = make([]byte, length)
		copy(p.Payload, body[offset:])
	}

	return p, nil
}

func readEndpoint(b []byte, offset int) (netip.AddrPort, int, error) {
	if len(b) < offset+1 {
		return netip.AddrPort{}, offset, fmt.Errorf("%w: truncated address", ErrMalformedPacket)
	}
	n := int(b[offset])
	offset++
	if n != 0 && n != 4 && n != 16 {
		return netip.AddrPort{}, offset, fmt.Errorf("%w: address length %d", ErrInvalidAddress, n)
	}
	if len(b) < offset+n+2 {
		return netip.AddrPort{}, offset, fmt.Errorf("%w: truncated address", ErrMalformedPacket)
	}

	var addr netip.Addr
	switch n {
	case 4:
		addr = netip.AddrFrom4([4]byte(b[offset : offset+4]))
	case 16:
		addr = netip.AddrFrom16([16]byte(b[offset : offset+16]))
	}
	offset += n

	port := binary.BigEndian.Uint16(b[offset:])
	offset += 2

	if !addr.IsValid() {
		if port != 0 {
			return netip.AddrPort{}, offset, fmt.Errorf("%w: port %d without address", ErrInvalidAddress, port)
		}
		return netip.AddrPort{}, offset, nil
	}
	return netip.AddrPortFrom(addr, port), offset, nil
}

// ParseEndpoint parses "host:port" into an endpoint. Host must be an IP
// literal and port must be within 0-65535.
func ParseEndpoint(s string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("%w: %q: port out of range", ErrInvalidAddress, s)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
