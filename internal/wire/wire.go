// Package wire implements the binary datagram protocol spoken between
// accelerometer sensor nodes and the vibesense server.
//
// Five frame kinds are exchanged over UDP. Every frame starts with a
// two-byte header (frame type, protocol version) followed by a
// type-specific payload. All multi-byte fields are little-endian.
//
// FRAME LAYOUTS (after the 2-byte header):
//
//	HELLO    node->server  client_id(6) control_port(u16) sample_rate_hz(u16)
//	                       frame_samples(u16) name_len(u8)+name fw_len(u8)+fw
//	                       queue_overflow_drops(u32)
//	DATA     node->server  client_id(6) seq(u32) t0_us(u64) sample_count(u16)
//	                       sample_count x 3 x i16
//	CMD      server->node  client_id(6) cmd_id(u8) cmd_seq(u32) body...
//	ACK      node->server  client_id(6) cmd_seq(u32) status(u8)
//	DATA_ACK server->node  client_id(6) last_seq_received(u32)
//
// The byte layout is the compatibility surface with deployed node firmware:
// field order and widths must not change. There is no checksum field; frame
// integrity relies on the UDP checksum alone.
package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Frame type identifiers, one per message kind.
const (
	TypeHello   uint8 = 1 // node -> server registration / heartbeat
	TypeData    uint8 = 2 // node -> server sample batch
	TypeCmd     uint8 = 3 // server -> node command
	TypeAck     uint8 = 4 // node -> server command acknowledgement
	TypeDataAck uint8 = 5 // server -> node data acknowledgement
)

// ProtocolVersion is the wire protocol revision carried in every header.
// Nodes and server must agree; mismatched frames are rejected at decode.
const ProtocolVersion uint8 = 1

// Fixed field sizes in bytes.
const (
	HeaderSize   = 2 // type(1) + version(1)
	ClientIDSize = 6 // node hardware address

	helloFixedSize = HeaderSize + ClientIDSize + 2 + 2 + 2 + 1 + 1 + 4
	dataFixedSize  = HeaderSize + ClientIDSize + 4 + 8 + 2
	cmdFixedSize   = HeaderSize + ClientIDSize + 1 + 4
	ackSize        = HeaderSize + ClientIDSize + 4 + 1
	dataAckSize    = HeaderSize + ClientIDSize + 4

	bytesPerSample = 6 // 3 axes x i16

	// MaxDatagramSize bounds every encoded frame. Kept under the common
	// 1500-byte Ethernet MTU minus IP/UDP headers so frames never fragment.
	MaxDatagramSize = 1472

	// MaxDataSamples is the largest sample count a single DATA frame can
	// carry without exceeding MaxDatagramSize.
	MaxDataSamples = (MaxDatagramSize - dataFixedSize) / bytesPerSample

	// MaxNameLen bounds the HELLO display-name and firmware strings.
	MaxNameLen = 255
)

// ClientID is the 6-byte opaque node identifier, derived from the node's
// hardware address. Immutable once registered.
type ClientID [ClientIDSize]byte

// String renders the id in the usual colon-separated hex form.
func (id ClientID) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		hex.EncodeToString(id[0:1]), hex.EncodeToString(id[1:2]),
		hex.EncodeToString(id[2:3]), hex.EncodeToString(id[3:4]),
		hex.EncodeToString(id[4:5]), hex.EncodeToString(id[5:6]))
}

// IsZero reports whether the id is all zeroes (unset).
func (id ClientID) IsZero() bool { return id == ClientID{} }

// ParseClientID parses the colon-separated hex form produced by String.
func ParseClientID(s string) (ClientID, error) {
	var id ClientID
	parts := strings.Split(s, ":")
	if len(parts) != ClientIDSize {
		return id, fmt.Errorf("wire: client id %q: want %d hex octets", s, ClientIDSize)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return ClientID{}, fmt.Errorf("wire: client id %q: bad octet %q", s, p)
		}
		id[i] = b[0]
	}
	return id, nil
}

// DecodeError describes why a datagram could not be decoded. Callers count
// and drop frames that fail to decode; no partial state is ever applied.
type DecodeError struct {
	Type   uint8 // frame type from the header, 0 if the header itself is bad
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode frame type %d: %s", e.Type, e.Reason)
}

func decodeErr(frameType uint8, format string, args ...interface{}) error {
	return &DecodeError{Type: frameType, Reason: fmt.Sprintf(format, args...)}
}

// EncodeError describes why a frame could not be encoded. Encoding rejects
// oversized payloads outright rather than truncating them.
type EncodeError struct {
	Type   uint8
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("wire: encode frame type %d: %s", e.Type, e.Reason)
}

func encodeErr(frameType uint8, format string, args ...interface{}) error {
	return &EncodeError{Type: frameType, Reason: fmt.Sprintf(format, args...)}
}

// Sample is one tri-axis accelerometer reading in raw sensor counts.
type Sample struct {
	X, Y, Z int16
}

// Hello is the node registration / heartbeat frame. Sent on node startup
// and periodically thereafter.
type Hello struct {
	ClientID           ClientID
	ControlPort        uint16 // UDP port the node listens on for CMD frames
	SampleRateHz       uint16
	FrameSamples       uint16 // samples the node batches per DATA frame
	Name               string
	Firmware           string
	QueueOverflowDrops uint32 // frames the node dropped from its own send queue
}

// DataFrame is one batch of consecutive samples. Samples are evenly spaced
// at the node's sample rate starting at T0Micros.
type DataFrame struct {
	ClientID ClientID
	Seq      uint32
	T0Micros uint64
	Samples  []Sample
}

// Command is a server-to-node control frame. The body is command-specific
// and opaque to this package.
type Command struct {
	ClientID ClientID
	CmdID    uint8
	CmdSeq   uint32
	Body     []byte
}

// Well-known command identifiers.
const (
	CmdIdentify uint8 = 1 // blink the node LED; body = duration_ms (u16)
	CmdReboot   uint8 = 2 // reboot the node; empty body
)

// CommandAck is the node's response to a Command, matched by CmdSeq.
type CommandAck struct {
	ClientID ClientID
	CmdSeq   uint32
	Status   uint8 // 0 = ok, non-zero = node-specific failure code
}

// DataAck tells a node the highest DATA seq the server has received, so the
// node can retire frames from its retransmission queue. The seq is the
// highest received, contiguous or not; the server never retransmits.
type DataAck struct {
	ClientID ClientID
	LastSeq  uint32
}

// PeekType returns the frame type of an encoded datagram after validating
// the two-byte header, without decoding the payload.
func PeekType(buf []byte) (uint8, error) {
	if len(buf) < HeaderSize {
		return 0, decodeErr(0, "short header: %d bytes", len(buf))
	}
	t := buf[0]
	if t < TypeHello || t > TypeDataAck {
		return 0, decodeErr(t, "unknown frame type")
	}
	if buf[1] != ProtocolVersion {
		return 0, decodeErr(t, "protocol version mismatch: got %d want %d", buf[1], ProtocolVersion)
	}
	return t, nil
}

func putHeader(dst []byte, frameType uint8) {
	dst[0] = frameType
	dst[1] = ProtocolVersion
}

// checkHeader validates length, type and version for a frame of the given
// kind with at least min bytes.
func checkHeader(buf []byte, frameType uint8, min int) error {
	if len(buf) < min {
		return decodeErr(frameType, "short frame: %d bytes, need at least %d", len(buf), min)
	}
	if buf[0] != frameType {
		return decodeErr(frameType, "type mismatch: got %d", buf[0])
	}
	if buf[1] != ProtocolVersion {
		return decodeErr(frameType, "protocol version mismatch: got %d want %d", buf[1], ProtocolVersion)
	}
	return nil
}

// Encode serializes the HELLO frame.
func (h *Hello) Encode() ([]byte, error) {
	if len(h.Name) > MaxNameLen {
		return nil, encodeErr(TypeHello, "name too long: %d bytes", len(h.Name))
	}
	if len(h.Firmware) > MaxNameLen {
		return nil, encodeErr(TypeHello, "firmware string too long: %d bytes", len(h.Firmware))
	}
	size := helloFixedSize + len(h.Name) + len(h.Firmware)
	if size > MaxDatagramSize {
		return nil, encodeErr(TypeHello, "frame size %d exceeds %d", size, MaxDatagramSize)
	}
	buf := make([]byte, size)
	putHeader(buf, TypeHello)
	off := HeaderSize
	off += copy(buf[off:], h.ClientID[:])
	binary.LittleEndian.PutUint16(buf[off:], h.ControlPort)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], h.SampleRateHz)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], h.FrameSamples)
	off += 2
	buf[off] = uint8(len(h.Name))
	off++
	off += copy(buf[off:], h.Name)
	buf[off] = uint8(len(h.Firmware))
	off++
	off += copy(buf[off:], h.Firmware)
	binary.LittleEndian.PutUint32(buf[off:], h.QueueOverflowDrops)
	return buf, nil
}

// DecodeHello parses a HELLO frame.
func DecodeHello(buf []byte) (Hello, error) {
	var h Hello
	if err := checkHeader(buf, TypeHello, helloFixedSize); err != nil {
		return h, err
	}
	off := HeaderSize
	copy(h.ClientID[:], buf[off:off+ClientIDSize])
	off += ClientIDSize
	h.ControlPort = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.SampleRateHz = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.FrameSamples = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	nameLen := int(buf[off])
	off++
	if off+nameLen+1 > len(buf) {
		return Hello{}, decodeErr(TypeHello, "name length %d overruns frame", nameLen)
	}
	h.Name = string(buf[off : off+nameLen])
	off += nameLen
	fwLen := int(buf[off])
	off++
	if off+fwLen+4 > len(buf) {
		return Hello{}, decodeErr(TypeHello, "firmware length %d overruns frame", fwLen)
	}
	h.Firmware = string(buf[off : off+fwLen])
	off += fwLen
	h.QueueOverflowDrops = binary.LittleEndian.Uint32(buf[off:])
	return h, nil
}

// Encode serializes the DATA frame.
func (d *DataFrame) Encode() ([]byte, error) {
	if len(d.Samples) == 0 {
		return nil, encodeErr(TypeData, "empty sample batch")
	}
	if len(d.Samples) > MaxDataSamples {
		return nil, encodeErr(TypeData, "sample count %d exceeds %d", len(d.Samples), MaxDataSamples)
	}
	buf := make([]byte, dataFixedSize+len(d.Samples)*bytesPerSample)
	putHeader(buf, TypeData)
	off := HeaderSize
	off += copy(buf[off:], d.ClientID[:])
	binary.LittleEndian.PutUint32(buf[off:], d.Seq)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], d.T0Micros)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(d.Samples)))
	off += 2
	for _, s := range d.Samples {
		binary.LittleEndian.PutUint16(buf[off:], uint16(s.X))
		binary.LittleEndian.PutUint16(buf[off+2:], uint16(s.Y))
		binary.LittleEndian.PutUint16(buf[off+4:], uint16(s.Z))
		off += bytesPerSample
	}
	return buf, nil
}

// DecodeData parses a DATA frame. The sample count declared in the frame
// must exactly match the remaining payload length.
func DecodeData(buf []byte) (DataFrame, error) {
	var d DataFrame
	if err := checkHeader(buf, TypeData, dataFixedSize); err != nil {
		return d, err
	}
	off := HeaderSize
	copy(d.ClientID[:], buf[off:off+ClientIDSize])
	off += ClientIDSize
	d.Seq = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.T0Micros = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	count := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if count == 0 {
		return DataFrame{}, decodeErr(TypeData, "zero sample count")
	}
	if want := off + count*bytesPerSample; want != len(buf) {
		return DataFrame{}, decodeErr(TypeData, "sample count %d needs %d bytes, frame has %d", count, want, len(buf))
	}
	d.Samples = make([]Sample, count)
	for i := 0; i < count; i++ {
		d.Samples[i] = Sample{
			X: int16(binary.LittleEndian.Uint16(buf[off:])),
			Y: int16(binary.LittleEndian.Uint16(buf[off+2:])),
			Z: int16(binary.LittleEndian.Uint16(buf[off+4:])),
		}
		off += bytesPerSample
	}
	return d, nil
}

// Encode serializes the CMD frame.
func (c *Command) Encode() ([]byte, error) {
	size := cmdFixedSize + len(c.Body)
	if size > MaxDatagramSize {
		return nil, encodeErr(TypeCmd, "frame size %d exceeds %d", size, MaxDatagramSize)
	}
	buf := make([]byte, size)
	putHeader(buf, TypeCmd)
	off := HeaderSize
	off += copy(buf[off:], c.ClientID[:])
	buf[off] = c.CmdID
	off++
	binary.LittleEndian.PutUint32(buf[off:], c.CmdSeq)
	off += 4
	copy(buf[off:], c.Body)
	return buf, nil
}

// DecodeCommand parses a CMD frame. CMD frames are addressed: when want is
// non-zero the embedded client id must match, since a node must not act on
// a command meant for a different node.
func DecodeCommand(buf []byte, want ClientID) (Command, error) {
	var c Command
	if err := checkHeader(buf, TypeCmd, cmdFixedSize); err != nil {
		return c, err
	}
	off := HeaderSize
	copy(c.ClientID[:], buf[off:off+ClientIDSize])
	off += ClientIDSize
	if !want.IsZero() && c.ClientID != want {
		return Command{}, decodeErr(TypeCmd, "addressed to %s, not %s", c.ClientID, want)
	}
	c.CmdID = buf[off]
	off++
	c.CmdSeq = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if off < len(buf) {
		c.Body = append([]byte(nil), buf[off:]...)
	}
	return c, nil
}

// Encode serializes the ACK frame.
func (a *CommandAck) Encode() ([]byte, error) {
	buf := make([]byte, ackSize)
	putHeader(buf, TypeAck)
	off := HeaderSize
	off += copy(buf[off:], a.ClientID[:])
	binary.LittleEndian.PutUint32(buf[off:], a.CmdSeq)
	off += 4
	buf[off] = a.Status
	return buf, nil
}

// DecodeCommandAck parses an ACK frame.
func DecodeCommandAck(buf []byte) (CommandAck, error) {
	var a CommandAck
	if err := checkHeader(buf, TypeAck, ackSize); err != nil {
		return a, err
	}
	off := HeaderSize
	copy(a.ClientID[:], buf[off:off+ClientIDSize])
	off += ClientIDSize
	a.CmdSeq = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	a.Status = buf[off]
	return a, nil
}

// Encode serializes the DATA_ACK frame.
func (a *DataAck) Encode() ([]byte, error) {
	buf := make([]byte, dataAckSize)
	putHeader(buf, TypeDataAck)
	off := HeaderSize
	off += copy(buf[off:], a.ClientID[:])
	binary.LittleEndian.PutUint32(buf[off:], a.LastSeq)
	return buf, nil
}

// DecodeDataAck parses a DATA_ACK frame. Like CMD, DATA_ACK is addressed:
// a non-zero want enforces the client id match on the node side.
func DecodeDataAck(buf []byte, want ClientID) (DataAck, error) {
	var a DataAck
	if err := checkHeader(buf, TypeDataAck, dataAckSize); err != nil {
		return a, err
	}
	off := HeaderSize
	copy(a.ClientID[:], buf[off:off+ClientIDSize])
	off += ClientIDSize
	if !want.IsZero() && a.ClientID != want {
		return DataAck{}, decodeErr(TypeDataAck, "addressed to %s, not %s", a.ClientID, want)
	}
	a.LastSeq = binary.LittleEndian.Uint32(buf[off:])
	return a, nil
}

// SeqDelta returns the signed distance from seq a to seq b on the 32-bit
// sequence space. A positive result means b is ahead of a. Comparing via
// signed difference keeps counter rollover from looking like a
// multi-billion-frame gap.
func SeqDelta(a, b uint32) int32 {
	return int32(b - a)
}
