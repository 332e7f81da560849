// Package wire encodes and decodes the two SBE-framed control envelopes
// named in spec.md §6: ConsensusHeartbeat and Resend, each prefixed by a
// fixed-length MessageHeader.
//
// No SBE code generator or aeron-io/simple-binary-encoding binding appears
// anywhere in the retrieval pack this module was built from (see
// DESIGN.md), so this codec is hand-rolled on encoding/binary rather than
// grounded on a third-party library. Field layouts follow spec.md §6
// exactly, little-endian, matching SBE's default byte order.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderLength is the size in bytes of a MessageHeader: blockLength(2) +
// templateId(2) + schemaId(2) + version(2).
const HeaderLength = 8

// Template ids for the two control envelopes this module understands.
const (
	TemplateConsensusHeartbeat uint16 = 1
	TemplateResend             uint16 = 2
)

// SchemaID and SchemaVersion are stamped on every envelope this module
// writes. The decoders do not check them; only the template id is validated.
const (
	SchemaID      uint16 = 1
	SchemaVersion uint16 = 1
)

// MessageHeader is the fixed-length frame prefix every SBE message carries.
type MessageHeader struct {
	BlockLength uint16
	TemplateID  uint16
	SchemaID    uint16
	Version     uint16
}

// ErrShortBuffer is returned when a buffer is too small to hold the frame it
// claims to be.
var ErrShortBuffer = errors.New("wire: buffer too short")

// PeekTemplateID reads just the templateId field out of a message header
// without validating the rest of the frame. This is what lets the message
// filter (spec.md §4.C rule 4) recognize in-band heartbeat noise on the data
// stream without fully decoding it.
func PeekTemplateID(buf []byte) (uint16, error) {
	if len(buf) < HeaderLength {
		return 0, ErrShortBuffer
	}
	return binary.LittleEndian.Uint16(buf[2:4]), nil
}

func decodeHeader(buf []byte) (MessageHeader, error) {
	if len(buf) < HeaderLength {
		return MessageHeader{}, ErrShortBuffer
	}
	return MessageHeader{
		BlockLength: binary.LittleEndian.Uint16(buf[0:2]),
		TemplateID:  binary.LittleEndian.Uint16(buf[2:4]),
		SchemaID:    binary.LittleEndian.Uint16(buf[4:6]),
		Version:     binary.LittleEndian.Uint16(buf[6:8]),
	}, nil
}

func encodeHeader(buf []byte, templateID, blockLength uint16) {
	binary.LittleEndian.PutUint16(buf[0:2], blockLength)
	binary.LittleEndian.PutUint16(buf[2:4], templateID)
	binary.LittleEndian.PutUint16(buf[4:6], SchemaID)
	binary.LittleEndian.PutUint16(buf[6:8], SchemaVersion)
}

// ConsensusHeartbeat is the envelope described in spec.md §6: field order
// leaderShipTerm:i32, leaderSessionId:i32, position:i64, streamStartPosition:
// i64, streamPosition:i64.
type ConsensusHeartbeat struct {
	LeadershipTerm      int32
	LeaderSessionID     int32
	Position            int64
	StreamStartPosition int64
	StreamPosition      int64
}

const heartbeatBlockLength = 4 + 4 + 8 + 8 + 8

// EncodeConsensusHeartbeat returns a full wire frame (header + body) for hb.
func EncodeConsensusHeartbeat(hb ConsensusHeartbeat) []byte {
	buf := make([]byte, HeaderLength+heartbeatBlockLength)
	encodeHeader(buf, TemplateConsensusHeartbeat, heartbeatBlockLength)
	body := buf[HeaderLength:]
	binary.LittleEndian.PutUint32(body[0:4], uint32(hb.LeadershipTerm))
	binary.LittleEndian.PutUint32(body[4:8], uint32(hb.LeaderSessionID))
	binary.LittleEndian.PutUint64(body[8:16], uint64(hb.Position))
	binary.LittleEndian.PutUint64(body[16:24], uint64(hb.StreamStartPosition))
	binary.LittleEndian.PutUint64(body[24:32], uint64(hb.StreamPosition))
	return buf
}

// DecodeConsensusHeartbeat parses a full wire frame produced by
// EncodeConsensusHeartbeat, validating the template id.
func DecodeConsensusHeartbeat(buf []byte) (ConsensusHeartbeat, error) {
	hdr, err := decodeHeader(buf)
	if err != nil {
		return ConsensusHeartbeat{}, err
	}
	if hdr.TemplateID != TemplateConsensusHeartbeat {
		return ConsensusHeartbeat{}, errors.Errorf("wire: template id %d is not a consensus heartbeat", hdr.TemplateID)
	}
	body := buf[HeaderLength:]
	if len(body) < heartbeatBlockLength {
		return ConsensusHeartbeat{}, ErrShortBuffer
	}
	return ConsensusHeartbeat{
		LeadershipTerm:      int32(binary.LittleEndian.Uint32(body[0:4])),
		LeaderSessionID:     int32(binary.LittleEndian.Uint32(body[4:8])),
		Position:            int64(binary.LittleEndian.Uint64(body[8:16])),
		StreamStartPosition: int64(binary.LittleEndian.Uint64(body[16:24])),
		StreamPosition:      int64(binary.LittleEndian.Uint64(body[24:32])),
	}, nil
}

// Resend is the envelope described in spec.md §6: field order
// leaderSessionId:i32, leaderShipTerm:i32, startPosition:i64,
// streamStartPosition:i64, body:varData. The varData trailer is a 4-byte
// little-endian length prefix followed by that many raw bytes.
type Resend struct {
	LeaderSessionID     int32
	LeadershipTerm      int32
	StartPosition       int64
	StreamStartPosition int64
	Body                []byte
}

const resendBlockLength = 4 + 4 + 8 + 8

// EncodeResend returns a full wire frame (header + body + varData) for r.
func EncodeResend(r Resend) []byte {
	buf := make([]byte, HeaderLength+resendBlockLength+4+len(r.Body))
	encodeHeader(buf, TemplateResend, resendBlockLength)
	body := buf[HeaderLength:]
	binary.LittleEndian.PutUint32(body[0:4], uint32(r.LeaderSessionID))
	binary.LittleEndian.PutUint32(body[4:8], uint32(r.LeadershipTerm))
	binary.LittleEndian.PutUint64(body[8:16], uint64(r.StartPosition))
	binary.LittleEndian.PutUint64(body[16:24], uint64(r.StreamStartPosition))
	binary.LittleEndian.PutUint32(body[24:28], uint32(len(r.Body)))
	copy(body[28:], r.Body)
	return buf
}

// DecodeResend parses a full wire frame produced by EncodeResend, validating
// the template id.
func DecodeResend(buf []byte) (Resend, error) {
	hdr, err := decodeHeader(buf)
	if err != nil {
		return Resend{}, err
	}
	if hdr.TemplateID != TemplateResend {
		return Resend{}, errors.Errorf("wire: template id %d is not a resend", hdr.TemplateID)
	}
	body := buf[HeaderLength:]
	if len(body) < resendBlockLength+4 {
		return Resend{}, ErrShortBuffer
	}
	bodyLen := int(binary.LittleEndian.Uint32(body[24:28]))
	if len(body) < resendBlockLength+4+bodyLen {
		return Resend{}, ErrShortBuffer
	}
	r := Resend{
		LeaderSessionID:     int32(binary.LittleEndian.Uint32(body[0:4])),
		LeadershipTerm:      int32(binary.LittleEndian.Uint32(body[4:8])),
		StartPosition:       int64(binary.LittleEndian.Uint64(body[8:16])),
		StreamStartPosition: int64(binary.LittleEndian.Uint64(body[16:24])),
	}
	r.Body = make([]byte, bodyLen)
	copy(r.Body, body[resendBlockLength+4:resendBlockLength+4+bodyLen])
	return r, nil
}
