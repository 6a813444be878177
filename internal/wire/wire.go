// Package wire implements the on-the-wire framing contract from spec.md
// §6: the UDP media-stream datagram header and the TCP handshake/
// completion-marker sizes. It frames and parses exactly what the core
// needs to drive byte counting through the I/O pattern state machine; the
// jitter/framing codec beyond this header (sequence-gap classification,
// adaptive framing) is out of scope per spec.md §1 and is not implemented
// here (see SPEC_FULL.md §11).
package wire

import (
	"encoding/binary"
	"fmt"
)

// ConnectionIDLength is the fixed size of the opaque connection identifier
// exchanged once per connection (spec.md Glossary).
const ConnectionIDLength = 36

// CompletionMarkerLength is the size of the server->client sentinel
// signaling "server has finished sending everything it intends to send".
const CompletionMarkerLength = 4

// MaxDatagramSize bounds a single UDP media-stream datagram.
const MaxDatagramSize = 64_000

// UDP frame tags (spec.md §6).
const (
	FrameTagData         uint16 = 0x0000
	FrameTagConnectionID uint16 = 0x1000
)

// dataHeaderLength is the fixed portion of a data datagram before payload:
// 2-byte frame tag, 8-byte sequence number, 8-byte sender
// performance-counter reading, 8-byte sender performance-frequency reading.
const dataHeaderLength = 2 + 8 + 8 + 8

// connectionIDFrameLength is the frame tag plus the opaque identifier.
const connectionIDFrameLength = 2 + ConnectionIDLength

// StartVerb is the 5-byte ASCII control payload the client sends to
// request the server begin streaming.
const StartVerb = "START"

// DataFrame is a decoded UDP data datagram.
type DataFrame struct {
	Sequence      int64
	SenderCounter int64
	SenderFreq    int64
	Payload       []byte
}

// EncodeDataFrame writes a data datagram into dst, which must be at least
// dataHeaderLength+len(payload) bytes; the encoded frame itself may be no
// larger than MaxDatagramSize. It returns the number of bytes written.
func EncodeDataFrame(dst []byte, seq, counter, freq int64, payload []byte) (int, error) {
	total := dataHeaderLength + len(payload)
	if total > MaxDatagramSize {
		return 0, fmt.Errorf("wire: data frame of %d bytes exceeds max datagram size %d", total, MaxDatagramSize)
	}
	if len(dst) < total {
		return 0, fmt.Errorf("wire: destination buffer too small (%d < %d)", len(dst), total)
	}
	binary.LittleEndian.PutUint16(dst[0:2], FrameTagData)
	binary.LittleEndian.PutUint64(dst[2:10], uint64(seq))
	binary.LittleEndian.PutUint64(dst[10:18], uint64(counter))
	binary.LittleEndian.PutUint64(dst[18:26], uint64(freq))
	copy(dst[26:total], payload)
	return total, nil
}

// DecodeDataFrame parses a data datagram previously written by
// EncodeDataFrame. buf must have already been identified as a data frame
// via PeekFrameTag.
func DecodeDataFrame(buf []byte) (DataFrame, error) {
	if len(buf) < dataHeaderLength {
		return DataFrame{}, fmt.Errorf("wire: data frame too short (%d bytes)", len(buf))
	}
	tag := binary.LittleEndian.Uint16(buf[0:2])
	if tag != FrameTagData {
		return DataFrame{}, fmt.Errorf("wire: expected data frame tag, got 0x%04x", tag)
	}
	return DataFrame{
		Sequence:      int64(binary.LittleEndian.Uint64(buf[2:10])),
		SenderCounter: int64(binary.LittleEndian.Uint64(buf[10:18])),
		SenderFreq:    int64(binary.LittleEndian.Uint64(buf[18:26])),
		Payload:       buf[26:],
	}, nil
}

// EncodeConnectionIDFrame writes a connection-id datagram into dst, which
// must be at least connectionIDFrameLength bytes.
func EncodeConnectionIDFrame(dst []byte, id []byte) (int, error) {
	if len(id) != ConnectionIDLength {
		return 0, fmt.Errorf("wire: connection id must be %d bytes, got %d", ConnectionIDLength, len(id))
	}
	if len(dst) < connectionIDFrameLength {
		return 0, fmt.Errorf("wire: destination buffer too small (%d < %d)", len(dst), connectionIDFrameLength)
	}
	binary.LittleEndian.PutUint16(dst[0:2], FrameTagConnectionID)
	copy(dst[2:connectionIDFrameLength], id)
	return connectionIDFrameLength, nil
}

// DecodeConnectionIDFrame parses a connection-id datagram.
func DecodeConnectionIDFrame(buf []byte) ([]byte, error) {
	if len(buf) < connectionIDFrameLength {
		return nil, fmt.Errorf("wire: connection id frame too short (%d bytes)", len(buf))
	}
	tag := binary.LittleEndian.Uint16(buf[0:2])
	if tag != FrameTagConnectionID {
		return nil, fmt.Errorf("wire: expected connection-id frame tag, got 0x%04x", tag)
	}
	id := make([]byte, ConnectionIDLength)
	copy(id, buf[2:connectionIDFrameLength])
	return id, nil
}

// PeekFrameTag reads the 2-byte frame tag without consuming buf.
func PeekFrameTag(buf []byte) (uint16, error) {
	if len(buf) < 2 {
		return 0, fmt.Errorf("wire: datagram too short to carry a frame tag (%d bytes)", len(buf))
	}
	return binary.LittleEndian.Uint16(buf[0:2]), nil
}
