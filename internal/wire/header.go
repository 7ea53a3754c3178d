// Package wire frames and parses the MongoDB wire protocol: OP_MSG,
// OP_QUERY, and the OP_COMPRESSED envelope, plus their reply counterparts.
// Message header layout and opcode numbering follow
// other_examples/357ffc91_achilleasa-mongolite__protocol-request.go.go.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies the kind of wire message.
type Opcode int32

const (
	OpReply      Opcode = 1
	OpQuery      Opcode = 2004
	OpGetMore    Opcode = 2005
	OpMsg        Opcode = 2013
	OpCompressed Opcode = 2012
)

// headerSize is the fixed size, in bytes, of every wire message's header.
const headerSize = 16

// Header is the 16-byte preamble common to every wire message.
type Header struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32 // the RequestID of the request this message replies to
	Opcode        Opcode
}

// PayloadLength returns the number of bytes following the header.
func (h Header) PayloadLength() int {
	return int(h.MessageLength) - headerSize
}

// ReadHeader reads and validates the 16-byte header. Per spec.md §4.1's
// framing contract, a message_length below the header size or of a clearly
// bogus magnitude is treated as a fatal framing error — the caller should
// close the connection.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		MessageLength: int32(binary.LittleEndian.Uint32(buf[0:4])),
		RequestID:     int32(binary.LittleEndian.Uint32(buf[4:8])),
		ResponseTo:    int32(binary.LittleEndian.Uint32(buf[8:12])),
		Opcode:        Opcode(binary.LittleEndian.Uint32(buf[12:16])),
	}
	if h.MessageLength < headerSize {
		return Header{}, fmt.Errorf("wire: invalid message_length %d", h.MessageLength)
	}
	// A generous sanity ceiling (spec.md's max message size is 48MB);
	// anything larger is almost certainly a desynced stream.
	const maxMessage = 64 * 1024 * 1024
	if h.MessageLength > maxMessage {
		return Header{}, fmt.Errorf("wire: message_length %d exceeds limit", h.MessageLength)
	}
	return h, nil
}

// WriteHeader serializes a header to buf[0:16].
func WriteHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.MessageLength))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.RequestID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.ResponseTo))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Opcode))
}
