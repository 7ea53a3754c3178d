package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"
)

// requestIDCounter is the process-wide monotonic counter the server uses to
// stamp its own outgoing requestIDs (spec.md §4.1: "The server assigns a
// fresh monotonic request_id to replies").
var requestIDCounter int64

// NextRequestID returns a fresh, monotonically increasing request id.
func NextRequestID() int32 {
	return int32(atomic.AddInt64(&requestIDCounter, 1))
}

// WriteReply encodes and writes a reply to a decoded request, matching its
// original opcode family (OP_MSG vs legacy OP_REPLY) and mirroring its
// compression, if any.
func WriteReply(w io.Writer, req *Message, doc interface{}) error {
	docBytes, err := bson.Marshal(doc)
	if err != nil {
		return err
	}

	var body []byte
	var opcode Opcode
	if req.ReplyOpMsg {
		opcode = OpMsg
		body = make([]byte, 0, 5+len(docBytes))
		body = append(body, 0, 0, 0, 0) // flags = 0
		body = append(body, 0)          // section kind 0
		body = append(body, docBytes...)
	} else {
		opcode = OpReply
		var buf bytes.Buffer
		var hdr [20]byte
		binary.LittleEndian.PutUint32(hdr[0:4], 0)  // responseFlags
		binary.LittleEndian.PutUint64(hdr[4:12], 0) // cursorID
		binary.LittleEndian.PutUint32(hdr[12:16], 0) // startingFrom
		binary.LittleEndian.PutUint32(hdr[16:20], 1) // numberReturned
		buf.Write(hdr[:])
		buf.Write(docBytes)
		body = buf.Bytes()
	}

	if req.Compressed {
		compressed, err := Compress(req.CompressorID, body)
		if err != nil {
			return err
		}
		envelope := make([]byte, 0, 9+len(compressed))
		var opBuf [4]byte
		binary.LittleEndian.PutUint32(opBuf[:], uint32(opcode))
		envelope = append(envelope, opBuf[:]...)
		var sizeBuf [4]byte
		binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(body)))
		envelope = append(envelope, sizeBuf[:]...)
		envelope = append(envelope, byte(req.CompressorID))
		envelope = append(envelope, compressed...)
		body = envelope
		opcode = OpCompressed
	}

	total := headerSize + len(body)
	out := make([]byte, total)
	WriteHeader(out, Header{
		MessageLength: int32(total),
		RequestID:     NextRequestID(),
		ResponseTo:    req.Header.RequestID,
		Opcode:        opcode,
	})
	copy(out[headerSize:], body)

	_, err = w.Write(out)
	return err
}
