package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
)

// Message is a fully decoded client request: the merged command document
// plus enough framing metadata to shape the reply the same way the request
// arrived (OP_MSG vs OP_REPLY, compressed vs not).
type Message struct {
	Header       Header
	Command      bson.D
	DB           string
	ReplyOpMsg   bool         // true: reply with OP_MSG; false: OP_REPLY (legacy OP_QUERY client)
	CompressorID CompressorID // compressor the request used; mirrored on the reply
	Compressed   bool
}

// ReadMessage frames and decodes one client request off r.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, h.PayloadLength())
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: truncated message body: %w", err)
	}

	opcode := h.Opcode
	compressorID := CompressorNoop
	compressed := false

	if opcode == OpCompressed {
		if len(payload) < 9 {
			return nil, fmt.Errorf("wire: truncated OP_COMPRESSED envelope")
		}
		innerOpcode := Opcode(int32(binary.LittleEndian.Uint32(payload[0:4])))
		uncompressedSize := int32(binary.LittleEndian.Uint32(payload[4:8]))
		cid := CompressorID(payload[8])
		body, err := Decompress(cid, payload[9:], uncompressedSize)
		if err != nil {
			return nil, err
		}
		payload = body
		opcode = innerOpcode
		compressorID = cid
		compressed = true
	}

	msg := &Message{Header: h, CompressorID: compressorID, Compressed: compressed}

	switch opcode {
	case OpMsg:
		cmd, err := decodeOpMsg(payload)
		if err != nil {
			return nil, err
		}
		msg.Command = cmd
		msg.ReplyOpMsg = true
	case OpQuery:
		cmd, db, err := decodeOpQuery(payload)
		if err != nil {
			return nil, err
		}
		msg.Command = cmd
		msg.DB = db
		msg.ReplyOpMsg = false
	default:
		return nil, fmt.Errorf("wire: unsupported opcode %d", opcode)
	}

	if msg.DB == "" {
		if v, ok := docField(msg.Command, "$db"); ok {
			if s, ok := v.(string); ok {
				msg.DB = s
			}
		}
	}
	return msg, nil
}

func docField(d bson.D, key string) (interface{}, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func setDocField(d bson.D, key string, value interface{}) bson.D {
	for i, e := range d {
		if e.Key == key {
			d[i].Value = value
			return d
		}
	}
	return append(d, bson.E{Key: key, Value: value})
}

// decodeOpMsg parses the flags + section stream of an OP_MSG payload.
// Section 0 is the command document; section 1 entries are merged into the
// command document under their identifier (e.g. "documents", "updates").
func decodeOpMsg(payload []byte) (bson.D, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("wire: truncated OP_MSG flags")
	}
	flags := binary.LittleEndian.Uint32(payload[0:4])
	const checksumPresent = 1 << 0
	body := payload[4:]
	if flags&checksumPresent != 0 {
		if len(body) < 4 {
			return nil, fmt.Errorf("wire: truncated OP_MSG checksum")
		}
		body = body[:len(body)-4]
	}

	var command bson.D
	haveCommand := false
	sectionArrays := map[string]bson.A{}
	var sectionOrder []string

	for len(body) > 0 {
		kind := body[0]
		body = body[1:]
		switch kind {
		case 0:
			doc, rest, err := readDocument(body)
			if err != nil {
				return nil, err
			}
			if err := bson.Unmarshal(doc, &command); err != nil {
				return nil, fmt.Errorf("wire: decode section 0: %w", err)
			}
			haveCommand = true
			body = rest
		case 1:
			if len(body) < 4 {
				return nil, fmt.Errorf("wire: truncated OP_MSG section 1")
			}
			size := int32(binary.LittleEndian.Uint32(body[0:4]))
			if int(size) > len(body) || size < 4 {
				return nil, fmt.Errorf("wire: invalid OP_MSG section 1 size")
			}
			section := body[4:size]
			rest := body[size:]

			ident, after, err := readCString(section)
			if err != nil {
				return nil, err
			}
			var docs bson.A
			for len(after) > 0 {
				doc, tail, err := readDocument(after)
				if err != nil {
					return nil, err
				}
				var m bson.D
				if err := bson.Unmarshal(doc, &m); err != nil {
					return nil, fmt.Errorf("wire: decode section 1 doc: %w", err)
				}
				docs = append(docs, m)
				after = tail
			}
			if _, ok := sectionArrays[ident]; !ok {
				sectionOrder = append(sectionOrder, ident)
			}
			sectionArrays[ident] = append(sectionArrays[ident], docs...)
			body = rest
		default:
			return nil, fmt.Errorf("wire: unknown OP_MSG section kind %d", kind)
		}
	}

	if !haveCommand {
		return nil, fmt.Errorf("wire: OP_MSG missing section 0")
	}
	for _, ident := range sectionOrder {
		command = setDocField(command, ident, sectionArrays[ident])
	}
	return command, nil
}

// decodeOpQuery parses a legacy OP_QUERY payload, used only by ancient
// clients issuing isMaster-style handshakes against <db>.$cmd.
func decodeOpQuery(payload []byte) (bson.D, string, error) {
	if len(payload) < 4 {
		return nil, "", fmt.Errorf("wire: truncated OP_QUERY flags")
	}
	body := payload[4:]
	fullName, rest, err := readCString(body)
	if err != nil {
		return nil, "", err
	}
	if len(rest) < 8 {
		return nil, "", fmt.Errorf("wire: truncated OP_QUERY skip/return")
	}
	rest = rest[8:] // numberToSkip, numberToReturn
	doc, _, err := readDocument(rest)
	if err != nil {
		return nil, "", err
	}
	var command bson.D
	if err := bson.Unmarshal(doc, &command); err != nil {
		return nil, "", fmt.Errorf("wire: decode OP_QUERY doc: %w", err)
	}

	db := fullName
	for i := 0; i < len(fullName); i++ {
		if fullName[i] == '.' {
			db = fullName[:i]
			break
		}
	}
	return command, db, nil
}

func readCString(b []byte) (string, []byte, error) {
	idx := bytes.IndexByte(b, 0)
	if idx < 0 {
		return "", nil, fmt.Errorf("wire: unterminated C string")
	}
	return string(b[:idx]), b[idx+1:], nil
}

// readDocument reads one length-prefixed BSON document off b, returning the
// raw document bytes and the remaining buffer.
func readDocument(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("wire: truncated BSON document length")
	}
	size := int32(binary.LittleEndian.Uint32(b[0:4]))
	if size < 5 || int(size) > len(b) {
		return nil, nil, fmt.Errorf("wire: invalid BSON document length %d", size)
	}
	return b[:size], b[size:], nil
}
