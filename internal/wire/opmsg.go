package wire

import (
	"encoding/binary"
	"hash/crc32"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/monoerr"
)

const (
	flagChecksumPresent uint32 = 1 << 0
	flagMoreToCome      uint32 = 1 << 1
	flagRequiredMask    uint32 = 0x0000ffff
	flagRecognizedLow   uint32 = flagChecksumPresent | flagMoreToCome
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// OpMsgMessage is a decoded OP_MSG body: the flag bits plus every section's
// documents, with kind-1 (documentSequence) sections folded into a single
// command document the way a real mongod merges them — each identifier
// becomes an array field on the body document.
type OpMsgMessage struct {
	FlagBits        uint32
	ChecksumPresent bool
	MoreToCome      bool
	Command         bson.D
}

// DecodeOpMsg parses an OP_MSG body. full is the complete raw message
// (header included) so the checksum, if present, can be verified over the
// true preceding bytes; body is full[headerSize:].
func DecodeOpMsg(full []byte) (OpMsgMessage, error) {
	body := full[headerSize:]
	if len(body) < 4 {
		return OpMsgMessage{}, monoerr.New(monoerr.ProtocolError, "OP_MSG body too short")
	}
	flagBits := binary.LittleEndian.Uint32(body[0:4])
	low := flagBits & flagRequiredMask
	if low&^flagRecognizedLow != 0 {
		return OpMsgMessage{}, monoerr.New(monoerr.ProtocolError, "unsupported required OP_MSG flag bit")
	}
	checksumPresent := flagBits&flagChecksumPresent != 0

	end := len(body)
	if checksumPresent {
		if end < 4 {
			return OpMsgMessage{}, monoerr.New(monoerr.ProtocolError, "OP_MSG checksum flag set but message too short")
		}
		end -= 4
		want := binary.LittleEndian.Uint32(body[end:])
		got := crc32.Checksum(full[:len(full)-4], castagnoli)
		if want != got {
			return OpMsgMessage{}, monoerr.New(monoerr.ChecksumMismatch, "OP_MSG checksum mismatch")
		}
	}

	var command bson.D
	var sequences []struct {
		identifier string
		docs       bson.A
	}

	pos := 4
	for pos < end {
		kind := body[pos]
		pos++
		switch kind {
		case 0:
			doc, n, err := readDoc(body, pos)
			if err != nil {
				return OpMsgMessage{}, err
			}
			if command == nil {
				command = doc
			}
			pos += n
		case 1:
			if pos+4 > end {
				return OpMsgMessage{}, monoerr.New(monoerr.ProtocolError, "OP_MSG section 1 truncated")
			}
			seqLen := int(binary.LittleEndian.Uint32(body[pos : pos+4]))
			sectionEnd := pos + seqLen
			if seqLen < 4 || sectionEnd > end {
				return OpMsgMessage{}, monoerr.New(monoerr.ProtocolError, "OP_MSG section 1 length out of range")
			}
			cursor := pos + 4
			ident, n, err := readCString(body, cursor)
			if err != nil {
				return OpMsgMessage{}, err
			}
			if 4+n > seqLen {
				return OpMsgMessage{}, monoerr.New(monoerr.ProtocolError, "OP_MSG section 1 identifier exceeds seqLen")
			}
			cursor += n
			var docs bson.A
			for cursor < sectionEnd {
				doc, dn, err := readDoc(body, cursor)
				if err != nil {
					return OpMsgMessage{}, err
				}
				if cursor+dn > sectionEnd {
					return OpMsgMessage{}, monoerr.New(monoerr.ProtocolError, "OP_MSG section 1 document exceeds seqLen")
				}
				docs = append(docs, doc)
				cursor += dn
			}
			sequences = append(sequences, struct {
				identifier string
				docs       bson.A
			}{ident, docs})
			pos = sectionEnd
		default:
			return OpMsgMessage{}, monoerr.Newf(monoerr.ProtocolError, "unsupported OP_MSG section kind %d", kind)
		}
	}

	if command == nil {
		return OpMsgMessage{}, monoerr.New(monoerr.ProtocolError, "OP_MSG has no kind-0 body section")
	}
	for _, seq := range sequences {
		command = append(command, bson.E{Key: seq.identifier, Value: seq.docs})
	}

	return OpMsgMessage{FlagBits: flagBits, ChecksumPresent: checksumPresent, MoreToCome: flagBits&flagMoreToCome != 0, Command: command}, nil
}

func readDoc(body []byte, pos int) (bson.D, int, error) {
	if pos+4 > len(body) {
		return nil, 0, monoerr.New(monoerr.ProtocolError, "truncated BSON document length")
	}
	docLen := int(binary.LittleEndian.Uint32(body[pos : pos+4]))
	if docLen < 5 || pos+docLen > len(body) {
		return nil, 0, monoerr.New(monoerr.ProtocolError, "BSON document length out of range")
	}
	var doc bson.D
	if err := bson.Unmarshal(body[pos:pos+docLen], &doc); err != nil {
		return nil, 0, monoerr.Wrap(monoerr.ProtocolError, err, "decode BSON document")
	}
	return doc, docLen, nil
}

func readCString(body []byte, pos int) (string, int, error) {
	for i := pos; i < len(body); i++ {
		if body[i] == 0 {
			return string(body[pos:i]), i - pos + 1, nil
		}
	}
	return "", 0, monoerr.New(monoerr.ProtocolError, "unterminated cstring")
}

// EncodeOpMsgReply builds a single-section (kind 0) OP_MSG response.
func EncodeOpMsgReply(requestID, responseTo int32, doc bson.D) []byte {
	raw, _ := bson.Marshal(doc)
	body := make([]byte, 0, 5+len(raw))
	body = append(body, 0, 0, 0, 0) // flagBits, no checksum on responses
	body = append(body, 0)          // section kind 0
	body = append(body, raw...)
	return encodeMessage(requestID, responseTo, OpMsg, body)
}

func encodeMessage(requestID, responseTo, opCode int32, body []byte) []byte {
	header := MessageHeader{MessageLength: int32(headerSize + len(body)), RequestID: requestID, ResponseTo: responseTo, OpCode: opCode}
	return append(header.encode(), body...)
}
