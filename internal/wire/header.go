// Package wire implements MongoDB wire protocol framing: OP_MSG with
// section kinds 0/1 and an optional CRC32C checksum, a legacy
// OP_QUERY/OP_REPLY hello handshake, and a structured-error response for
// OP_COMPRESSED.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/arlobennett/monolite/internal/monoerr"
)

const (
	OpReply      = 1
	OpQuery      = 2004
	OpCompressed = 2012
	OpMsg        = 2013

	headerSize = 16
)

// MessageHeader is the 16-byte standard wire protocol header shared by
// every opcode.
type MessageHeader struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        int32
}

func decodeHeader(b []byte) MessageHeader {
	return MessageHeader{
		MessageLength: int32(binary.LittleEndian.Uint32(b[0:4])),
		RequestID:     int32(binary.LittleEndian.Uint32(b[4:8])),
		ResponseTo:    int32(binary.LittleEndian.Uint32(b[8:12])),
		OpCode:        int32(binary.LittleEndian.Uint32(b[12:16])),
	}
}

func (h MessageHeader) encode() []byte {
	b := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.MessageLength))
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.RequestID))
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.ResponseTo))
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.OpCode))
	return b
}

// ReadMessage reads one full wire message from r, returning its header
// and the complete raw bytes (header included) for checksum verification.
func ReadMessage(r io.Reader) (MessageHeader, []byte, error) {
	headerBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return MessageHeader{}, nil, err
	}
	header := decodeHeader(headerBuf)
	if header.MessageLength < headerSize {
		return header, nil, monoerr.New(monoerr.ProtocolError, "message length smaller than header")
	}
	bodyLen := int(header.MessageLength) - headerSize
	full := make([]byte, headerSize+bodyLen)
	copy(full, headerBuf)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, full[headerSize:]); err != nil {
			return header, nil, err
		}
	}
	return header, full, nil
}
