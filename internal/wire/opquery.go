package wire

import (
	"encoding/binary"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/monoerr"
)

// OpQueryMessage is a decoded legacy OP_QUERY body, supported only against
// "<db>.$cmd" for hello-style handshakes.
type OpQueryMessage struct {
	Flags              int32
	FullCollectionName string
	NumberToSkip       int32
	NumberToReturn     int32
	Query              bson.D
}

// IsCmdNamespace reports whether FullCollectionName ends in ".$cmd".
func (m OpQueryMessage) IsCmdNamespace() bool {
	return strings.HasSuffix(m.FullCollectionName, ".$cmd")
}

// DatabaseName returns the db part of FullCollectionName.
func (m OpQueryMessage) DatabaseName() string {
	if i := strings.Index(m.FullCollectionName, "."); i >= 0 {
		return m.FullCollectionName[:i]
	}
	return m.FullCollectionName
}

// DecodeOpQuery parses an OP_QUERY body (full[headerSize:]).
func DecodeOpQuery(full []byte) (OpQueryMessage, error) {
	body := full[headerSize:]
	if len(body) < 4 {
		return OpQueryMessage{}, monoerr.New(monoerr.ProtocolError, "OP_QUERY body too short")
	}
	flags := int32(binary.LittleEndian.Uint32(body[0:4]))
	name, n, err := readCString(body, 4)
	if err != nil {
		return OpQueryMessage{}, err
	}
	pos := 4 + n
	if pos+8 > len(body) {
		return OpQueryMessage{}, monoerr.New(monoerr.ProtocolError, "OP_QUERY body too short for skip/return")
	}
	skip := int32(binary.LittleEndian.Uint32(body[pos : pos+4]))
	numberToReturn := int32(binary.LittleEndian.Uint32(body[pos+4 : pos+8]))
	pos += 8
	var query bson.D
	if pos < len(body) {
		doc, _, err := readDoc(body, pos)
		if err != nil {
			return OpQueryMessage{}, err
		}
		query = doc
	}
	return OpQueryMessage{Flags: flags, FullCollectionName: name, NumberToSkip: skip, NumberToReturn: numberToReturn, Query: query}, nil
}

// EncodeOpReply builds an OP_REPLY containing exactly the given documents.
func EncodeOpReply(requestID, responseTo int32, cursorID int64, startingFrom int32, docs []bson.D) []byte {
	body := make([]byte, 20)
	binary.LittleEndian.PutUint32(body[0:4], 0) // responseFlags
	binary.LittleEndian.PutUint64(body[4:12], uint64(cursorID))
	binary.LittleEndian.PutUint32(body[12:16], uint32(startingFrom))
	binary.LittleEndian.PutUint32(body[16:20], uint32(len(docs)))
	for _, d := range docs {
		raw, _ := bson.Marshal(d)
		body = append(body, raw...)
	}
	return encodeMessage(requestID, responseTo, OpReply, body)
}
