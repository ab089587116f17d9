package wire

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/monoerr"
	"github.com/arlobennett/monolite/internal/observability"
)

// Handler runs one command document against dbName and returns its
// response document. The caller (cmd/monolited) supplies this over
// Database.RunCommand plus whatever session resolution it wants from the
// command's "lsid" field; internal/wire stays ignorant of internal/database
// and internal/txn to avoid a needless import cycle at this layer.
type Handler func(ctx context.Context, dbName string, cmd bson.D) bson.D

var nextRequestID atomic.Int32

// ServeConn reads OP_MSG/OP_QUERY/OP_COMPRESSED messages from conn in a
// loop, dispatching each to handler, until the connection closes or a
// read error occurs.
func ServeConn(ctx context.Context, conn net.Conn, handler Handler, log *observability.Logger, metrics *observability.Metrics) {
	defer conn.Close()
	if metrics != nil {
		metrics.WireConnectionsOpen.Inc()
		defer metrics.WireConnectionsOpen.Dec()
	}
	wlog := log.WireLogger("serve")

	for {
		header, full, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				wlog.Debug("connection read error").Err(err).Send()
			}
			return
		}
		start := time.Now()
		respBytes, opName := dispatch(ctx, header, full, handler)
		if metrics != nil {
			metrics.RecordWireRequest(opcodeName(header.OpCode), opName, "ok", time.Since(start))
		}
		if respBytes == nil {
			continue
		}
		if _, err := conn.Write(respBytes); err != nil {
			wlog.Debug("connection write error").Err(err).Send()
			return
		}
	}
}

func opcodeName(opCode int32) string {
	switch opCode {
	case OpMsg:
		return "OP_MSG"
	case OpQuery:
		return "OP_QUERY"
	case OpCompressed:
		return "OP_COMPRESSED"
	case OpReply:
		return "OP_REPLY"
	default:
		return "unknown"
	}
}

func dispatch(ctx context.Context, header MessageHeader, full []byte, handler Handler) ([]byte, string) {
	requestID := nextRequestID.Add(1)

	switch header.OpCode {
	case OpMsg:
		msg, err := DecodeOpMsg(full)
		if err != nil {
			return EncodeOpMsgReply(requestID, header.RequestID, errReplyDoc(err)), "protocol_error"
		}
		dbName := stringField(msg.Command, "$db")
		resp := handler(ctx, dbName, msg.Command)
		if msg.MoreToCome {
			return nil, firstKey(msg.Command)
		}
		return EncodeOpMsgReply(requestID, header.RequestID, resp), firstKey(msg.Command)

	case OpQuery:
		q, err := DecodeOpQuery(full)
		if err != nil {
			return EncodeOpMsgReply(requestID, header.RequestID, errReplyDoc(err)), "protocol_error"
		}
		if !q.IsCmdNamespace() {
			return EncodeOpReply(requestID, header.RequestID, 0, 0, []bson.D{
				{{Key: "ok", Value: 0}, {Key: "errmsg", Value: "OP_QUERY is deprecated, use OP_MSG"}},
			}), "op_query_deprecated"
		}
		resp := handler(ctx, q.DatabaseName(), q.Query)
		return EncodeOpReply(requestID, header.RequestID, 0, 0, []bson.D{resp}), firstKey(q.Query)

	case OpCompressed:
		err := monoerr.New(monoerr.ProtocolError, "OP_COMPRESSED is not supported by this server")
		return EncodeOpMsgReply(requestID, header.RequestID, errReplyDoc(err)), "op_compressed_unsupported"

	default:
		err := monoerr.Newf(monoerr.ProtocolError, "unsupported opcode %d", header.OpCode)
		return EncodeOpMsgReply(requestID, header.RequestID, errReplyDoc(err)), "unsupported_opcode"
	}
}

func errReplyDoc(err error) bson.D {
	kind := monoerr.KindOf(err)
	return bson.D{
		{Key: "ok", Value: 0},
		{Key: "errmsg", Value: err.Error()},
		{Key: "code", Value: (&monoerr.Error{Kind: kind}).Code()},
		{Key: "codeName", Value: string(kind)},
	}
}

func stringField(doc bson.D, key string) string {
	for _, e := range doc {
		if e.Key == key {
			s, _ := e.Value.(string)
			return s
		}
	}
	return ""
}

func firstKey(doc bson.D) string {
	if len(doc) == 0 {
		return "unknown"
	}
	return doc[0].Key
}
