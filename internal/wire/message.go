// Package wire implements the 3PC message codec: framing and encoding of
// the Request/Ack/Abort/Query/Report messages exchanged between the
// Primary and Secondary ECUs over a reliable byte stream.
package wire

import "github.com/otamesh/atomic/internal/atomictypes"

// Type tags the wire message variant. Values are part of the wire format
// and must not be renumbered.
type Type uint8

const (
	// TypeRequest is Primary -> Secondary, carrying the target step and an
	// optional payload chunk.
	TypeRequest Type = 1
	// TypeAck is Secondary -> Primary, acknowledging a step.
	TypeAck Type = 2
	// TypeAbort is either direction, carrying an abort reason.
	TypeAbort Type = 3
	// TypeQuery is Secondary -> Primary during recovery, asking for the
	// transaction's final step.
	TypeQuery Type = 4
	// TypeReport is Primary -> Secondary, answering a Query.
	TypeReport Type = 5
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeAck:
		return "ack"
	case TypeAbort:
		return "abort"
	case TypeQuery:
		return "query"
	case TypeReport:
		return "report"
	default:
		return "unknown"
	}
}

// Version is the only wire format version this codec understands.
const Version = 1

// Message is the tagged union of every 3PC wire message. Only the fields
// relevant to Type are meaningful; this mirrors the teacher's own
// request/response structs that carry a superset of fields across a
// handful of related operations rather than five distinct Go types, which
// would otherwise force type-switches at every call site.
type Message struct {
	Type Type
	TxID atomictypes.TxID

	// Request / Report fields.
	Step atomictypes.Step

	// Request payload-chunk fields. The wire also carries len(Chunk) as an
	// explicit u32 ahead of the chunk bytes; decodeBody rejects a Request
	// whose declared chunk length disagrees with the bytes in the frame.
	ChunkOffset uint32
	Chunk       []byte

	// Abort fields.
	Reason string

	// Query carries no fields beyond TxID.
}

// Request constructs a Request message, optionally piggybacking a payload
// chunk. Pass a nil chunk for steps that carry no payload.
func Request(txID atomictypes.TxID, step atomictypes.Step, chunkOffset uint32, chunk []byte) Message {
	return Message{Type: TypeRequest, TxID: txID, Step: step, ChunkOffset: chunkOffset, Chunk: chunk}
}

// Ack constructs an Ack message for the given step.
func Ack(txID atomictypes.TxID, step atomictypes.Step) Message {
	return Message{Type: TypeAck, TxID: txID, Step: step}
}

// Abort constructs an Abort message carrying a reason string.
func Abort(txID atomictypes.TxID, reason string) Message {
	return Message{Type: TypeAbort, TxID: txID, Reason: reason}
}

// Query constructs a recovery Query message.
func Query(txID atomictypes.TxID) Message {
	return Message{Type: TypeQuery, TxID: txID}
}

// Report constructs a recovery Report message answering a Query with the
// transaction's final step (StepCommit or StepAbort).
func Report(txID atomictypes.TxID, finalStep atomictypes.Step) Message {
	return Message{Type: TypeReport, TxID: txID, Step: finalStep}
}
