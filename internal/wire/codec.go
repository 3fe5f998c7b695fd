package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/otamesh/atomic/internal/atomictypes"
)

// DefaultMaxFrameBytes bounds inbound frames when a Codec is constructed
// without an explicit limit, per spec §4.5's "default 16 MiB".
const DefaultMaxFrameBytes = 16 << 20

// frameHeaderSize is [u8 version][u8 type][16-byte tx_id], the part of a
// frame that follows the u32 length prefix and precedes the body. The
// length prefix counts these bytes plus the body, not itself.
const frameHeaderSize = 1 + 1 + 16

// ErrUnknownType is wrapped into a *atomictypes.Failure with kind
// FailureProtocol when a frame declares a type tag the codec does not
// recognize.
var ErrUnknownType = fmt.Errorf("wire: unknown message type")

// Codec encodes and decodes frames against a configured maximum frame
// size. It holds no I/O state; callers (internal/transport) own the
// underlying stream.
type Codec struct {
	MaxFrameBytes uint32
}

// NewCodec constructs a Codec with the given frame size cap. A
// non-positive value selects DefaultMaxFrameBytes.
func NewCodec(maxFrameBytes int) *Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Codec{MaxFrameBytes: uint32(maxFrameBytes)}
}

// Encode serializes m into its wire frame.
func (c *Codec) Encode(m Message) ([]byte, error) {
	body, err := encodeBody(m)
	if err != nil {
		return nil, err
	}
	total := frameHeaderSize + len(body)
	if uint32(total) > c.limit() {
		return nil, atomictypes.NewFailure(atomictypes.FailureProtocol, "encoded frame exceeds max_frame_bytes")
	}
	buf := make([]byte, 4+total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = Version
	buf[5] = byte(m.Type)
	copy(buf[6:22], m.TxID[:])
	copy(buf[22:], body)
	return buf, nil
}

func (c *Codec) limit() uint32 {
	if c.MaxFrameBytes == 0 {
		return DefaultMaxFrameBytes
	}
	return c.MaxFrameBytes
}

// ReadFrame reads one length-prefixed frame from r and decodes it. It never
// allocates more than the declared length once that length has been
// validated against MaxFrameBytes, so a frame declaring an absurd length
// (e.g. 2^31) is rejected before any allocation proportional to it occurs.
func (c *Codec) ReadFrame(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < frameHeaderSize || total > c.limit() {
		return Message{}, atomictypes.NewFailure(atomictypes.FailureProtocol, "frame length out of bounds")
	}
	rest := make([]byte, total)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Message{}, err
	}
	return c.decodeFrame(rest)
}

// WriteFrame encodes m and writes it to w in one call.
func (c *Codec) WriteFrame(w io.Writer, m Message) error {
	buf, err := c.Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// decodeFrame decodes the header+body that followed the length prefix
// already consumed by ReadFrame.
func (c *Codec) decodeFrame(rest []byte) (Message, error) {
	if len(rest) < frameHeaderSize {
		return Message{}, atomictypes.NewFailure(atomictypes.FailureProtocol, "short frame")
	}
	version := rest[0]
	if version != Version {
		return Message{}, atomictypes.NewFailure(atomictypes.FailureProtocol, fmt.Sprintf("unsupported version %d", version))
	}
	typ := Type(rest[1])
	var txID atomictypes.TxID
	copy(txID[:], rest[2:18])
	body := rest[18:]
	m, err := decodeBody(typ, txID, body)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func encodeBody(m Message) ([]byte, error) {
	switch m.Type {
	case TypeRequest:
		buf := make([]byte, 1+4+4+len(m.Chunk))
		buf[0] = byte(m.Step)
		binary.BigEndian.PutUint32(buf[1:5], m.ChunkOffset)
		binary.BigEndian.PutUint32(buf[5:9], uint32(len(m.Chunk)))
		copy(buf[9:], m.Chunk)
		return buf, nil
	case TypeAck, TypeReport:
		return []byte{byte(m.Step)}, nil
	case TypeAbort:
		return []byte(m.Reason), nil
	case TypeQuery:
		return nil, nil
	default:
		return nil, atomictypes.NewFailure(atomictypes.FailureProtocol, ErrUnknownType.Error())
	}
}

func decodeBody(typ Type, txID atomictypes.TxID, body []byte) (Message, error) {
	switch typ {
	case TypeRequest:
		if len(body) < 9 {
			return Message{}, atomictypes.NewFailure(atomictypes.FailureProtocol, "short request body")
		}
		step := atomictypes.Step(body[0])
		offset := binary.BigEndian.Uint32(body[1:5])
		chunkLen := binary.BigEndian.Uint32(body[5:9])
		if uint64(9)+uint64(chunkLen) != uint64(len(body)) {
			return Message{}, atomictypes.NewFailure(atomictypes.FailureProtocol, "chunk length mismatch")
		}
		chunk := append([]byte(nil), body[9:]...)
		return Request(txID, step, offset, chunk), nil
	case TypeAck:
		if len(body) < 1 {
			return Message{}, atomictypes.NewFailure(atomictypes.FailureProtocol, "short ack body")
		}
		return Ack(txID, atomictypes.Step(body[0])), nil
	case TypeReport:
		if len(body) < 1 {
			return Message{}, atomictypes.NewFailure(atomictypes.FailureProtocol, "short report body")
		}
		return Report(txID, atomictypes.Step(body[0])), nil
	case TypeAbort:
		return Abort(txID, string(body)), nil
	case TypeQuery:
		return Query(txID), nil
	default:
		return Message{}, atomictypes.NewFailure(atomictypes.FailureProtocol, ErrUnknownType.Error())
	}
}
