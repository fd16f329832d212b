package txrecon

import (
	"errors"
	"fmt"
	"io"

	"github.com/spacemeshos/go-scale"

	"github.com/txmesh/go-txmesh/codec"
)

// MessageType tags a reconciliation protocol message on the wire. Each
// message is framed as the type byte followed by the scale-encoded body.
type MessageType byte

const (
	MessageTypeHandshake MessageType = iota
	MessageTypeReqRecon
	MessageTypeSketch
	MessageTypeReqSketchExt
	MessageTypeDone
	MessageTypeFallback
)

func (mt MessageType) String() string {
	switch mt {
	case MessageTypeHandshake:
		return "handshake"
	case MessageTypeReqRecon:
		return "req_recon"
	case MessageTypeSketch:
		return "sketch"
	case MessageTypeReqSketchExt:
		return "req_sketch_ext"
	case MessageTypeDone:
		return "done"
	case MessageTypeFallback:
		return "fallback"
	default:
		return fmt.Sprintf("<unknown %d>", byte(mt))
	}
}

// maxSketchBytes bounds the serialized sketch accepted from the wire. It must
// accommodate the largest extended sketch plus its guard syndrome.
const maxSketchBytes = 4 * (512 + 1)

// Message is a reconciliation protocol message.
type Message interface {
	codec.Encodable
	Type() MessageType
}

// HandshakeMessage announces reconciliation support, exchanged once per
// connection before any round.
type HandshakeMessage struct {
	Version uint32
	Salt    uint64
	// Timestamp is the sender's unix time. Receivers feed the implied
	// offset into their clock drift tracking.
	Timestamp uint64
}

var _ Message = &HandshakeMessage{}

func (*HandshakeMessage) Type() MessageType { return MessageTypeHandshake }

// EncodeScale implements scale codec interface.
func (m *HandshakeMessage) EncodeScale(e *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeCompact32(e, m.Version)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(e, m.Salt)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(e, m.Timestamp)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (m *HandshakeMessage) DecodeScale(d *scale.Decoder) (total int, err error) {
	{
		field, n, err := scale.DecodeCompact32(d)
		if err != nil {
			return total, err
		}
		total += n
		m.Version = field
	}
	{
		field, n, err := scale.DecodeCompact64(d)
		if err != nil {
			return total, err
		}
		total += n
		m.Salt = field
	}
	{
		field, n, err := scale.DecodeCompact64(d)
		if err != nil {
			return total, err
		}
		total += n
		m.Timestamp = field
	}
	return total, nil
}

// ReqReconMessage opens a round, initiator to responder. SetSize is the
// initiator's snapshot size, the responder's capacity estimator input.
type ReqReconMessage struct {
	SetSize uint32
}

var _ Message = &ReqReconMessage{}

func (*ReqReconMessage) Type() MessageType { return MessageTypeReqRecon }

// EncodeScale implements scale codec interface.
func (m *ReqReconMessage) EncodeScale(e *scale.Encoder) (total int, err error) {
	return scale.EncodeCompact32(e, m.SetSize)
}

// DecodeScale implements scale codec interface.
func (m *ReqReconMessage) DecodeScale(d *scale.Decoder) (total int, err error) {
	field, n, err := scale.DecodeCompact32(d)
	if err != nil {
		return n, err
	}
	m.SetSize = field
	return n, nil
}

// SketchMessage carries a serialized sketch, responder to initiator. The
// payload is opaque at the wire layer; its size encodes the capacity.
type SketchMessage struct {
	Data []byte `scale:"max=2052"`
}

var _ Message = &SketchMessage{}

func (*SketchMessage) Type() MessageType { return MessageTypeSketch }

// EncodeScale implements scale codec interface.
func (m *SketchMessage) EncodeScale(e *scale.Encoder) (total int, err error) {
	return scale.EncodeByteSliceWithLimit(e, m.Data, maxSketchBytes)
}

// DecodeScale implements scale codec interface.
func (m *SketchMessage) DecodeScale(d *scale.Decoder) (total int, err error) {
	field, n, err := scale.DecodeByteSliceWithLimit(d, maxSketchBytes)
	if err != nil {
		return n, err
	}
	m.Data = field
	return n, nil
}

// ReqSketchExtMessage requests the one-shot extension sketch after an
// insufficient initial decode.
type ReqSketchExtMessage struct{}

var _ Message = &ReqSketchExtMessage{}

func (*ReqSketchExtMessage) Type() MessageType { return MessageTypeReqSketchExt }

// EncodeScale implements scale codec interface.
func (*ReqSketchExtMessage) EncodeScale(*scale.Encoder) (int, error) { return 0, nil }

// DecodeScale implements scale codec interface.
func (*ReqSketchExtMessage) DecodeScale(*scale.Decoder) (int, error) { return 0, nil }

// DoneMessage closes a decoded round, initiator to responder.
type DoneMessage struct{}

var _ Message = &DoneMessage{}

func (*DoneMessage) Type() MessageType { return MessageTypeDone }

// EncodeScale implements scale codec interface.
func (*DoneMessage) EncodeScale(*scale.Encoder) (int, error) { return 0, nil }

// DecodeScale implements scale codec interface.
func (*DoneMessage) DecodeScale(*scale.Decoder) (int, error) { return 0, nil }

// FallbackMessage signals total round failure; both sides revert to
// announcing their full sets directly.
type FallbackMessage struct{}

var _ Message = &FallbackMessage{}

func (*FallbackMessage) Type() MessageType { return MessageTypeFallback }

// EncodeScale implements scale codec interface.
func (*FallbackMessage) EncodeScale(*scale.Encoder) (int, error) { return 0, nil }

// DecodeScale implements scale codec interface.
func (*FallbackMessage) DecodeScale(*scale.Decoder) (int, error) { return 0, nil }

// ErrUnknownMessage is returned for a message type byte outside the protocol.
var ErrUnknownMessage = errors.New("unknown reconciliation message type")

// WriteMessage frames msg as the type byte followed by the scale body.
func WriteMessage(w io.Writer, msg Message) error {
	if _, err := w.Write([]byte{byte(msg.Type())}); err != nil {
		return err
	}
	if _, err := codec.EncodeTo(w, msg); err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return nil
}

// ReadMessage reads one framed message.
func ReadMessage(r io.Reader) (Message, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	var msg Message
	switch MessageType(b[0]) {
	case MessageTypeHandshake:
		msg = &HandshakeMessage{}
	case MessageTypeReqRecon:
		msg = &ReqReconMessage{}
	case MessageTypeSketch:
		msg = &SketchMessage{}
	case MessageTypeReqSketchExt:
		msg = &ReqSketchExtMessage{}
	case MessageTypeDone:
		msg = &DoneMessage{}
	case MessageTypeFallback:
		msg = &FallbackMessage{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, b[0])
	}
	if _, err := codec.DecodeFrom(r, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", MessageType(b[0]), err)
	}
	return msg, nil
}
