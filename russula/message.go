package russula

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind identifies the purpose of a protocol message.
type Kind uint8

const (
	// KindStateQuery asks the peer for its current state.
	KindStateQuery Kind = iota + 1

	// KindStateReport carries the sender's current state tag.
	KindStateReport

	// KindTransition instructs a Worker to advance toward the target state.
	KindTransition

	// KindAck confirms receipt of a Transition.
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindStateQuery:
		return "StateQuery"
	case KindStateReport:
		return "StateReport"
	case KindTransition:
		return "Transition"
	case KindAck:
		return "Ack"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Message is the single frame type exchanged between a Coordinator and a
// Worker. The payload alphabet is restricted to the enumerated state tags
// plus small metadata; the protocol never carries commands or arbitrary
// blobs, so a compromised peer cannot cause code execution through this
// channel.
type Message struct {
	Kind   Kind   `msgpack:"kind"`
	State  string `msgpack:"state,omitempty"`
	Detail string `msgpack:"detail,omitempty"`
}

// Frames are tiny: a kind, a state tag and an optional short detail string.
// Anything larger is malformed or hostile.
const maxFrameLen = 1024

const framePrefixLen = 2

// EncodeMessage serializes a message into a length prefixed frame ready to
// be written to the stream.
func EncodeMessage(m Message) ([]byte, error) {
	if m.Kind < KindStateQuery || m.Kind > KindAck {
		return nil, &ProtocolViolationError{
			Detail: fmt.Sprintf("cannot encode message kind %d", m.Kind),
		}
	}

	body, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, &ProtocolViolationError{
			Detail: fmt.Sprintf("marshal message: %s", err.Error()),
		}
	}

	if len(body) > maxFrameLen {
		return nil, &ProtocolViolationError{
			Detail: fmt.Sprintf("message body of %d bytes exceeds frame limit", len(body)),
		}
	}

	frame := make([]byte, framePrefixLen+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	copy(frame[framePrefixLen:], body)

	return frame, nil
}

// DecodeMessage deserializes one frame body. A body that does not parse or
// carries an unknown kind is a protocol violation and must abort the
// connection rather than be silently ignored.
func DecodeMessage(body []byte) (Message, error) {
	var m Message

	err := msgpack.Unmarshal(body, &m)
	if err != nil {
		return Message{}, &ProtocolViolationError{
			Detail: fmt.Sprintf("malformed message body: %s", err.Error()),
		}
	}

	if m.Kind < KindStateQuery || m.Kind > KindAck {
		return Message{}, &ProtocolViolationError{
			Detail: fmt.Sprintf("unknown message kind %d", m.Kind),
		}
	}

	return m, nil
}
