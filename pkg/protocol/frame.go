// Package protocol implements the framing used on the upstream secure channel.
//
// Every message is a frame:
//
//	type:u8 | flags:u8 | id:u32 | length:u32 | payload[length]
//
// Multi-byte fields are big endian. Control records (login, pairing) carry JSON payloads,
// Data frames carry raw stream bytes and Open frames carry the 4-byte pair id.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the frame type.
type Type uint8

const (
	TypeLogin          Type = 0x01
	TypeLoginReply     Type = 0x02
	TypePair           Type = 0x03
	TypePairReply      Type = 0x04
	TypePairOffer      Type = 0x05
	TypePairOfferReply Type = 0x06
	TypeUnpair         Type = 0x07
	TypeOpen           Type = 0x08
	TypeData           Type = 0x09
	TypeClose          Type = 0x0A
	TypePing           Type = 0x0B
	TypePong           Type = 0x0C
)

// FlagReply is set when the sender did not allocate the frame id.
const FlagReply uint8 = 0x01

const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 10

	// MaxPayload is the largest payload accepted on the wire.
	MaxPayload = 64 * 1024
)

// ErrMalformed is wrapped by every decoding failure caused by the peer's bytes.
var ErrMalformed = errors.New("malformed frame")

var typeNames = map[Type]string{
	TypeLogin:          "login",
	TypeLoginReply:     "login_reply",
	TypePair:           "pair",
	TypePairReply:      "pair_reply",
	TypePairOffer:      "pair_offer",
	TypePairOfferReply: "pair_offer_reply",
	TypeUnpair:         "unpair",
	TypeOpen:           "open",
	TypeData:           "data",
	TypeClose:          "close",
	TypePing:           "ping",
	TypePong:           "pong",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(0x%02x)", uint8(t))
}

// Valid reports whether t is a known frame type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Frame is one decoded message.
type Frame struct {
	Type    Type
	Flags   uint8
	ID      uint32
	Payload []byte
}

// Reply reports whether the sender marked the id as allocated by the receiver.
func (f Frame) Reply() bool { return f.Flags&FlagReply != 0 }

// Decode unmarshals a JSON control payload.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, f.Type, err)
	}
	return nil
}

// PairID returns the pair id carried by an Open frame.
func (f Frame) PairID() (uint32, error) {
	if f.Type != TypeOpen || len(f.Payload) != 4 {
		return 0, fmt.Errorf("%w: open payload of %d bytes", ErrMalformed, len(f.Payload))
	}
	return binary.BigEndian.Uint32(f.Payload), nil
}

// NewControl builds a control frame with a JSON payload.
func NewControl(t Type, flags uint8, id uint32, v any) (Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Frame{Type: t, Flags: flags, ID: id, Payload: payload}, nil
}

// NewOpen builds an Open frame for stream id bound to pairID.
func NewOpen(stream, pairID uint32) Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, pairID)
	return Frame{Type: TypeOpen, ID: stream, Payload: payload}
}

// NewData builds a Data frame. The payload is not copied.
func NewData(flags uint8, stream uint32, data []byte) Frame {
	return Frame{Type: TypeData, Flags: flags, ID: stream, Payload: data}
}

// NewClose builds a Close frame with an optional reason.
func NewClose(flags uint8, stream uint32, reason string) Frame {
	return Frame{Type: TypeClose, Flags: flags, ID: stream, Payload: []byte(reason)}
}
