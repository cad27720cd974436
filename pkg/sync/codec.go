package sync

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes data-channel messages. Every peer of a room uses the same codec.
type Codec interface {
	Name() string
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

func validate(msg Message) error {
	if !msg.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
	if msg.DocumentID == "" {
		return fmt.Errorf("%w: empty document id", ErrMalformedMessage)
	}
	return nil
}

// JSONCodec is the default text wire format.
type JSONCodec struct{}

// Name returns "json".
func (JSONCodec) Name() string { return "json" }

// Encode 将消息编码为 JSON。
func (JSONCodec) Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("json encode %s: %w", msg.Type, err)
	}
	return data, nil
}

// Decode 解析 JSON 消息并校验类型与文档 ID。
func (JSONCodec) Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := validate(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// MsgpackCodec is a compact binary wire format.
type MsgpackCodec struct{}

// Name returns "msgpack".
func (MsgpackCodec) Name() string { return "msgpack" }

// Encode 将消息编码为 msgpack。
func (MsgpackCodec) Encode(msg Message) ([]byte, error) {
	data, err := msgpack.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode %s: %w", msg.Type, err)
	}
	return data, nil
}

// Decode 解析 msgpack 消息并校验类型与文档 ID。
func (MsgpackCodec) Decode(data []byte) (Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := validate(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
