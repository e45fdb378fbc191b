package stream

import "encoding/json"

// Codec serializes payloads into the single stream entry field and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec is the default codec for all pipeline streams.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }
