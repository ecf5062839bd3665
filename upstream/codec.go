package upstream

import (
	"encoding/json"

	"github.com/gobwas/ws"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes and decodes stream frames.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error

	// OpCode is the websocket frame type the codec writes.
	OpCode() ws.OpCode

	Name() string
}

// CodecName constants.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return MsgpackCodec{}
	default:
		return JSONCodec{}
	}
}

// JSONCodec speaks JSON over text frames.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) OpCode() ws.OpCode                  { return ws.OpText }
func (JSONCodec) Name() string                       { return CodecNameJSON }

// MsgpackCodec speaks MessagePack over binary frames. It is used by relays
// that re-publish the upstream stream in a compact form.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (MsgpackCodec) OpCode() ws.OpCode                  { return ws.OpBinary }
func (MsgpackCodec) Name() string                       { return CodecNameMsgpack }
