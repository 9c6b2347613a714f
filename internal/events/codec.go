package events

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec turns events into wire payloads.
type Codec interface {
	Marshal(event Event) ([]byte, error)
	Unmarshal(data []byte, event *Event) error
	Name() string
}

// NewCodec returns the codec registered under name: "json" or "cbor".
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return jsonCodec{}, nil
	case "cbor":
		enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
		if err != nil {
			return nil, fmt.Errorf("failed to build cbor encoder: %w", err)
		}
		return cborCodec{enc: enc}, nil
	default:
		return nil, fmt.Errorf("unknown event encoding: %s", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Marshal(event Event) ([]byte, error) { return json.Marshal(event) }

func (jsonCodec) Unmarshal(data []byte, event *Event) error { return json.Unmarshal(data, event) }

func (jsonCodec) Name() string { return "json" }

type cborCodec struct {
	enc cbor.EncMode
}

func (c cborCodec) Marshal(event Event) ([]byte, error) { return c.enc.Marshal(event) }

func (cborCodec) Unmarshal(data []byte, event *Event) error { return cbor.Unmarshal(data, event) }

func (cborCodec) Name() string { return "cbor" }
