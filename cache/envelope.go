package cache

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// Envelope wraps every cached payload with the metadata needed to decide
// whether it may be served: the schema version that wrote it, the session it
// belongs to, and its timestamps. StartedAt is fixed at session creation;
// UpdatedAt is re-stamped on every write.
type Envelope struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	StartedAt int64  `json:"started_at"`
	UpdatedAt int64  `json:"updated_at"`
	Payload   []byte `json:"payload"`
}

// Marshal encodes the envelope with a canonical JSON handle so that stored
// bytes are stable for identical contents.
func (e *Envelope) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(e); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal decodes an envelope.
func (e *Envelope) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(e)
}

// marshalPayload encodes an arbitrary payload for embedding in an envelope.
func marshalPayload(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func unmarshalPayload(data []byte, v interface{}) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(v)
}
