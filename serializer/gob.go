package serializer

import (
	"bytes"
	"encoding/gob"
)

// Gob encodes with encoding/gob. Every payload is self-describing, so no
// state is shared between frames.
type Gob struct{}

func (Gob) Serialize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Gob) Deserialize(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (Gob) ID() byte     { return IDGob }
func (Gob) Name() string { return NameGob }
