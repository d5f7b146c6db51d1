package wire

import (
	"encoding/json"

	"github.com/letsencrypt/chocolate/errors"
)

// A Codec converts Messages to and from their transport encoding. The
// protocol core is indifferent to the encoding; the content type names
// it so a client and server can agree.
type Codec interface {
	ContentType() string
	Marshal(m *Message) ([]byte, error)
	Unmarshal(data []byte) (*Message, error)
}

// JSON is the standard codec.
type JSON struct{}

func (JSON) ContentType() string {
	return "application/json+chocolate"
}

func (JSON) Marshal(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a message body. Malformed bytes produce a
// Malformed error; the caller answers with a BadRequest failure and
// performs no session processing.
func (JSON) Unmarshal(data []byte) (*Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	if err != nil {
		return nil, errors.MalformedError("decoding message: %s", err)
	}
	return &m, nil
}
