package channel

import "fmt"

// Message types.
const (
	TypeInitialize = "initialize"
	TypeTrial      = "trial"
	TypeAnswer     = "answer"
	TypeAbort      = "abort"
	TypeStop       = "stop"
	TypeInfo       = "info"
)

const (
	FieldType         = "type"
	FieldID           = "id"
	FieldResponseFile = "response_file"
	FieldRequestID    = "request_id"
)

// Message is a JSON object exchanged with a worker. Fields beyond type and id are passed through opaquely.
type Message map[string]any

// Empty is the degraded response: no information available.
func Empty() Message { return Message{} }

func (m Message) str(key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		// ids arrive as JSON numbers from some front-ends
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprint(v)
	default:
		return fmt.Sprint(v)
	}
}

func (m Message) Type() string { return m.str(FieldType) }

func (m Message) ID() string { return m.str(FieldID) }

func (m Message) ResponseFile() string { return m.str(FieldResponseFile) }

func (m Message) IsEmpty() bool { return len(m) == 0 }

// Clone is a shallow copy.
func (m Message) Clone() Message {
	c := make(Message, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// ValidType reports whether t is one of the protocol's message types.
func ValidType(t string) bool {
	switch t {
	case TypeInitialize, TypeTrial, TypeAnswer, TypeAbort, TypeStop, TypeInfo:
		return true
	}
	return false
}
