package protocol

import (
	"bytes"
	"encoding/json"
)

// JSONRPCVersion is the JSON-RPC protocol version.
const JSONRPCVersion = "2.0"

// MessageKind classifies a JSON-RPC envelope.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindRequest
	KindNotification
	KindResponse
)

// String returns a human-readable kind name.
func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is a JSON-RPC 2.0 envelope. A message with Method and ID is a
// request; with Method and no ID a notification; with Result or Error a
// response. Exactly one of Method, Result, Error may be present.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewRequest creates a request message.
func NewRequest(id json.RawMessage, method string, params json.RawMessage) *Message {
	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// NewNotification creates a notification message.
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	}
}

// NewResponse creates a successful response carrying the given result.
// Marshal failures of the result surface as an internal error response so
// the caller always gets a well-formed envelope.
func NewResponse(id json.RawMessage, result any) *Message {
	data, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, NewInternalError(err.Error()))
	}
	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  data,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id json.RawMessage, err *Error) *Message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   err,
	}
}

// Kind classifies the message. A message that mixes method with result or
// error, or carries neither, is KindInvalid.
func (m *Message) Kind() MessageKind {
	hasMethod := m.Method != ""
	hasResult := len(m.Result) > 0
	hasError := m.Error != nil

	switch {
	case hasMethod && !hasResult && !hasError:
		if m.hasID() {
			return KindRequest
		}
		return KindNotification
	case !hasMethod && (hasResult != hasError):
		return KindResponse
	default:
		return KindInvalid
	}
}

// IsNotification reports whether the message is a notification.
func (m *Message) IsNotification() bool {
	return m.Kind() == KindNotification
}

// hasID reports whether the message carries a non-null id.
func (m *Message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// Validate checks the structural invariants of the envelope: the jsonrpc
// version tag, the exactly-one-of {method, result, error} rule, and that the
// id, when present, is a string, number, or null.
func (m *Message) Validate() error {
	if m.JSONRPC != JSONRPCVersion {
		return NewInvalidRequest("jsonrpc must be \"2.0\"")
	}
	if m.Kind() == KindInvalid {
		return NewInvalidRequest("message must be a request, notification, or response")
	}
	if len(m.ID) > 0 && !validID(m.ID) {
		return NewInvalidRequest("id must be a string, number, or null")
	}
	return nil
}

// validID accepts JSON strings, numbers, and null.
func validID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '"':
		var s string
		return json.Unmarshal(trimmed, &s) == nil
	case 'n':
		return bytes.Equal(trimmed, []byte("null"))
	default:
		var n json.Number
		return json.Unmarshal(trimmed, &n) == nil
	}
}
