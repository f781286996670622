// Package jsonrpc implements the framed JSON-RPC 2.0 wire format shared by
// the editor and every back-end language server: Content-Length-delimited
// headers followed by a UTF-8 JSON body.
package jsonrpc

import "encoding/json"

// Message is the JSON-RPC envelope used for requests, responses, and
// notifications alike. Params and Result/Error are round-tripped as raw
// JSON; only the fields the core inspects (Method, ID) are decoded eagerly,
// per the narrow-typed-layer design in the specification's JSON model note.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error mirrors the JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// IsRequest reports whether m carries an ID and a method (a call expecting
// a response), as opposed to a notification (method, no ID) or a response
// (ID, no method).
func (m *Message) IsRequest() bool { return len(m.ID) > 0 && m.Method != "" }

// IsNotification reports whether m is a method call with no ID.
func (m *Message) IsNotification() bool { return len(m.ID) == 0 && m.Method != "" }

// IsResponse reports whether m carries an ID and no method (a reply to a
// previously sent request, successful or not).
func (m *Message) IsResponse() bool { return len(m.ID) > 0 && m.Method == "" }

// NewRequest builds a request Message, marshaling params with encoding/json.
func NewRequest(id json.RawMessage, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification Message (no ID).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResult builds a successful response Message for id.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewError builds an error response Message for id.
func NewError(id json.RawMessage, code int, msg string) *Message {
	return &Message{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: msg}}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// DecodeParams unmarshals m.Params into v. It is a no-op if Params is empty.
func (m *Message) DecodeParams(v any) error {
	if len(m.Params) == 0 {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

// DecodeResult unmarshals m.Result into v. It is a no-op if Result is empty.
func (m *Message) DecodeResult(v any) error {
	if len(m.Result) == 0 {
		return nil
	}
	return json.Unmarshal(m.Result, v)
}

// ParamsAsMap decodes Params into a generic map for the core's routing and
// aggregation logic to navigate with jsonutil.
func (m *Message) ParamsAsMap() (map[string]any, error) {
	if len(m.Params) == 0 {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal(m.Params, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ResultAsAny decodes Result into a generic any (map, slice, or scalar).
func (m *Message) ResultAsAny() (any, error) {
	if len(m.Result) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(m.Result, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// IDKey returns the raw JSON text of id as a comparable map key. A number
// ID and a string ID with the same digits (1 and "1") give different keys.
func IDKey(id json.RawMessage) string {
	return string(id)
}
