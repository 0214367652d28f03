package devtools

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is one inbound protocol document. Exactly one of the following
// shapes is expected: a command result (ID and Result), an event (Method and
// Params) or an error envelope (Error, usually with ID).
type Message struct {
	ID        int64               `json:"id,omitempty"`
	SessionID string              `json:"sessionId,omitempty"`
	Method    string              `json:"method,omitempty"`
	Params    jsoniter.RawMessage `json:"params,omitempty"`
	Result    jsoniter.RawMessage `json:"result,omitempty"`
	Error     *ErrorBody          `json:"error,omitempty"`
}

// IsEvent reports whether the message is an unsolicited event.
func (m *Message) IsEvent() bool {
	return m.ID == 0 && m.Method != ""
}

// ErrorBody is the payload of an {"error": {...}} envelope.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type request struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"sessionId,omitempty"`
	Method    string      `json:"method"`
	Params    interface{} `json:"params,omitempty"`
}
