// Package devtoolstest provides a scripted remote-debugging endpoint for tests.
package devtoolstest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/jaeles-project/chromespider/core/devtools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is one command received by the server.
type Request struct {
	ID        int64               `json:"id"`
	SessionID string              `json:"sessionId,omitempty"`
	Method    string              `json:"method"`
	Params    jsoniter.RawMessage `json:"params,omitempty"`
}

// Event is an unsolicited message pushed to the client.
type Event struct {
	Method string
	Params interface{}
}

// Reply scripts the answer to one command.
type Reply struct {
	Result interface{}
	Error  *devtools.ErrorBody
	// Before is written ahead of the result.
	Before []Event
	// After is written once the result is out.
	After []Event
	// Drop leaves the command unanswered.
	Drop bool
}

// Responder builds the reply for a received command.
type Responder func(req Request) Reply

// Server is a fake devtools endpoint backed by httptest.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu         sync.Mutex
	responders map[string]Responder
	requests   []Request
	conns      []*conn
	arrived    chan struct{}
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// NewServer starts a server that answers unknown commands with an empty result.
func NewServer() *Server {
	s := &Server{
		responders: make(map[string]Responder),
		arrived:    make(chan struct{}, 1),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveWS))
	return s
}

// WebSocketURL is the ws:// address clients dial.
func (s *Server) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// Handle installs r for method, replacing any previous responder.
func (s *Server) Handle(method string, r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[method] = r
}

// Result is a Responder that always returns v.
func Result(v interface{}) Responder {
	return func(Request) Reply { return Reply{Result: v} }
}

// Emit pushes an event to every connected client.
func (s *Server) Emit(method string, params interface{}) error {
	s.mu.Lock()
	conns := append([]*conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.writeJSON(eventEnvelope(Event{Method: method, Params: params})); err != nil {
			return err
		}
	}
	return nil
}

// WriteRaw pushes a raw text frame to every connected client.
func (s *Server) WriteRaw(frame string) error {
	s.mu.Lock()
	conns := append([]*conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.writeMu.Lock()
		err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
		c.writeMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Requests returns every command received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Methods returns the method names received so far, in order.
func (s *Server) Methods() []string {
	reqs := s.Requests()
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Method
	}
	return out
}

// WaitRequest waits until a command for method has been received.
func (s *Server) WaitRequest(method string, timeout time.Duration) (Request, bool) {
	deadline := time.After(timeout)
	for {
		for _, r := range s.Requests() {
			if r.Method == method {
				return r, true
			}
		}
		select {
		case <-s.arrived:
		case <-deadline:
			return Request{}, false
		}
	}
}

// CloseClients drops every client connection.
func (s *Server) CloseClients() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		responder := s.responders[req.Method]
		s.mu.Unlock()
		select {
		case s.arrived <- struct{}{}:
		default:
		}

		reply := Reply{Result: struct{}{}}
		if responder != nil {
			reply = responder(req)
		}
		s.answer(c, req, reply)
	}
}

func (s *Server) answer(c *conn, req Request, reply Reply) {
	for _, evt := range reply.Before {
		_ = c.writeJSON(eventEnvelope(evt))
	}
	if reply.Drop {
		return
	}
	envelope := map[string]interface{}{"id": req.ID}
	switch {
	case reply.Error != nil:
		envelope["error"] = reply.Error
	case reply.Result != nil:
		envelope["result"] = reply.Result
	default:
		envelope["result"] = struct{}{}
	}
	if req.SessionID != "" {
		envelope["sessionId"] = req.SessionID
	}
	_ = c.writeJSON(envelope)
	for _, evt := range reply.After {
		_ = c.writeJSON(eventEnvelope(evt))
	}
}

func eventEnvelope(evt Event) map[string]interface{} {
	params := evt.Params
	if params == nil {
		params = struct{}{}
	}
	return map[string]interface{}{"method": evt.Method, "params": params}
}
