package devtools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultConsoleSize = 500
	writeWait          = 10 * time.Second
)

// Handler is invoked by the receive loop for every inbound message, in
// registration order. A returned error is delivered to the pending command
// the message answers, or parked for the next Call when it answers none.
type Handler func(msg *Message) error

// HandlerID identifies a registered handler for UnsetEventHandler.
type HandlerID uint64

// DialogHandler decides how a blocking JS dialog (alert, confirm, prompt)
// is answered. It runs on the receive loop and must not call the client.
type DialogHandler func(dialogType, message string) (accept bool, promptText string)

// AcceptDialogs accepts every dialog.
func AcceptDialogs(string, string) (bool, string) {
	return true, "Bye!"
}

type Options struct {
	// Timeout bounds calls whose context carries no deadline.
	Timeout       time.Duration
	ConsoleSize   int
	DialogHandler DialogHandler
	Dialer        *websocket.Dialer
	Logger        *logrus.Entry
}

type registeredHandler struct {
	id HandlerID
	fn Handler
}

type result struct {
	data jsoniter.RawMessage
	err  error
}

type pendingCall struct {
	method string
	ch     chan result
}

// Client speaks the remote-debugging protocol over one WebSocket.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  int64
	timeout time.Duration
	log     *logrus.Entry

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall
	ignored   map[int64]string

	handlersMu  sync.RWMutex
	handlers    []registeredHandler
	nextHandler HandlerID

	parked  chan error
	console *consoleRing
	dialog  DialogHandler

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	connErr   error
}

// Dial connects to a devtools WebSocket endpoint and starts the receive loop.
func Dial(ctx context.Context, endpoint string, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return NewClient(conn, opts), nil
}

// NewClient wraps an established connection, installs the built-in handlers
// and starts the receive loop.
func NewClient(conn *websocket.Conn, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ConsoleSize <= 0 {
		opts.ConsoleSize = defaultConsoleSize
	}
	if opts.DialogHandler == nil {
		opts.DialogHandler = AcceptDialogs
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Client{
		conn:    conn,
		timeout: opts.Timeout,
		log:     log.WithField("component", "devtools"),
		pending: make(map[int64]*pendingCall),
		ignored: make(map[int64]string),
		parked:  make(chan error, 1),
		console: newConsoleRing(opts.ConsoleSize),
		dialog:  opts.DialogHandler,
		done:    make(chan struct{}),
	}
	c.installBuiltinHandlers()
	go c.receiveLoop()
	return c
}

// SetEventHandler registers h to run for every inbound message.
func (c *Client) SetEventHandler(h Handler) HandlerID {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.nextHandler++
	c.handlers = append(c.handlers, registeredHandler{id: c.nextHandler, fn: h})
	return c.nextHandler
}

// UnsetEventHandler removes a handler. It reports whether id was registered.
func (c *Client) UnsetEventHandler(id HandlerID) bool {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	for i, h := range c.handlers {
		if h.id == id {
			c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Call sends one command and blocks until its result arrives, the context
// ends or the connection breaks. Without a context deadline the client
// timeout applies. Call satisfies go-rod's proto.Client, so typed proto
// commands can run over a Client.
func (c *Client) Call(ctx context.Context, sessionID, method string, params interface{}) ([]byte, error) {
	if err := c.takeParked(); err != nil {
		return nil, err
	}
	if err := c.Err(); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := atomic.AddInt64(&c.nextID, 1)
	call := &pendingCall{method: method, ch: make(chan result, 1)}
	c.pendingMu.Lock()
	c.pending[id] = call
	c.pendingMu.Unlock()

	if err := c.write(request{ID: id, SessionID: sessionID, Method: method, Params: params}); err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case res := <-call.ch:
		if res.err != nil {
			var pe *ProtocolError
			if errors.As(res.err, &pe) && pe.Method == "" {
				pe.Method = method
			}
			return nil, fmt.Errorf("%s: %w", method, res.err)
		}
		return res.data, nil
	case <-c.done:
		c.dropPending(id)
		select {
		case res := <-call.ch:
			if res.err == nil {
				return res.data, nil
			}
		default:
		}
		return nil, fmt.Errorf("%s: %w", method, c.Err())
	case <-ctx.Done():
		c.dropPending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s (id %d)", ErrProtocolTimeout, method, id)
		}
		return nil, ctx.Err()
	}
}

// Send writes a command without waiting for its result. Errors reported for
// it are logged rather than surfaced.
func (c *Client) Send(sessionID, method string, params interface{}) error {
	if err := c.Err(); err != nil {
		return err
	}
	id := atomic.AddInt64(&c.nextID, 1)
	c.pendingMu.Lock()
	c.ignored[id] = method
	c.pendingMu.Unlock()
	if err := c.write(request{ID: id, SessionID: sessionID, Method: method, Params: params}); err != nil {
		c.pendingMu.Lock()
		delete(c.ignored, id)
		c.pendingMu.Unlock()
		return err
	}
	return nil
}

// ConsoleMessages returns and clears the captured console messages.
func (c *Client) ConsoleMessages() []ConsoleMessage {
	return c.console.drain()
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the connection error once the client is closed.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.connErr
}

// Close shuts the connection down. Calling it more than once is safe.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		c.fail(fmt.Errorf("%w: client closed", ErrConnectionLost))
	})
	return err
}

func (c *Client) write(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Method, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrConnectionLost, req.Method, err)
	}
	return nil
}

// receiveLoop never uses read deadlines: a timed out gorilla read poisons
// the connection, so shutdown relies on Close unblocking ReadMessage.
func (c *Client) receiveLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("devtools socket closed unexpectedly")
			}
			c.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}

		// Chrome may pack several JSON documents in one frame.
		dec := json.NewDecoder(bytes.NewReader(data))
		for {
			var msg Message
			if err := dec.Decode(&msg); err != nil {
				if err != io.EOF {
					c.log.WithError(err).Debug("discarding malformed protocol message")
				}
				break
			}
			c.dispatch(&msg)
		}
	}
}

func (c *Client) dispatch(msg *Message) {
	var handlerErr error
	c.handlersMu.RLock()
	handlers := make([]registeredHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		if err := c.runHandler(h.fn, msg); err != nil {
			if handlerErr == nil {
				handlerErr = err
			} else {
				c.log.WithError(err).Debug("additional handler error dropped")
			}
		}
	}

	if msg.ID != 0 {
		c.pendingMu.Lock()
		call, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		method, ignored := c.ignored[msg.ID]
		delete(c.ignored, msg.ID)
		c.pendingMu.Unlock()

		if ok {
			call.ch <- result{data: msg.Result, err: handlerErr}
			return
		}
		if ignored {
			if handlerErr != nil {
				c.log.WithError(handlerErr).Debugf("ignored result of %s", method)
			}
			return
		}
	}

	if handlerErr != nil {
		c.park(handlerErr)
	}
}

func (c *Client) runHandler(h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerPanic{Value: r, Stack: debug.Stack()}
		}
	}()
	return h(msg)
}

// park keeps the first unsolicited error until the next Call picks it up.
func (c *Client) park(err error) {
	select {
	case c.parked <- err:
	default:
		c.log.WithError(err).Debug("parked error slot full, dropping")
	}
}

func (c *Client) takeParked() error {
	select {
	case err := <-c.parked:
		return err
	default:
		return nil
	}
}

func (c *Client) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.connErr != nil {
		c.errMu.Unlock()
		return
	}
	c.connErr = err
	close(c.done)
	c.errMu.Unlock()

	c.pendingMu.Lock()
	for id, call := range c.pending {
		call.ch <- result{err: err}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}
