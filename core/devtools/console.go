package devtools

import (
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// ConsoleMessage is one captured console.* call from the page.
type ConsoleMessage struct {
	Level string
	Text  string
	Time  time.Time
}

type consoleRing struct {
	mu   sync.Mutex
	size int
	buf  []ConsoleMessage
}

func newConsoleRing(size int) *consoleRing {
	return &consoleRing{size: size, buf: make([]ConsoleMessage, 0, size)}
}

func (r *consoleRing) push(msg ConsoleMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == r.size {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:len(r.buf)-1]
	}
	r.buf = append(r.buf, msg)
}

func (r *consoleRing) drain() []ConsoleMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConsoleMessage, len(r.buf))
	copy(out, r.buf)
	r.buf = r.buf[:0]
	return out
}

func parseConsoleEvent(params []byte) ConsoleMessage {
	parts := make([]string, 0, 4)
	gjson.GetBytes(params, "args").ForEach(func(_, arg gjson.Result) bool {
		if v := arg.Get("value"); v.Exists() {
			parts = append(parts, v.String())
		} else if d := arg.Get("description"); d.Exists() {
			parts = append(parts, d.String())
		}
		return true
	})
	return ConsoleMessage{
		Level: gjson.GetBytes(params, "type").String(),
		Text:  strings.Join(parts, " "),
		Time:  time.Now(),
	}
}
