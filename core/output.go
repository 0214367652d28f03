package core

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/jaeles-project/chromespider/core/proxy"
	"github.com/jaeles-project/chromespider/internal/registry"
	"github.com/jaeles-project/chromespider/stringset"
)

// SpiderOutput is one emitted finding.
type SpiderOutput struct {
	Input      string `json:"input"`
	Source     string `json:"source"`
	OutputType string `json:"type"`
	Method     string `json:"method"`
	Output     string `json:"output"`
	Body       string `json:"body,omitempty"`
	StatusCode int    `json:"status,omitempty"`
	Length     int    `json:"length,omitempty"`
	DID        string `json:"did,omitempty"`
}

// Output appends lines to a file, skipping lines it already holds.
type Output struct {
	mu     sync.Mutex
	f      *os.File
	filter *stringset.StringFilter
}

func NewOutput(folder, filename string) (*Output, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("create output folder: %w", err)
	}
	outFile := filepath.Join(folder, filename)
	f, err := os.OpenFile(outFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}

	out := &Output{f: f, filter: stringset.NewStringFilter()}
	out.loadExisting(outFile)
	return out, nil
}

func (o *Output) WriteToFile(msg string) error {
	if strings.TrimSpace(msg) == "" {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.filter.Duplicate(msg) {
		return nil
	}
	_, err := o.f.WriteString(msg + "\n")
	return err
}

func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil {
		return nil
	}
	err := o.f.Close()
	o.f = nil
	return err
}

func (o *Output) loadExisting(path string) {
	reader, err := os.Open(path)
	if err != nil {
		return
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line != "" {
			o.filter.Duplicate(line)
		}
	}
}

// Emitter prints findings once each, to stdout and the optional file.
type Emitter struct {
	mu       sync.Mutex
	w        io.Writer
	file     *Output
	registry *registry.URLRegistry

	json   bool
	quiet  bool
	length bool
}

func NewEmitter(w io.Writer, file *Output, reg *registry.URLRegistry, jsonOutput, quiet, length bool) *Emitter {
	if reg == nil {
		reg = registry.NewURLRegistry()
	}
	return &Emitter{w: w, file: file, registry: reg, json: jsonOutput, quiet: quiet, length: length}
}

// Emit writes o unless an equivalent request was emitted before. It
// reports whether o was new.
func (e *Emitter) Emit(o SpiderOutput) (bool, error) {
	if o.Method == "" {
		o.Method = "GET"
	}
	if e.registry.DuplicateRequest(o.Method, o.Output, o.Body) {
		return false, nil
	}

	line, err := e.format(o)
	if err != nil {
		return true, err
	}

	e.mu.Lock()
	_, err = fmt.Fprintln(e.w, line)
	e.mu.Unlock()
	if err != nil {
		return true, err
	}
	if e.file != nil {
		return true, e.file.WriteToFile(line)
	}
	return true, nil
}

func (e *Emitter) format(o SpiderOutput) (string, error) {
	switch {
	case e.json:
		return jsoniter.MarshalToString(o)
	case e.quiet:
		return o.Output, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] - [%s] - %s", o.OutputType, o.Method, o.Output)
	if o.StatusCode > 0 {
		fmt.Fprintf(&sb, " - [code-%d]", o.StatusCode)
	}
	if e.length && o.Length > 0 {
		fmt.Fprintf(&sb, " - [len-%d]", o.Length)
	}
	return sb.String(), nil
}

// TrafficOutput turns a captured transaction into a finding.
func TrafficOutput(input string, t *proxy.Traffic) SpiderOutput {
	o := SpiderOutput{
		Input:      input,
		Source:     "browser",
		OutputType: "request",
		DID:        t.DebuggingID,
	}
	if t.Request != nil {
		o.Method = t.Request.Method
		o.Output = t.Request.URL
		o.Body = string(t.Request.Body)
	}
	if t.Response != nil {
		o.StatusCode = t.Response.StatusCode
		o.Length = len(t.Response.Body)
	}
	return o
}
