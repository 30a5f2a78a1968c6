package sandbox

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/seantiz/runbox/internal/apperr"
)

const (
	// MaxConsoleLines caps the console lines kept per run.
	MaxConsoleLines = 10000

	maxLineBytes = 16 << 20
)

// Harness message types.
const (
	msgConsole = "console"
	msgResult  = "result"
	msgError   = "error"
	msgDone    = "done"
)

// message is one line of the harness protocol.
type message struct {
	Type    string          `json:"type"`
	Level   string          `json:"level,omitempty"`
	Line    string          `json:"line,omitempty"`
	Index   int             `json:"index"`
	Data    json.RawMessage `json:"data,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Message string          `json:"message,omitempty"`
	Stack   string          `json:"stack,omitempty"`
}

// Collector assembles an Outcome from harness output. Lines that are not
// protocol messages, such as output a native addon writes straight to the
// file descriptor, are kept as console lines.
type Collector struct {
	results   []json.RawMessage
	console   []string
	truncated bool
	onConsole func(string)
	failure   *message
	done      bool
}

// NewCollector expects results for inputs calls. onConsole may be nil.
func NewCollector(inputs int, onConsole func(string)) *Collector {
	return &Collector{
		results:   make([]json.RawMessage, inputs),
		onConsole: onConsole,
	}
}

// Consume reads protocol lines from r until EOF.
func (c *Collector) Consume(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		c.Feed(sc.Bytes())
	}
	return sc.Err()
}

// Feed handles a single line.
func (c *Collector) Feed(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	var msg message
	if line[0] != '{' || json.Unmarshal(line, &msg) != nil || msg.Type == "" {
		c.addConsole(string(line))
		return
	}

	switch msg.Type {
	case msgConsole:
		c.addConsole(msg.Line)
	case msgResult:
		if msg.Index >= 0 && msg.Index < len(c.results) {
			data := msg.Data
			if len(data) == 0 {
				data = json.RawMessage("null")
			}
			c.results[msg.Index] = append(json.RawMessage(nil), data...)
		}
	case msgError:
		if c.failure == nil {
			m := msg
			c.failure = &m
		}
	case msgDone:
		c.done = true
	default:
		c.addConsole(string(line))
	}
}

func (c *Collector) addConsole(line string) {
	if len(c.console) >= MaxConsoleLines {
		if !c.truncated {
			c.truncated = true
			c.console = append(c.console, "[console output truncated]")
		}
		return
	}
	c.console = append(c.console, line)
	if c.onConsole != nil {
		c.onConsole(line)
	}
}

// Console returns the lines collected so far.
func (c *Collector) Console() []string { return c.console }

// Outcome returns the run's outcome. stderr is whatever the runtime wrote
// outside the harness; it explains crashes that happen before or after
// the harness could report them.
func (c *Collector) Outcome(elapsed time.Duration, stderr string) (Outcome, error) {
	if c.failure != nil {
		return Outcome{Console: c.console, Duration: elapsed}, failureError(c.failure)
	}
	if !c.done {
		msg := "script exited without producing a result"
		if s := lastLines(stderr, 5); s != "" {
			msg += ": " + s
		}
		return Outcome{Console: c.console, Duration: elapsed}, apperr.Execution("%s", msg)
	}
	for i, r := range c.results {
		if r == nil {
			c.results[i] = json.RawMessage("null")
		}
	}
	return Outcome{Results: c.results, Console: c.console, Duration: elapsed}, nil
}

func failureError(m *message) error {
	msg := firstLine(m.Message)
	switch m.Kind {
	case "module":
		return apperr.Execution("%s", msg)
	case "not_function":
		return apperr.Execution("script must export a function: %s", msg)
	case "serialize":
		return apperr.Execution("result is not JSON serializable: %s", msg)
	case "load":
		return apperr.Execution("load script: %s", msg)
	default:
		if msg == "" {
			msg = "script threw an exception"
		}
		return apperr.Execution("%s", msg)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func lastLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

// TimeoutError is the error every sandbox reports when a run overruns d.
func TimeoutError(d time.Duration) error {
	return apperr.Timeout("script timed out after %s", d)
}

// limitedWriter stops writing after a byte limit. Excess data is dropped.
type limitedWriter struct {
	w         io.Writer
	remaining int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if int64(len(p)) > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= int64(written)
	if err != nil {
		return written, err
	}
	return n, nil
}
