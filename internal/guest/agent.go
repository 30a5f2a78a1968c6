// Package guest implements the agent that runs inside a microVM. It accepts
// one bundle per vsock connection, extracts it, runs the harness with node
// and streams the harness output back to the host.
package guest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/runbox/internal/archive"
	"github.com/seantiz/runbox/internal/sandbox"
	fc "github.com/seantiz/runbox/internal/sandbox/firecracker"
)

const (
	defaultTimeout = 30 * time.Second
	stderrTail     = 64 << 10
	maxLineBytes   = 16 << 20
)

// Agent handles vsock connections and executes bundles.
type Agent struct {
	listener net.Listener
	workDir  string
	nodeBin  string
}

// New creates an agent that extracts bundles under workDir.
func New(listener net.Listener, workDir string) *Agent {
	return &Agent{
		listener: listener,
		workDir:  workDir,
		nodeBin:  "node",
	}
}

// Serve accepts connections until the listener is closed.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var req fc.GuestRequest
	if err := fc.ReadMessage(conn, &req); err != nil {
		log.Printf("read request: %v", err)
		sendExit(conn, fc.GuestExit{ExitCode: 1, Error: fmt.Sprintf("read request: %v", err)})
		return
	}
	sendExit(conn, a.run(conn, &req))
}

// run extracts the bundle and runs the harness, forwarding each stdout line.
func (a *Agent) run(conn net.Conn, req *fc.GuestRequest) fc.GuestExit {
	if err := a.extract(req.Bundle); err != nil {
		return fc.GuestExit{ExitCode: 1, Error: fmt.Sprintf("extract bundle: %v", err)}
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	args := []string{}
	if req.MemoryMB > 0 {
		// Leave headroom below the VM's memory for node itself.
		args = append(args, "--max-old-space-size="+strconv.Itoa(req.MemoryMB*3/4))
	}
	args = append(args,
		filepath.Join(a.workDir, sandbox.HarnessFile),
		filepath.Join(a.workDir, sandbox.ScriptFile),
		filepath.Join(a.workDir, sandbox.InputFile),
		filepath.Join(a.workDir, fc.GuestModulesDir),
	)
	cmd := exec.CommandContext(ctx, a.nodeBin, args...)
	cmd.Dir = a.workDir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + a.workDir,
		"NODE_ENV=production",
	}
	cmd.WaitDelay = time.Second

	var stderr tailBuffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fc.GuestExit{ExitCode: 1, Error: fmt.Sprintf("stdout pipe: %v", err)}
	}
	if err := cmd.Start(); err != nil {
		return fc.GuestExit{ExitCode: 1, Error: fmt.Sprintf("start node: %v", err)}
	}

	if err := streamLines(conn, stdout); err != nil {
		log.Printf("stream output: %v", err)
		io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	exit := fc.GuestExit{Stderr: stderr.String()}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		exit.TimedOut = true
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exit.ExitCode = exitErr.ExitCode()
		} else if !exit.TimedOut {
			exit.ExitCode = 1
			exit.Error = waitErr.Error()
		}
	}
	return exit
}

// extract replaces the work directory with the bundle's contents.
func (a *Agent) extract(bundle []byte) error {
	if err := os.RemoveAll(a.workDir); err != nil {
		return fmt.Errorf("clean work dir: %w", err)
	}
	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	return archive.Extract(bytes.NewReader(bundle), a.workDir, archive.ExtractOptions{})
}

// streamLines forwards every line of r to conn as a line message.
func streamLines(conn net.Conn, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if err := fc.WriteMessage(conn, &fc.GuestMessage{Type: fc.MsgTypeLine, Line: sc.Text()}); err != nil {
			return err
		}
	}
	return sc.Err()
}

func sendExit(conn net.Conn, exit fc.GuestExit) {
	if err := fc.WriteMessage(conn, &fc.GuestMessage{Type: fc.MsgTypeExit, Exit: &exit}); err != nil {
		log.Printf("write exit: %v", err)
	}
}

// tailBuffer keeps the last stderrTail bytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrTail; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.ToValidUTF8(string(t.buf), "")
}
