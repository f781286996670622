package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tinylsp/lspmux/internal/jsonrpc"
)

// Subprocess is a Backend backed by a spawned language server process
// communicating over its stdin/stdout as framed JSON-RPC, with stderr
// drained line by line for out-of-band diagnostics.
type Subprocess struct {
	name string
	cmd  *exec.Cmd

	writer *jsonrpc.Writer
	reader *jsonrpc.Reader

	stderr  *bufio.Scanner
	stderrM sync.Mutex

	closeOnce sync.Once
	stdin     io.WriteCloser
}

// NewSubprocess spawns argv[0] with argv[1:] as arguments, in its own
// process group so that a kill-after-timeout (§5) can signal every process
// it may have forked, not just the direct child.
func NewSubprocess(name string, argv []string) (*Subprocess, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("backend %s: empty argv", name)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("backend %s: stdin pipe: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("backend %s: stdout pipe: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("backend %s: stderr pipe: %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("backend %s: start: %w", name, err)
	}

	return &Subprocess{
		name:   name,
		cmd:    cmd,
		writer: jsonrpc.NewWriter(stdin),
		reader: jsonrpc.NewReader(stdout),
		stderr: bufio.NewScanner(stderr),
		stdin:  stdin,
	}, nil
}

func (s *Subprocess) Name() string { return s.name }

func (s *Subprocess) Deliver(msg *jsonrpc.Message) error {
	return s.writer.WriteMessage(msg)
}

func (s *Subprocess) Poll(ctx context.Context) (*jsonrpc.Message, error) {
	type result struct {
		msg *jsonrpc.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := s.reader.ReadMessage()
		done <- result{msg, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.msg, r.err
	}
}

// PollErrors returns the next stderr line, blocking until one is read; it
// returns ("", false) once stderr is closed or reading it fails.
func (s *Subprocess) PollErrors() (string, bool) {
	s.stderrM.Lock()
	defer s.stderrM.Unlock()
	if !s.stderr.Scan() {
		return "", false
	}
	return s.stderr.Text(), true
}

// Close signals orderly termination by closing the back-end's stdin, per
// §5's "close these in order: stdin first (to trigger orderly exit)".
func (s *Subprocess) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.stdin.Close() })
	return err
}

func (s *Subprocess) Wait() error {
	return s.cmd.Wait()
}

// Kill signals the entire process group, the path taken when Wait doesn't
// return within the §5 grace period after Close.
func (s *Subprocess) Kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	return unix.Kill(-s.cmd.Process.Pid, unix.SIGKILL)
}
