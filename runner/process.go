package runner

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const (
	waitDelay   = 2 * time.Second
	stderrLimit = 16 << 10
)

// process is one spawned build / run command
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *tailBuffer
	tty    *os.File

	finalized bool
	waitOnce  sync.Once
	waitErr   error
}

func startProcess(args, env []string, dir string, tty bool) (*process, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = waitDelay

	if tty {
		// pty.Start puts the child into a new session, so it leads its own group
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, err
		}
		return &process{cmd: cmd, stdin: f, stdout: f, tty: f}, nil
	}

	setProcessGroup(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	p := &process{cmd: cmd, stdin: stdin, stdout: stdout, stderr: newTailBuffer(stderrLimit)}
	cmd.Stderr = p.stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *process) pid() int {
	return p.cmd.Process.Pid
}

// closeInput closes stdin after the trigger is written.
// For tty stdin and stdout share the terminal master which is closed on wait.
func (p *process) closeInput() error {
	if p.tty != nil {
		return nil
	}
	return p.stdin.Close()
}

// kill terminates the whole process group led by the child
func (p *process) kill() error {
	return killProcessGroup(p.cmd)
}

// wait reaps the child and releases its file descriptors, it is safe to call multiple times
func (p *process) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		if p.tty != nil {
			p.tty.Close()
		}
	})
	return p.waitErr
}

// isEOF treats EIO from the terminal master as EOF, linux returns it once the slave is closed
func (p *process) isEOF(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	return p.tty != nil && errors.Is(err, syscall.EIO)
}

// stderrText returns the tail of captured stderr, only valid after wait
func (p *process) stderrText() string {
	if p.stderr == nil {
		return ""
	}
	return p.stderr.String()
}

// tailBuffer keeps the last limit bytes written into it
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(b)
	if n >= t.limit {
		t.buf = append(t.buf[:0], b[n-t.limit:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, b...)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
