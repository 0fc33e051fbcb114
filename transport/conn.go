package transport

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Conn is the byte stream carrying the line protocol: a TCP socket, or a
// subprocess peer's standard streams in pipe mode.
type Conn interface {
	io.ReadWriteCloser
}

// pipeExitGrace is how long Close waits for a pipe-mode subprocess to exit
// after its stdin is closed before killing it.
const pipeExitGrace = 3 * time.Second

// pipeConn is a Conn over a subprocess peer's stdin/stdout. Reads return EOF
// when the process exits and closes its stdout, which is the close signal the
// owner watches for.
type pipeConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	exited chan struct{}
	log    zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// startPipe wires the command's standard streams and starts it. Stderr is
// inherited; the peer's own diagnostics stay visible.
func startPipe(cmd *exec.Cmd, log zerolog.Logger) (*pipeConn, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open subprocess stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open subprocess stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn peer subprocess: %w", err)
	}
	log.Info().Int("pid", cmd.Process.Pid).Str("path", cmd.Path).Msg("spawned peer subprocess")

	pc := &pipeConn{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		exited: make(chan struct{}),
		log:    log,
	}
	go func() {
		err := cmd.Wait()
		pc.log.Info().AnErr("exit", err).Msg("peer subprocess exited")
		close(pc.exited)
	}()
	return pc, nil
}

func (pc *pipeConn) Read(p []byte) (int, error) {
	return pc.stdout.Read(p)
}

func (pc *pipeConn) Write(p []byte) (int, error) {
	return pc.stdin.Write(p)
}

// Close closes the subprocess's stdin so it can exit on its own, then kills it
// if it lingers past the grace period.
func (pc *pipeConn) Close() error {
	pc.closeOnce.Do(func() {
		pc.closeErr = pc.stdin.Close()

		select {
		case <-pc.exited:
		case <-time.After(pipeExitGrace):
			pc.log.Warn().Int("pid", pc.cmd.Process.Pid).Msg("peer subprocess did not exit, killing")
			_ = pc.cmd.Process.Kill()
			<-pc.exited
		}
		_ = pc.stdout.Close()
	})
	return pc.closeErr
}
