package transcoder

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

const (
	// ffmpeg can print a line per frame once a stream goes bad; only the
	// tail is worth keeping.
	stderrLimit = 64 << 10
	// waitDelay bounds how long a killed tool may hold its pipes open
	// through children that inherited them.
	waitDelay = 5 * time.Second
)

// toolRun is what one external tool invocation left behind.
type toolRun struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
}

// commandRunner starts external tools. Tests swap in a fake.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (toolRun, error)
}

type execRunner struct{}

// Run executes name and waits for it. The process is killed when ctx ends.
// ExitCode is -1 when the tool never produced an exit status.
func (execRunner) Run(ctx context.Context, name string, args ...string) (toolRun, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	run := toolRun{Stdout: stdout.Bytes(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		run.ExitCode = exitErr.ExitCode()
	default:
		run.ExitCode = -1
	}
	return run, err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
