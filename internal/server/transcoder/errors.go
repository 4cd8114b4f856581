package transcoder

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupportedAction = errors.New("unsupported action")

const stderrTail = 400

// ToolError reports a failed external tool run.
type ToolError struct {
	Action   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed (exit %d)", e.Action, e.ExitCode)
	if tail := lastLines(e.Stderr, stderrTail); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// lastLines keeps the end of s, which is where ffmpeg prints the cause.
func lastLines(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	s = s[len(s)-max:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return "..." + s
}
