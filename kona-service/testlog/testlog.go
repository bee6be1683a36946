// Package testlog provides a go-ethereum logger that writes through testing.T.
package testlog

import (
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

// Testing is the subset of testing.TB the logger needs.
type Testing interface {
	Log(args ...any)
	Helper()
}

type testWriter struct {
	t Testing
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// Logger returns a logger that logs through t at the given level and above.
func Logger(t Testing, level slog.Level) log.Logger {
	return log.NewLogger(log.NewTerminalHandlerWithLevel(&testWriter{t: t}, level, false))
}
