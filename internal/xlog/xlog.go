// Package xlog provides the structured logging sink every x2ssh package is
// handed at construction time, instead of reaching for a process-global.
package xlog

import (
	"io"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// New builds the base logger. Human-readable console output when stderr is
// a terminal, line-delimited JSON otherwise (redirected to a file, piped to
// a log collector), matching the corpus's split between dev-console and
// production JSON output.
func New(level zerolog.Level) zerolog.Logger {
	var w io.Writer = os.Stderr
	if isTerminal(os.Stderr) {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Recover should be deferred at the top of every goroutine that isn't
// already joined via a WaitGroup/errgroup, so a panic in one pump doesn't
// take down the process silently.
func Recover(log zerolog.Logger, name string) {
	if r := recover(); r != nil {
		log.Error().
			Str("goroutine", name).
			Interface("panic", r).
			Str("stack", string(debug.Stack())).
			Msg("recovered panic")
	}
}

// SafeGo launches fn in a goroutine with Recover deferred.
func SafeGo(log zerolog.Logger, name string, fn func()) {
	go func() {
		defer Recover(log, name)
		fn()
	}()
}
