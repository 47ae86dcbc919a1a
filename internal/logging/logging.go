// Package logging provides the agent's minimal, dependency-free logger.
//
// The agent runs unattended next to a customer database; its only audience
// is a log collector tailing stderr, so every line is self-contained:
// timestamp, call site, message.
package logging

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// Log writes a timestamped line to stderr, prefixed with the file:line of
// its caller.
func Log(args ...interface{}) {
	_, file, line, ok := runtime.Caller(1)
	if ok {
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
	} else {
		file = "???"
	}
	msg := fmt.Sprintln(args...)
	fmt.Fprintf(os.Stderr, "%s: %s:%d - %s", time.Now().Format(time.RFC3339), file, line, msg)
}

// Error logs an error with its originating context. A nil err is a no-op
// so call sites can log unconditionally on cleanup paths.
func Error(context string, err error) {
	if err == nil {
		return
	}
	Log(fmt.Sprintf("%s: %v", context, err))
}
