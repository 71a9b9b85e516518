package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// stdLogger wraps the standard log package for deployments that don't
// need structured fields.
type stdLogger struct {
	l *log.Logger
}

// NewStd builds a Logger backed by the standard library's log package,
// writing to os.Stderr with a timestamp prefix.
func NewStd() Logger {
	return &stdLogger{l: log.New(os.Stderr, "", log.LstdFlags)}
}

func (s *stdLogger) Log(level Level, msg string, fields ...any) {
	var b strings.Builder
	b.WriteString(level.String())
	b.WriteByte(' ')
	b.WriteString(msg)
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	s.l.Print(b.String())
}
