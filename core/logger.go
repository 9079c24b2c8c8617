package core

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
)

// LogLevel controls SimpleLogger verbosity.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// SimpleLogger provides a basic leveled structured logger backed by the
// standard log package. Fields are rendered sorted for stable output.
type SimpleLogger struct {
	level  LogLevel
	out    *log.Logger
	prefix string
}

// NewSimpleLogger creates a logger writing to stderr at Info level.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		level: InfoLevel,
		out:   log.New(os.Stderr, "", log.LstdFlags|log.LUTC),
	}
}

// SetLevel sets the logging level by name. Unknown names are ignored.
func (l *SimpleLogger) SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.level = DebugLevel
	case "INFO":
		l.level = InfoLevel
	case "WARN", "WARNING":
		l.level = WarnLevel
	case "ERROR":
		l.level = ErrorLevel
	}
}

// WithComponent returns a logger that prefixes every line with the component
// name.
func (l *SimpleLogger) WithComponent(name string) *SimpleLogger {
	return &SimpleLogger{level: l.level, out: l.out, prefix: name}
}

func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) {
	l.write(DebugLevel, "DEBUG", msg, fields)
}

func (l *SimpleLogger) Info(msg string, fields map[string]interface{}) {
	l.write(InfoLevel, "INFO", msg, fields)
}

func (l *SimpleLogger) Warn(msg string, fields map[string]interface{}) {
	l.write(WarnLevel, "WARN", msg, fields)
}

func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) {
	l.write(ErrorLevel, "ERROR", msg, fields)
}

func (l *SimpleLogger) write(level LogLevel, tag, msg string, fields map[string]interface{}) {
	if l.level > level {
		return
	}
	var b strings.Builder
	b.WriteString(tag)
	if l.prefix != "" {
		b.WriteString(" [")
		b.WriteString(l.prefix)
		b.WriteString("]")
	}
	b.WriteByte(' ')
	b.WriteString(msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
		}
	}
	l.out.Println(b.String())
}
