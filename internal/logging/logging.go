// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const filePermission = 0o664

type Builder struct {
	writer  io.Writer
	path    string
	level   zerolog.Level
	console bool
}

type Logger struct {
	zerolog.Logger
	file *os.File
}

func New() *Builder {
	return &Builder{level: zerolog.InfoLevel}
}

// FromPath appends to a log file instead of the writer.
func (b *Builder) FromPath(path string) *Builder {
	b.path = strings.TrimSpace(path)
	return b
}

func (b *Builder) FromWriter(w io.Writer) *Builder {
	b.writer = w
	return b
}

func (b *Builder) Level(level zerolog.Level) *Builder {
	b.level = level
	return b
}

// Console switches to zerolog's human readable output.
func (b *Builder) Console(enabled bool) *Builder {
	b.console = enabled
	return b
}

func (b *Builder) Make() (*Logger, error) {
	out := &Logger{}
	writer := b.writer
	if writer == nil {
		writer = os.Stderr
	}
	if b.path != "" {
		file, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePermission)
		if err != nil {
			return nil, err
		}
		out.file = file
		writer = zerolog.SyncWriter(file)
	}
	if b.console {
		writer = zerolog.ConsoleWriter{Out: writer, NoColor: b.path != ""}
	}
	out.Logger = zerolog.New(writer).Level(b.level).With().Timestamp().Logger()
	return out, nil
}

func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel accepts zerolog level names and falls back to info.
func ParseLevel(raw string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
