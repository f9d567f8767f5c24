package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
)

// Can be one of:
//   - Prod
//   - Dev
//   - Staging
type Enviroment int

const (
	_ Enviroment = iota
	Prod
	Dev
	Staging
)

// ParseEnviroment maps a config string onto an Enviroment. Unknown values map to Prod.
func ParseEnviroment(s string) Enviroment {
	switch s {
	case "dev", "Dev":
		return Dev
	case "staging", "Staging":
		return Staging
	default:
		return Prod
	}
}

func (e Enviroment) String() string {
	switch e {
	case Prod:
		return "prod"
	case Dev:
		return "dev"
	case Staging:
		return "staging"
	default:
		return "unknown"
	}
}

func (e Enviroment) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Enviroment) UnmarshalText(text []byte) error {
	*e = ParseEnviroment(string(text))
	return nil
}

// NewLogger creates new JSON slog.Logger writing to stdout
func NewLogger(env Enviroment, addSource bool) *slog.Logger {
	return newLogger(os.Stdout, env, addSource)
}

// NewWriterLogger is NewLogger writing to w.
func NewWriterLogger(w io.Writer, env Enviroment, addSource bool) *slog.Logger {
	return newLogger(w, env, addSource)
}

func newLogger(w io.Writer, env Enviroment, addSource bool) *slog.Logger {
	var level slog.Level

	switch env {
	case Prod, Staging:
		level = slog.LevelInfo
	case Dev:
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: addSource,
		Level:     level,
	})
	return slog.New(h)
}

// NewTestLogger returns a text logger writing into the returned buffer.
func NewTestLogger() (*bytes.Buffer, *slog.Logger) {
	b := new(bytes.Buffer)
	h := slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b, slog.New(h)
}

// ErrAttr wraps an error into a slog attribute under the "error" key.
func ErrAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}
