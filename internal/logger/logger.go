package logger

import (
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const simpleTimeFormat = "02-01-2006 15:04:05"

// Field names shared across components.
const (
	FieldComponent     = "component"
	FieldCorrelationID = "correlation_id"
	FieldAction        = "action"
	FieldRecipient     = "recipient"
	FieldTopic         = "topic"
	FieldPartition     = "partition"
	FieldOffset        = "offset"
)

// New constructs a zerolog logger according to the runtime environment.
// Development environments receive human readable console logs while other
// environments emit JSON.
func New(env, level string, writers ...io.Writer) (*zerolog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = simpleTimeFormat
	zerolog.DurationFieldUnit = time.Millisecond

	var output io.Writer
	if len(writers) > 0 {
		output = io.MultiWriter(writers...)
	} else if strings.EqualFold(env, "development") || strings.EqualFold(env, "dev") {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: simpleTimeFormat}
		cw.FieldsExclude = []string{zerolog.TimestampFieldName}
		output = cw
	} else {
		output = os.Stdout
	}

	logger := zerolog.New(output).With().Timestamp().Logger().Level(lvl)
	return &logger, nil
}

// OrNop returns l, or a disabled logger when l is the zero value.
func OrNop(l zerolog.Logger) zerolog.Logger {
	if reflect.ValueOf(l).IsZero() {
		return zerolog.Nop()
	}
	return l
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return OrNop(l).With().Str(FieldComponent, name).Logger()
}

// Transaction returns a child logger tagged with the transaction correlation
// id and the envelope action.
func Transaction(l zerolog.Logger, correlationID, action string) zerolog.Logger {
	ctx := OrNop(l).With().Str(FieldCorrelationID, correlationID)
	if action != "" {
		ctx = ctx.Str(FieldAction, action)
	}
	return ctx.Logger()
}

func parseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		level = zerolog.InfoLevel.String()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, err
	}
	return lvl, nil
}
