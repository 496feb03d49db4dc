// Package securelog wraps logrus so that nothing user-provided (message
// bodies, display names, credentials) ends up in log output. Errors are
// recorded as the caller location plus the chain of error types.
package securelog

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger.
func Setup(level string, out io.Writer) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(lvl)
	if out != nil {
		logrus.SetOutput(out)
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		DisableQuote:    true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return nil
}

// Component returns a logger tagged with the component name. A nil base
// falls back to the standard logger.
func Component(base *logrus.Entry, name string) *logrus.Entry {
	if base == nil {
		base = logrus.NewEntry(logrus.StandardLogger())
	}
	return base.WithField("component", name)
}

// Error logs err at error level without its message text.
func Error(log logrus.FieldLogger, context string, err error) {
	if err == nil {
		return
	}
	entry(log, context, err, 3).Error("operation failed")
}

// Debug logs err at debug level without its message text.
func Debug(log logrus.FieldLogger, context string, err error) {
	if err == nil {
		return
	}
	entry(log, context, err, 3).Debug("operation ignored")
}

// Payload logs a rejected push payload by topic and size only.
func Payload(log logrus.FieldLogger, topic string, size int, err error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{
		"topic": topic,
		"bytes": size,
		"types": strings.Join(errorTypes(err), "->"),
	}).Warn("dropped push payload")
}

func entry(log logrus.FieldLogger, context string, err error, skip int) logrus.FieldLogger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	fields := logrus.Fields{
		"caller": callerLocation(skip),
		"types":  strings.Join(errorTypes(err), "->"),
	}
	if context != "" {
		fields["context"] = context
	}
	return log.WithFields(fields)
}

func callerLocation(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d %s", file, line, name)
}

func errorTypes(err error) []string {
	types := []string{}
	seen := map[string]struct{}{}
	for err != nil {
		name := fmt.Sprintf("%T", err)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			types = append(types, name)
		}
		err = errors.Unwrap(err)
	}
	return types
}
