package crypto

import (
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// LoggerHelper accumulates logrus fields for one package/function pair so
// every log line from an operation carries the same context.
type LoggerHelper struct {
	fields logrus.Fields
}

// NewLogger starts a helper tagged with pkg and function.
func NewLogger(pkg, function string) *LoggerHelper {
	return &LoggerHelper{fields: logrus.Fields{"package": pkg, "function": function}}
}

// WithField sets key and returns the helper for chaining.
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

// WithFields merges fields into the helper.
func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithError records err together with a classification and the failing step.
func (l *LoggerHelper) WithError(err error, errorType, operation string) *LoggerHelper {
	return l.WithFields(logrus.Fields{
		"error":      err.Error(),
		"error_type": errorType,
		"operation":  operation,
	})
}

// Fields returns a copy of the accumulated fields.
func (l *LoggerHelper) Fields() logrus.Fields {
	out := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// Entry returns a logrus entry carrying the fields.
func (l *LoggerHelper) Entry() *logrus.Entry {
	return logrus.WithFields(l.Fields())
}

func (l *LoggerHelper) Debug(message string) { l.Entry().Debug(message) }
func (l *LoggerHelper) Info(message string)  { l.Entry().Info(message) }
func (l *LoggerHelper) Warn(message string)  { l.Entry().Warn(message) }
func (l *LoggerHelper) Error(message string) { l.Entry().Error(message) }

// SecureFieldHash describes key material for logs by size and an 8-byte
// hex preview, never the full value.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	const previewLen = 8

	preview := "nil"
	switch {
	case len(data) > previewLen:
		preview = hex.EncodeToString(data[:previewLen]) + "..."
	case len(data) > 0:
		preview = hex.EncodeToString(data)
	}

	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
