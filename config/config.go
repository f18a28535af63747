package config

import (
	"fmt"

	"go.uber.org/zap"
)

// Config defines cross-cutting concerns.
type Config struct {
	Logger      *zap.SugaredLogger
	Environment *Environment
}

const (
	// PolicyAll admits every specimen request of an order
	PolicyAll = "all"
	// PolicyFirst admits only the first specimen request of an order
	PolicyFirst = "first"
	// PolicyFirstPerSample admits the first specimen request of each sample
	PolicyFirstPerSample = "first-per-sample"
	// PolicyReject refuses orders carrying more than one specimen request
	PolicyReject = "reject"
)

// Error reports a configuration problem that prevents the process from starting.
type Error struct {
	Setting string
	Reason  string
}

// NewError creates a configuration error for the named setting.
func NewError(setting string, format string, args ...interface{}) *Error {
	return &Error{Setting: setting, Reason: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Setting, e.Reason)
}
