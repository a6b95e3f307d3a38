package util

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// PanicHandler provides centralized panic recovery and logging for the
// long-running worker goroutines. A recovered panic ends only the
// offending connection or message, never the whole worker process.
type PanicHandler struct {
	logger *logrus.Logger
}

// NewPanicHandler creates a new panic handler
func NewPanicHandler(logger *logrus.Logger) *PanicHandler {
	return &PanicHandler{logger: logger}
}

// Recover recovers from a panic and logs it with the given context
// fields. It must be invoked directly via defer.
func (ph *PanicHandler) Recover(component string, fields logrus.Fields) {
	if r := recover(); r != nil {
		entry := ph.logger.WithFields(logrus.Fields{
			"component":   component,
			"panic_value": r,
			"stack_trace": string(debug.Stack()),
		})
		if len(fields) > 0 {
			entry = entry.WithFields(fields)
		}
		entry.Error("Panic recovered")
	}
}

// Go starts a goroutine wrapped with panic recovery.
func (ph *PanicHandler) Go(component string, fields logrus.Fields, fn func()) {
	go func() {
		defer ph.Recover(component, fields)
		fn()
	}()
}

// Run invokes fn inline with panic recovery, for per-message dispatch
// inside a read loop that must survive one bad message.
func (ph *PanicHandler) Run(component string, fields logrus.Fields, fn func()) {
	defer ph.Recover(component, fields)
	fn()
}
