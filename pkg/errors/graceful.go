// Package errors coordinates fatal errors raised by the daemon's
// goroutines with the main shutdown path.
package errors

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/migadu/maintenance/logger"
)

const (
	ExitOK     = 0
	ExitConfig = 2
	ExitFatal  = 1
)

// ComponentError is reported when a long-running component (an API
// listener, the shared state store) stops with an error.
type ComponentError struct {
	Component string
	Err       error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("component '%s' failed: %v", e.Component, e.Err)
}

func (e *ComponentError) Unwrap() error {
	return e.Err
}

func NewComponentError(component string, err error) *ComponentError {
	return &ComponentError{Component: component, Err: err}
}

// ErrorHandler collects the first exit request. Later requests are dropped.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{exitChannel: make(chan int, 1)}
}

func (eh *ErrorHandler) requestExit(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(component string, err error) {
	logger.Error("Fatal error", "error", NewComponentError(component, err))
	eh.requestExit(ExitFatal)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "path", configPath, "error", err)
	}
	eh.requestExit(ExitConfig)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.requestExit(ExitConfig)
}

// Exit returns a channel that yields the requested exit code.
func (eh *ErrorHandler) Exit() <-chan int {
	return eh.exitChannel
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return ExitOK, false
	}
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
