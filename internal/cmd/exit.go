package cmd

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/pbqueue/internal/observability"
)

// Exit codes not covered by foundry. Usage, missing file, file I/O and
// signal exits use the foundry codes directly.
const (
	ExitSuccess = 0
	ExitFailure = 1
	// ExitConflict covers ambiguous job ids, removing a running job and
	// starting a scheduler whose autostart is disabled.
	ExitConflict = 4
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, msg string, err error) error {
	observability.CLILogger.Debug(msg, zap.Int("exit_code", code), zap.Error(err))
	return &ExitError{Code: code, Message: msg, Err: err}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}
