package orchestrator

import (
	"errors"
	"fmt"

	"github.com/qualivox/callaudit/pkg/workflow"
)

// ConfigError marks a run that cannot proceed because its schedule or
// selection is invalid. Config errors never retry: the data is wrong,
// not the weather.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

// configErrorf builds a non-retriable ConfigError.
func configErrorf(format string, args ...any) error {
	return workflow.NonRetriable(&ConfigError{Message: fmt.Sprintf(format, args...)})
}

// IsConfigError reports whether err carries a ConfigError anywhere in
// its chain.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
