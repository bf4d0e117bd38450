package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors of a multi-step operation, logs them once and
// returns the combined error. It returns nil when every step succeeded.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	messages := make([]string, len(failed))
	for i, err := range failed {
		messages[i] = err.Error()
	}
	logFields := make([]Field, 0, len(fields)+3)
	logFields = append(logFields, fields...)
	logFields = append(logFields,
		F("operation", operation),
		F("error_count", len(failed)),
		F("errors", messages),
	)
	Log().Error("operation finished with errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(failed...))
}
