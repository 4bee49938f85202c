package observability

import (
	"errors"
	"fmt"
)

// BatchError summarises the failures of a batch of attempted items, such as publishing a
// catalogue. Nil entries count as successes. A partial failure is logged as a warning and a
// total failure as an error; the returned error wraps every failure.
func BatchError(logger Logger, operation string, attempted int, errs []error, fields ...Field) error {
	failed := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if attempted < len(failed) {
		attempted = len(failed)
	}
	logFields := append(append([]Field(nil), fields...),
		F("operation", operation),
		F("attempted", attempted),
		F("failed", len(failed)),
		Err(failed[0]),
	)
	logger = OrDefault(logger)
	if len(failed) < attempted {
		logger.Warn("batch partially failed", logFields...)
	} else {
		logger.Error("batch failed", logFields...)
	}
	return fmt.Errorf("%s: %d of %d failed: %w", operation, len(failed), attempted, errors.Join(failed...))
}
