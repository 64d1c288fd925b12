package anomaly

import (
	"fmt"

	"go.uber.org/zap"
)

type errorKind string

const (
	kindTracking    errorKind = "TrackingError"
	kindPersistence errorKind = "PersistenceError"
)

func (k errorKind) sentinel() error {
	if k == kindPersistence {
		return ErrPersistence
	}
	return ErrTracking
}

// guard runs a side effect. Errors and panics are logged with their kind and
// returned wrapped in the kind's sentinel. Callers may ignore the result.
func guard(logger *zap.Logger, kind errorKind, op string, fields []zap.Field, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", kind.sentinel(), op, r)
		}
		if err != nil {
			fs := append([]zap.Field{zap.String("kind", string(kind))}, fields...)
			logger.Warn(op+" failed", append(fs, zap.Error(err))...)
		}
	}()

	if ferr := fn(); ferr != nil {
		return fmt.Errorf("%w: %s: %w", kind.sentinel(), op, ferr)
	}
	return nil
}
