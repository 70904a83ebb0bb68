package scheduling

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")
)

// resultLabel buckets an error for metrics.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidConfiguration), errors.Is(err, ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
