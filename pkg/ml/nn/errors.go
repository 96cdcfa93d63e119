package nn

import (
	"errors"
	"fmt"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrNotCompiled   = errors.New("model is not compiled")
	ErrBadFormat     = errors.New("not a model file")
)

// ModelConstructionError reports an architecture that cannot be assembled,
// such as a head that does not fit the backbone output.
type ModelConstructionError struct {
	Reason string
	Err    error
}

func (e *ModelConstructionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model construction: %s: %v", e.Reason, e.Err)
	}
	return "model construction: " + e.Reason
}

func (e *ModelConstructionError) Unwrap() error {
	return e.Err
}

func constructionErrorf(format string, args ...any) error {
	return &ModelConstructionError{Reason: fmt.Sprintf(format, args...)}
}
