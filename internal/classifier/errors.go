package classifier

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("classifier is closed")

// ModelLoadError reports a failure to fetch, open or warm up the model.
type ModelLoadError struct {
	Source string
	Err    error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load model %s: %v", e.Source, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// InvalidInputError reports input that cannot be turned into a model tensor.
type InvalidInputError struct {
	Err error
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %v", e.Err)
}

func (e *InvalidInputError) Unwrap() error { return e.Err }

// InvalidTopKError reports a K outside [1, Max].
type InvalidTopKError struct {
	K   int
	Max int
}

func (e *InvalidTopKError) Error() string {
	return fmt.Sprintf("invalid top k %d: must be between 1 and %d", e.K, e.Max)
}

// LabelError reports a score index with no entry in the label table.
type LabelError struct {
	Index int
	Err   error
}

func (e *LabelError) Error() string {
	return fmt.Sprintf("no label for class %d: %v", e.Index, e.Err)
}

func (e *LabelError) Unwrap() error { return e.Err }
