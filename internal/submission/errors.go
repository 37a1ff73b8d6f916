package submission

import (
	"fmt"
	"strings"

	"rebuttal/api/internal/readiness"
)

// ValidationError carries the blocking gaps that stopped a submission.
type ValidationError struct {
	Gaps []readiness.Gap
}

func (e *ValidationError) Error() string {
	codes := make([]string, 0, len(e.Gaps))
	for _, g := range e.Gaps {
		codes = append(codes, g.Code)
	}
	return "submission blocked: " + strings.Join(codes, ", ")
}

// RetryableError is a transient failure the scheduler should retry.
type RetryableError struct {
	Code    string
	Message string
	Err     error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}
