package workflow

import (
	"errors"
	"fmt"

	"consultflow/backend/internal/repository"
	"consultflow/backend/internal/retrieval"
)

// Kind classifies a workflow failure.
type Kind string

const (
	KindNotFound              Kind = "NotFound"
	KindTemplateNotFound      Kind = "TemplateNotFound"
	KindInvalidTemplate       Kind = "InvalidTemplate"
	KindInvalidStepTransition Kind = "InvalidStepTransition"
	KindStepAlreadyRunning    Kind = "StepAlreadyRunning"
	KindStepNotApprovable     Kind = "StepNotApprovable"
	KindModelUnavailable      Kind = "ModelUnavailable"
	KindModelOutputInvalid    Kind = "ModelOutputInvalid"
	KindRevisionExhausted     Kind = "RevisionExhausted"
	KindPersistenceFailed     Kind = "PersistenceFailed"
	KindEmbeddingUnavailable  Kind = "EmbeddingUnavailable"
	KindExtractionLimited     Kind = "ExtractionLimited"
)

// Error is a classified workflow failure. errors.Is matches any *Error of
// the same kind, so the sentinels below can be used as targets. Kinds
// without a sentinel are matched with KindOf.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrInvalidStepTransition = &Error{Kind: KindInvalidStepTransition}
	ErrStepAlreadyRunning    = &Error{Kind: KindStepAlreadyRunning}
	ErrStepNotApprovable     = &Error{Kind: KindStepNotApprovable}
	ErrModelUnavailable      = &Error{Kind: KindModelUnavailable}
	ErrModelOutputInvalid    = &Error{Kind: KindModelOutputInvalid}
	ErrRevisionExhausted     = &Error{Kind: KindRevisionExhausted}
)

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err. Repository and retrieval sentinels are
// mapped onto their workflow kinds; anything else is a persistence failure.
func KindOf(err error) Kind {
	var we *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &we):
		return we.Kind
	case errors.Is(err, repository.ErrNotFound):
		return KindNotFound
	case errors.Is(err, retrieval.ErrEmbeddingUnavailable):
		return KindEmbeddingUnavailable
	case errors.Is(err, retrieval.ErrExtractionLimited):
		return KindExtractionLimited
	}
	return KindPersistenceFailed
}

// notFound converts a repository miss into a workflow error and passes
// other errors through.
func notFound(err error, what, id string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return newError(KindNotFound, err, "%s %s not found", what, id)
	}
	return err
}
