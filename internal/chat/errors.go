package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies everything that can go wrong inside the conversation
// core. Nothing escapes the engine boundary as an unhandled failure; callers
// only ever see an updated message log, an optional last-error string, and the
// needs-new-credential flag.
type FailureKind string

const (
	// FailureContextInit means creating a provider conversation context failed.
	// Recovered by surfacing an error message and allowing a retry.
	FailureContextInit FailureKind = "context_init"
	// FailureCredentialInvalid means the provider rejected the credential. Not
	// recovered locally; surfaced to the hosting shell via a dedicated callback.
	FailureCredentialInvalid FailureKind = "credential_invalid"
	// FailureTransport covers network and timeout failures during a send or
	// stream. The session remains usable for further sends.
	FailureTransport FailureKind = "transport"
	// FailureQuota means the provider reported a rate or usage limit.
	FailureQuota FailureKind = "quota"
	// FailureValidation covers empty outgoing content and disallowed image
	// types or sizes, rejected before any network call.
	FailureValidation FailureKind = "validation"
	// FailureNotFound means an operation referenced a session or message id
	// that no longer exists.
	FailureNotFound FailureKind = "not_found"
)

// Failure is the typed error the conversation core hands to its callers.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.Err)
	}
	return f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches two failures by kind, so errors.Is works against the sentinels below.
func (f *Failure) Is(target error) bool {
	var other *Failure
	if !errors.As(target, &other) {
		return false
	}
	return f.Kind == other.Kind
}

// Sentinel failures for the rejection paths of the engine and the session store.
var (
	ErrSessionNotFound = &Failure{Kind: FailureNotFound, Message: "session not found"}
	ErrMessageNotFound = &Failure{Kind: FailureNotFound, Message: "message not found"}
	ErrReplyInFlight   = &Failure{Kind: FailureValidation, Message: "a reply is already in flight"}
	ErrNoContext       = &Failure{Kind: FailureValidation, Message: "no conversation context"}
	ErrEmptyContent    = &Failure{Kind: FailureValidation, Message: "nothing to send"}
)

// Classify maps an arbitrary error onto the failure taxonomy. A wrapped
// Failure keeps its kind; otherwise the error text is inspected the way the
// original client classifies provider responses: credential complaints beat
// quota complaints beat everything else, and the remainder is treated as a
// transport failure.
func Classify(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransport
	}

	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "api key not valid"),
		strings.Contains(text, "invalid api key"),
		strings.Contains(text, "api key is not configured"),
		strings.Contains(text, "unauthorized"),
		strings.Contains(text, "permission denied"),
		strings.Contains(text, "401"):
		return FailureCredentialInvalid
	case strings.Contains(text, "quota"),
		strings.Contains(text, "resource exhausted"),
		strings.Contains(text, "rate limit"),
		strings.Contains(text, "429"):
		return FailureQuota
	default:
		return FailureTransport
	}
}
