package graph

import (
	"errors"
	"fmt"
	"log"

	"github.com/kgraph-dev/kgraph/internal/embed"
	"github.com/kgraph-dev/kgraph/internal/storage"
)

// Kind identifies one entry of the tool-layer error taxonomy. Every error
// that crosses the adapter boundary carries one of these stable codes.
type Kind string

const (
	KindMissingEntities     Kind = "MissingEntities"
	KindAlreadyExists       Kind = "AlreadyExists"
	KindNotFound            Kind = "NotFound"
	KindInvalid             Kind = "Invalid"
	KindProviderUnavailable Kind = "ProviderUnavailable"
	KindConflict            Kind = "Conflict"
	KindInternal            Kind = "Internal"
)

// Error is the structured failure result of a tool call. The JSON shape is
// what protocol clients see: {"error": kind, "detail": ..., kind fields}.
type Error struct {
	Kind   Kind     `json:"error"`
	Detail string   `json:"detail"`
	Names  []string `json:"names,omitempty"`
	Name   string   `json:"name,omitempty"`
	Field  string   `json:"field,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// MissingEntities reports referenced entity names that do not exist.
func MissingEntities(names []string) *Error {
	return &Error{
		Kind:   KindMissingEntities,
		Detail: fmt.Sprintf("entities do not exist: %v", names),
		Names:  names,
	}
}

// AlreadyExists reports a name collision outside create_entities' skip list.
func AlreadyExists(name string) *Error {
	return &Error{
		Kind:   KindAlreadyExists,
		Detail: fmt.Sprintf("entity %q already exists", name),
		Name:   name,
	}
}

// NotFound reports a single-target operation on a missing entity or relation.
func NotFound(name string) *Error {
	return &Error{
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%q not found", name),
		Name:   name,
	}
}

// Invalid reports a validation failure. Never recovered.
func Invalid(field, reason string) *Error {
	return &Error{
		Kind:   KindInvalid,
		Detail: fmt.Sprintf("invalid %s: %s", field, reason),
		Field:  field,
		Reason: reason,
	}
}

// ProviderUnavailable reports an embedding provider failure.
func ProviderUnavailable(detail string) *Error {
	return &Error{Kind: KindProviderUnavailable, Detail: detail}
}

// Conflict reports lock contention that outlived the busy-timeout. Mutating
// calls surface it only after the one retry the tool layer performs; read
// calls are not retried.
func Conflict(detail string) *Error {
	return &Error{Kind: KindConflict, Detail: detail}
}

// Internal wraps anything that escaped the rest of the taxonomy. The detail
// is a stable, redacted message; full context goes to the log.
func Internal(detail string) *Error {
	return &Error{Kind: KindInternal, Detail: detail}
}

// wrap maps lower-layer errors onto the taxonomy. Already-typed errors pass
// through unchanged.
func wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Kind: KindNotFound, Detail: err.Error()}
	case errors.Is(err, storage.ErrAlreadyExists):
		return &Error{Kind: KindAlreadyExists, Detail: err.Error()}
	case errors.Is(err, storage.ErrInvalid):
		return &Error{Kind: KindInvalid, Detail: err.Error()}
	case errors.Is(err, embed.ErrProviderUnavailable):
		return &Error{Kind: KindProviderUnavailable, Detail: err.Error()}
	case storage.IsBusy(err):
		return Conflict(err.Error())
	default:
		log.Printf("internal error: %v", err)
		return Internal("internal storage error")
	}
}
