package txn

import (
	"errors"
	"fmt"

	"golang.org/x/net/context"
)

// Kind is the operation an Action performs.
type Kind int

const (
	KindCreate Kind = iota + 1
	KindUpdate
	KindDelete
	KindSend
	KindSendDelayed
	KindPublish
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindSend:
		return "send"
	case KindSendDelayed:
		return "send_delayed"
	case KindPublish:
		return "publish"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Action is one deferred operation.
type Action struct {
	Kind        Kind
	Description string

	apply    func(ctx context.Context) error
	handlers []Handler
}

func newAction(kind Kind, target string, apply func(ctx context.Context) error, handlers []Handler) *Action {
	return &Action{
		Kind:        kind,
		Description: kind.String() + " " + target,
		apply:       apply,
		handlers:    handlers,
	}
}

// recover hands err to the first matching handler.
func (a *Action) recover(ctx context.Context, err error) bool {
	for _, h := range a.handlers {
		if h.Handle(ctx, err) {
			return true
		}
	}
	return false
}

// Handler recovers from an error raised while an action is applied.
type Handler interface {
	// Handle reports whether err is of the kind the handler recovers from
	// and, when it is, deals with it.
	Handle(ctx context.Context, err error) bool
}

type typed[E error] struct {
	fn func(ctx context.Context, err E)
}

func (h typed[E]) Handle(ctx context.Context, err error) bool {
	var target E
	if !errors.As(err, &target) {
		return false
	}
	h.fn(ctx, target)
	return true
}

// On returns a Handler for errors of type E anywhere in the error chain.
// E may be a concrete error type or an interface such as smithy.APIError,
// which then matches every error implementing it.
func On[E error](fn func(ctx context.Context, err E)) Handler {
	return typed[E]{fn: fn}
}

type anyHandler func(ctx context.Context, err error)

func (h anyHandler) Handle(ctx context.Context, err error) bool {
	h(ctx, err)
	return true
}

// OnAny returns a Handler that matches every error.
func OnAny(fn func(ctx context.Context, err error)) Handler {
	return anyHandler(fn)
}

// Ignore returns a Handler that swallows errors of type E.
func Ignore[E error]() Handler {
	return On(func(context.Context, E) {})
}
