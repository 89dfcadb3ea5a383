// Package txn batches side effects and applies them on commit.
//
// A transaction is carried in a context.Context. Between Begin and Commit
// the wrappers returned by NewSender, NewPublisher and NewStore only record
// what they were asked to do; Commit then applies the recorded actions in
// call order against the wrapped resources.
//
// Commit is not atomic. Actions applied before a failing action stay
// applied, and the actions after it are dropped. Each action may carry
// Handlers that recover from the errors it is expected to raise; a
// recovered error lets the commit continue with the next action.
//
// A transaction belongs to one call path. Passing its context to other
// goroutines that enqueue concurrently is a programming error.
package txn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

var (
	// ErrNestedTransaction is returned by Begin when the context already
	// carries an active transaction.
	ErrNestedTransaction = errors.New("txn: transaction already active")
	// ErrNoTransaction is returned by Commit, Abort and the wrapper
	// operations when the context carries no active transaction.
	ErrNoTransaction = errors.New("txn: no active transaction")
)

type ctxKey struct{}

// Tx is the state of one transaction.
type Tx struct {
	id  string
	log logrus.FieldLogger

	mu      sync.Mutex
	active  bool
	actions []*Action
}

// Option configures Begin.
type Option func(*Tx)

// WithLogger sets the logger for the transaction. The default is
// logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option {
	return func(tx *Tx) {
		if l != nil {
			tx.log = l
		}
	}
}

// Begin starts a transaction and returns a context carrying it.
func Begin(ctx context.Context, opts ...Option) (context.Context, error) {
	if tx := fromContext(ctx); tx != nil && tx.isActive() {
		return ctx, ErrNestedTransaction
	}
	tx := &Tx{
		id:     uuid.NewString(),
		log:    logrus.StandardLogger(),
		active: true,
	}
	for _, opt := range opts {
		opt(tx)
	}
	tx.log = tx.log.WithField("tx", tx.id)
	tx.log.Debug("transaction started")
	return context.WithValue(ctx, ctxKey{}, tx), nil
}

// Commit applies the pending actions of the transaction in ctx.
//
// The transaction is finished before the first action is applied, so
// handlers and later code may Begin a new one on the same context. When an
// action fails and none of its handlers match, Commit stops and returns a
// *CommitError wrapping the failure. The action's error is never returned
// as is, so match it with errors.Is or errors.As rather than ==.
func Commit(ctx context.Context) error {
	tx := fromContext(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	actions, ok := tx.finish()
	if !ok {
		return ErrNoTransaction
	}
	log := tx.log.WithField("actions", len(actions))
	log.Debug("committing transaction")

	for i, a := range actions {
		err := a.apply(ctx)
		if err == nil {
			continue
		}
		alog := log.WithFields(logrus.Fields{"action": a.Description, "index": i})
		if a.recover(ctx, err) {
			alog.WithError(err).Warn("action failed, error handled")
			continue
		}
		alog.WithError(err).Error("action failed, abandoning commit")
		return &CommitError{
			Index:   i,
			Action:  a,
			Skipped: len(actions) - i - 1,
			Err:     err,
		}
	}
	return nil
}

// Abort drops the pending actions of the transaction in ctx and finishes it.
func Abort(ctx context.Context) error {
	tx := fromContext(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	actions, ok := tx.finish()
	if !ok {
		return ErrNoTransaction
	}
	tx.log.WithField("actions", len(actions)).Debug("transaction aborted")
	return nil
}

// Run begins a transaction, calls fn with it and commits when fn returns
// nil. When fn fails or panics the transaction is aborted.
func Run(ctx context.Context, fn func(ctx context.Context) error, opts ...Option) (err error) {
	txctx, err := Begin(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = Abort(txctx)
			panic(r)
		}
	}()
	if err := fn(txctx); err != nil {
		_ = Abort(txctx)
		return err
	}
	return Commit(txctx)
}

// Active reports whether ctx carries an active transaction.
func Active(ctx context.Context) bool {
	tx := fromContext(ctx)
	return tx != nil && tx.isActive()
}

// Pending returns the number of actions waiting for commit, or 0 when ctx
// carries no active transaction.
func Pending(ctx context.Context) int {
	tx := fromContext(ctx)
	if tx == nil {
		return 0
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.active {
		return 0
	}
	return len(tx.actions)
}

// ID returns the id of the transaction in ctx, active or not.
func ID(ctx context.Context) string {
	if tx := fromContext(ctx); tx != nil {
		return tx.id
	}
	return ""
}

func fromContext(ctx context.Context) *Tx {
	tx, _ := ctx.Value(ctxKey{}).(*Tx)
	return tx
}

func (tx *Tx) isActive() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.active
}

// finish marks tx inactive and hands back its actions.
func (tx *Tx) finish() ([]*Action, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.active {
		return nil, false
	}
	actions := tx.actions
	tx.actions = nil
	tx.active = false
	return actions, true
}

// enqueue records a on the active transaction in ctx.
func enqueue(ctx context.Context, a *Action) error {
	tx := fromContext(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.active {
		return ErrNoTransaction
	}
	tx.actions = append(tx.actions, a)
	tx.log.WithField("action", a.Description).Trace("action queued")
	return nil
}

// CommitError reports the action that stopped a commit.
type CommitError struct {
	// Index is the position of the failed action. The actions before it
	// were applied or had their errors handled.
	Index int
	// Action is the failed action.
	Action *Action
	// Skipped is the number of actions after it that were never applied.
	Skipped int
	Err     error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("txn: commit stopped at action %d (%s), %d skipped: %v", e.Index, e.Action.Description, e.Skipped, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
