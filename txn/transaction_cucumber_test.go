//go:build cucumber

package txn

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"golang.org/x/net/context"
)

// TestTransactionFeatures runs the transaction feature scenarios via godog.
func TestTransactionFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "transaction",
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:    "pretty",
			Paths:     []string{filepath.Join("testdata", "features", "transaction.feature")},
			Strict:    true,
			TestingT:  t,
			Randomize: 0,
		},
	}
	if suite.Run() != 0 {
		t.Fatalf("non-zero godog status")
	}
}

// InitializeScenario wires the step definitions.
func InitializeScenario(ctx *godog.ScenarioContext) {
	state := &txState{}
	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		state.reset()
		return ctx, nil
	})

	ctx.Step(`^a transaction is started$`, state.begin)
	ctx.Step(`^I start another transaction$`, state.beginAgain)
	ctx.Step(`^the sender fails "([^"]+)" with a conflict$`, state.failWithConflict)
	ctx.Step(`^I send "([^"]+)"$`, state.send)
	ctx.Step(`^I send "([^"]+)" handling conflicts$`, state.sendHandlingConflicts)
	ctx.Step(`^I send "([^"]+)" delayed by (\d+) seconds$`, state.sendDelayed)
	ctx.Step(`^I commit$`, state.commit)
	ctx.Step(`^the commit succeeds$`, state.commitSucceeds)
	ctx.Step(`^the commit fails at action (\d+)$`, state.commitFailsAt)
	ctx.Step(`^the error is "([^"]+)"$`, state.errorIs)
	ctx.Step(`^the sender has received (\d+) calls$`, state.callCount)
	ctx.Step(`^the sender received "([^"]+)" then "([^"]+)"$`, state.receivedInOrder)
	ctx.Step(`^(\d+) conflicts? (?:was|were) handled$`, state.conflictsHandled)
}

// txState holds scenario state.
type txState struct {
	ctx       context.Context
	mock      *mockSender
	sender    *TxSender
	lastErr   error
	conflicts int
}

func (s *txState) reset() {
	s.ctx = context.Background()
	s.mock = &mockSender{errs: map[string]error{}}
	s.sender = NewSender(s.mock)
	s.lastErr = nil
	s.conflicts = 0
}

func (s *txState) begin() error {
	ctx, err := Begin(s.ctx)
	if err != nil {
		return err
	}
	s.ctx = ctx
	return nil
}

func (s *txState) beginAgain() error {
	_, s.lastErr = Begin(s.ctx)
	return nil
}

func (s *txState) failWithConflict(body string) error {
	s.mock.errs[body] = &conflictError{key: body}
	return nil
}

func (s *txState) send(body string) error {
	s.lastErr = s.sender.Send(s.ctx, &Message{Body: body})
	return nil
}

func (s *txState) sendHandlingConflicts(body string) error {
	s.lastErr = s.sender.Send(s.ctx, &Message{Body: body},
		On(func(context.Context, *conflictError) { s.conflicts++ }))
	return nil
}

func (s *txState) sendDelayed(body string, seconds int) error {
	s.lastErr = s.sender.SendDelayed(s.ctx, &Message{Body: body}, time.Duration(seconds)*time.Second)
	return nil
}

func (s *txState) commit() error {
	s.lastErr = Commit(s.ctx)
	return nil
}

func (s *txState) commitSucceeds() error {
	return s.lastErr
}

func (s *txState) commitFailsAt(index int) error {
	var ce *CommitError
	if !errors.As(s.lastErr, &ce) {
		return fmt.Errorf("expected a commit error, got %v", s.lastErr)
	}
	if ce.Index != index {
		return fmt.Errorf("commit stopped at action %d, want %d", ce.Index, index)
	}
	return nil
}

func (s *txState) errorIs(kind string) error {
	var want error
	switch kind {
	case "nested transaction":
		want = ErrNestedTransaction
	case "no active transaction":
		want = ErrNoTransaction
	default:
		return fmt.Errorf("unknown error kind %q", kind)
	}
	if !errors.Is(s.lastErr, want) {
		return fmt.Errorf("expected %v, got %v", want, s.lastErr)
	}
	return nil
}

func (s *txState) callCount(n int) error {
	if got := len(s.mock.recorded()); got != n {
		return fmt.Errorf("sender received %d calls, want %d", got, n)
	}
	return nil
}

func (s *txState) receivedInOrder(first, second string) error {
	var got []string
	for _, c := range s.mock.recorded() {
		desc := c.op + " " + c.body
		if c.delay > 0 {
			desc += " " + c.delay.String()
		}
		got = append(got, desc)
	}
	want := []string{first, second}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		return fmt.Errorf("sender received %q, want %q", got, want)
	}
	return nil
}

func (s *txState) conflictsHandled(n int) error {
	if s.conflicts != n {
		return fmt.Errorf("%d conflicts handled, want %d", s.conflicts, n)
	}
	return nil
}
