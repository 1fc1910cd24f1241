package schemas

import (
	"context"
	"errors"
	"time"
)

// ErrWaitTimeout is returned by Automation.WaitUntil when the predicate never held.
// Callers translate it into the failure that fits their step.
var ErrWaitTimeout = errors.New("wait condition not met before timeout")

// ElementHandle identifies a live element inside one automation handle.
// It is only meaningful to the Automation that produced it.
type ElementHandle struct {
	ID       int64
	Selector string
}

// Lookup is the outcome of looking an element up. A missing element is a
// normal outcome, not an error.
type Lookup struct {
	Handle ElementHandle
	Found  bool
}

// NotFound is the zero Lookup.
var NotFound = Lookup{}

// Predicate is polled by WaitUntil.
type Predicate func(ctx context.Context) (bool, error)

// Automation is the browser surface one scrape session drives. Implementations
// are not safe for concurrent use; each session owns exactly one.
type Automation interface {
	Navigate(ctx context.Context, url string) error
	FindElement(ctx context.Context, selector string) (Lookup, error)
	FindElements(ctx context.Context, selector string) ([]ElementHandle, error)
	SelectOption(ctx context.Context, el ElementHandle, value string) error
	Click(ctx context.Context, el ElementHandle) error
	TypeText(ctx context.Context, el ElementHandle, text string) error
	ReadText(ctx context.Context, el ElementHandle) (string, error)
	// ReadAttribute reports ok=false when the attribute is absent.
	ReadAttribute(ctx context.Context, el ElementHandle, name string) (value string, ok bool, err error)
	OuterHTML(ctx context.Context, el ElementHandle) (string, error)
	Screenshot(ctx context.Context, el ElementHandle) ([]byte, error)
	// WaitUntil returns ErrWaitTimeout if pred has not held once timeout elapses.
	WaitUntil(ctx context.Context, pred Predicate, timeout time.Duration) error
	Close(ctx context.Context) error
}

// AutomationProvider hands out fresh, isolated automation handles.
type AutomationProvider interface {
	Acquire(ctx context.Context) (Automation, error)
}
