package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/credentials"
)

// State is a resilience machine state.
type State int

const (
	StateAttempting State = iota
	StateSuccess
	StateRetryableFailure
	StateFailoverFailure
	StateFatalFailure
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateSuccess:
		return "success"
	case StateRetryableFailure:
		return "retryable_failure"
	case StateFailoverFailure:
		return "failover_failure"
	case StateFatalFailure:
		return "fatal_failure"
	case StateExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further attempt follows s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFatalFailure || s == StateExhausted
}

// Status is the machine's position within one call.
type Status struct {
	State State

	// Attempt is the 1-based attempt number on the current credential.
	Attempt     int
	MaxAttempts int

	Credential  int
	Credentials int
}

// Transition computes the state following an attempt made in cur with the
// given decision, and the event describing it. It has no side effects.
// Calling it outside StateAttempting returns cur unchanged.
func Transition(cur Status, d Decision) (Status, *Event) {
	if cur.State != StateAttempting {
		return cur, nil
	}

	next := cur
	ev := &Event{
		Attempt:         cur.Attempt,
		CredentialIndex: cur.Credential,
		Failure:         d.Failure,
		Err:             d.Err,
	}

	switch d.Outcome {
	case OutcomeSuccess:
		next.State = StateSuccess
		ev.Type = EventSuccess

	case OutcomeRetry:
		if cur.Attempt >= cur.MaxAttempts {
			next.State = StateExhausted
			ev.Type = EventExhausted
			ev.Kind = domain.RetriesExhausted
			break
		}
		next.State = StateRetryableFailure
		next.Attempt++
		ev.Type = EventRetry

	case OutcomeFailover:
		if cur.Credential+1 >= cur.Credentials {
			next.State = StateExhausted
			ev.Type = EventExhausted
			ev.Kind = domain.FailoverExhausted
			break
		}
		next.State = StateFailoverFailure
		next.Credential++
		next.Attempt = 1
		ev.Type = EventSwitch
		ev.NextIndex = next.Credential

	default:
		next.State = StateFatalFailure
		ev.Type = EventFatal
	}

	ev.State = next.State
	return next, ev
}

// Resume moves a failure state back to StateAttempting once the backoff or
// switch has been carried out.
func Resume(s Status) Status {
	if s.State == StateRetryableFailure || s.State == StateFailoverFailure {
		s.State = StateAttempting
	}
	return s
}

// Machine runs calls through the resilience states. It is immutable and
// safe for concurrent use; per-call state lives in Execute.
type Machine struct {
	cfg        Config
	classifier *Classifier
	observers  []Observer
	jitter     func() float64
	now        func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithObserver registers an observer for every transition.
func WithObserver(o Observer) Option {
	return func(m *Machine) {
		m.observers = append(m.observers, o)
	}
}

// WithJitter replaces the random backoff jitter source.
func WithJitter(fn func() float64) Option {
	return func(m *Machine) {
		m.jitter = fn
	}
}

// NewMachine creates a machine. Zero config fields take their defaults.
func NewMachine(cfg Config, opts ...Option) *Machine {
	cfg = cfg.withDefaults()
	m := &Machine{
		cfg:        cfg,
		classifier: NewClassifier(cfg),
		jitter:     randomJitter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Machine) Config() Config {
	return m.cfg
}

// WithTimeout applies the total deadline to ctx. Streaming callers keep the
// returned context alive until the body is consumed.
func (m *Machine) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.Timeout.Request <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.Timeout.Request)
}

// IdleReader wraps a response body with the configured idle detector.
// cancel, if non-nil, is called when the stream goes idle.
func (m *Machine) IdleReader(rc io.ReadCloser, cancel context.CancelFunc) *IdleReader {
	return NewIdleReader(rc, m.cfg.Timeout.StreamIdle, cancel)
}

// AttemptFunc performs one backend attempt with the given credential.
type AttemptFunc[T any] func(ctx context.Context, cred credentials.Credential) (T, error)

// Execute runs fn until it succeeds, fails fatally, or the retry and
// failover budgets are spent. Cancellation and deadlines on ctx are checked
// at every attempt boundary and during backoff.
func Execute[T any](ctx context.Context, m *Machine, creds []credentials.Credential, fn AttemptFunc[T]) (T, error) {
	var zero T
	if len(creds) == 0 {
		return zero, &domain.ResilienceError{Kind: domain.FailoverExhausted, LastErr: credentials.ErrNoCredentials}
	}

	start := m.now()
	fm := NewFailoverManager(creds)
	st := Status{
		State:       StateAttempting,
		Attempt:     1,
		MaxAttempts: m.cfg.Retry.MaxAttempts,
		Credentials: len(creds),
	}
	total := 0
	var lastErr error

	for {
		if ctx.Err() != nil {
			return zero, m.interrupted(ctx, fm, total, start, lastErr)
		}

		cred := fm.Current()
		total++
		m.emit(ctx, Event{Type: EventAttempt, State: StateAttempting, Attempt: st.Attempt, CredentialIndex: st.Credential}, fm, total)

		v, err := fn(ctx, cred)
		if err != nil && ctx.Err() != nil {
			return zero, m.interrupted(ctx, fm, total, start, err)
		}
		if err != nil {
			lastErr = err
		}

		next, ev := Transition(st, m.classifier.Classify(err))

		switch next.State {
		case StateSuccess:
			m.emit(ctx, *ev, fm, total)
			return v, nil

		case StateRetryableFailure:
			ev.Delay = Backoff(m.cfg.Retry, st.Attempt-1, m.jitter())
			m.emit(ctx, *ev, fm, total)
			if err := sleep(ctx, ev.Delay); err != nil {
				return zero, m.interrupted(ctx, fm, total, start, lastErr)
			}

		case StateFailoverFailure:
			sw, ok := fm.Switch(ev.Failure, m.now())
			if !ok {
				// The cursor and the status disagree only if credentials
				// share an ID; treat it as exhaustion.
				ev.Type, ev.State, ev.Kind = EventExhausted, StateExhausted, domain.FailoverExhausted
				return zero, m.exhausted(ctx, fm, *ev, total, start, lastErr)
			}
			ev.Switch = &sw
			m.emit(ctx, *ev, fm, total)

		case StateExhausted:
			return zero, m.exhausted(ctx, fm, *ev, total, start, lastErr)

		default:
			m.emit(ctx, *ev, fm, total)
			return zero, err
		}

		st = Resume(next)
	}
}

func (m *Machine) exhausted(ctx context.Context, fm *FailoverManager, ev Event, total int, start time.Time, last error) error {
	m.emit(ctx, ev, fm, total)
	return &domain.ResilienceError{
		Kind:     ev.Kind,
		Attempts: total,
		Elapsed:  m.now().Sub(start),
		LastErr:  last,
	}
}

func (m *Machine) interrupted(ctx context.Context, fm *FailoverManager, total int, start time.Time, last error) error {
	kind := domain.Cancelled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = domain.TotalTimeout
	}
	if last == nil {
		last = ctx.Err()
	}
	err := &domain.ResilienceError{
		Kind:     kind,
		Attempts: total,
		Elapsed:  m.now().Sub(start),
		LastErr:  last,
	}
	m.emit(ctx, Event{Type: EventFatal, State: StateFatalFailure, Kind: kind, Err: err, CredentialIndex: fm.Index()}, fm, total)
	return err
}

func (m *Machine) emit(ctx context.Context, ev Event, fm *FailoverManager, total int) {
	if len(m.observers) == 0 {
		return
	}
	ev.At = m.now()
	ev.TotalAttempts = total
	ev.Credential = fm.creds[ev.CredentialIndex].ID
	for _, o := range m.observers {
		o.OnEvent(ctx, ev)
	}
}
