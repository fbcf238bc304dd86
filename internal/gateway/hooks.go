package gateway

import (
	"context"
	"time"

	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/core/stream"
)

// RequestMutator rewrites a client body before translation, for example to
// inject default parameters. Returning an error rejects the request.
type RequestMutator interface {
	MutateRequest(ctx context.Context, protocol domain.APIType, body []byte) ([]byte, error)
}

// RequestMutatorFunc adapts a function to RequestMutator.
type RequestMutatorFunc func(ctx context.Context, protocol domain.APIType, body []byte) ([]byte, error)

func (f RequestMutatorFunc) MutateRequest(ctx context.Context, protocol domain.APIType, body []byte) ([]byte, error) {
	return f(ctx, protocol, body)
}

// CallInfo summarizes one finished call.
type CallInfo struct {
	Protocol     domain.APIType
	Model        string
	BackendModel string
	Stream       bool

	// Credential is the ID of the credential that served the last attempt.
	Credential string
	Attempts   int
	Duration   time.Duration

	Usage      *stream.Usage
	StopReason stream.StopReason

	// Err is the failure that ended the call. For streams it is set when
	// the stream ended with an error frame.
	Err error
}

// CallObserver is notified once per call after the response is complete.
// It runs on the request goroutine.
type CallObserver interface {
	OnCall(ctx context.Context, info CallInfo)
}

// CallObserverFunc adapts a function to CallObserver.
type CallObserverFunc func(ctx context.Context, info CallInfo)

func (f CallObserverFunc) OnCall(ctx context.Context, info CallInfo) {
	f(ctx, info)
}
