// Package gateway runs one client request end to end: mutation hooks,
// request translation, the resilient backend call, and response rendering
// for both the streaming and the buffered path.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smilit/proxycast-sub002/internal/backend/kiro"
	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/core/stream"
	"github.com/smilit/proxycast-sub002/internal/credentials"
	"github.com/smilit/proxycast-sub002/internal/pkg/codec"
	"github.com/smilit/proxycast-sub002/internal/resilience"
	"github.com/smilit/proxycast-sub002/internal/transport"
)

const readBufferSize = 32 * 1024

// Option configures a Service.
type Option func(*Service)

// WithMutator appends a pre-translation request hook.
func WithMutator(m RequestMutator) Option {
	return func(s *Service) {
		s.mutators = append(s.mutators, m)
	}
}

// WithCallObserver appends a post-call hook.
func WithCallObserver(o CallObserver) Option {
	return func(s *Service) {
		s.observers = append(s.observers, o)
	}
}

// WithLogger sets the logger used for stream diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithIDGenerator replaces the random ID source. Tests use it to make
// conversation and message IDs predictable.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		s.now = fn
	}
}

// Service dispatches translated requests to the backend.
type Service struct {
	client     *kiro.Client
	store      credentials.Store
	transports *transport.Factory
	machine    *resilience.Machine

	mutators  []RequestMutator
	observers []CallObserver
	logger    *slog.Logger
	newID     func() string
	now       func() time.Time
}

// New creates a Service.
func New(client *kiro.Client, store credentials.Store, transports *transport.Factory, machine *resilience.Machine, opts ...Option) *Service {
	s := &Service{
		client:     client,
		store:      store,
		transports: transports,
		machine:    machine,
		logger:     slog.Default(),
		newID:      uuid.NewString,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Call is a translated request ready for dispatch.
type Call struct {
	Protocol codec.Protocol
	Request  *kiro.Request
	Info     *codec.RequestInfo
}

// Prepare runs the mutation hooks and translates body with p. Errors are
// translation or hook failures and should be reported to the client as-is.
func (s *Service) Prepare(ctx context.Context, p codec.Protocol, body []byte) (*Call, error) {
	var err error
	for _, m := range s.mutators {
		body, err = m.MutateRequest(ctx, p.Name(), body)
		if err != nil {
			return nil, fmt.Errorf("request mutation failed: %w", err)
		}
	}

	opts := codec.RequestOptions{
		ConversationID: s.newID(),
		MessageID:      s.messageID(p.Name()),
		Created:        s.now().Unix(),
	}
	req, info, err := p.TranslateRequest(body, opts)
	if err != nil {
		return nil, err
	}
	return &Call{Protocol: p, Request: req, Info: info}, nil
}

func (s *Service) messageID(api domain.APIType) string {
	id := s.newID()
	if api == domain.APITypeOpenAI {
		return "chatcmpl-" + id
	}
	return "msg_" + strings.ReplaceAll(id, "-", "")
}

// open runs the resilient backend call and records the attempt count and
// serving credential. The returned body is live until ctx ends.
func (s *Service) open(ctx context.Context, call *Call, info *CallInfo) (io.ReadCloser, error) {
	creds, err := s.store.Credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	return resilience.Execute(ctx, s.machine, creds, func(ctx context.Context, cred credentials.Credential) (io.ReadCloser, error) {
		info.Attempts++
		info.Credential = cred.ID

		httpClient, err := s.transports.ForCredential(cred)
		if err != nil {
			return nil, &domain.TransportError{Kind: domain.TransportProxy, Cause: err}
		}
		return s.client.Call(ctx, httpClient, cred.Token, withProfile(call.Request, cred.ProfileARN))
	})
}

// withProfile returns req with the credential's profile ARN, copying the
// request when it differs so concurrent attempts never share state.
func withProfile(req *kiro.Request, arn string) *kiro.Request {
	if req.ProfileARN == arn {
		return req
	}
	cp := *req
	cp.ProfileARN = arn
	return &cp
}

// Complete runs a non-streaming call and returns the client response body.
func (s *Service) Complete(ctx context.Context, call *Call) ([]byte, error) {
	info := s.callInfo(call)
	start := s.now()
	defer func() {
		info.Duration = s.now().Sub(start)
		s.notify(ctx, info)
	}()

	callCtx, cancel := s.machine.WithTimeout(ctx)
	defer cancel()

	body, err := s.open(callCtx, call, &info)
	if err != nil {
		info.Err = err
		return nil, err
	}
	rc := s.machine.IdleReader(body, cancel)
	defer rc.Close()

	events, err := collect(callCtx, rc, call.Info)
	if err != nil {
		info.Err = err
		return nil, err
	}

	resp, failure := kiro.Aggregate(events)
	if failure != nil {
		err := domain.NewAPIError(domain.ErrorTypeForKind(failure.Kind), failure.Message).WithCode(domain.ErrorCodeUpstreamError)
		info.Err = err
		return nil, err
	}
	info.Usage = resp.Usage
	info.StopReason = resp.StopReason

	out, err := call.Protocol.TranslateResponse(resp, call.Info)
	if err != nil {
		info.Err = err
		return nil, err
	}
	return out, nil
}

// collect reads a whole backend stream through the envelope pipeline.
func collect(ctx context.Context, r io.Reader, info *codec.RequestInfo) ([]stream.Event, error) {
	pipe := stream.NewPipeline(kiro.NewParser(), info.MessageID, info.Model)
	events := pipe.Start()
	buf := make([]byte, readBufferSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			decoded, err := pipe.Feed(buf[:n])
			events = append(events, decoded...)
			if err != nil {
				return nil, err
			}
			if pipe.Closed() {
				return events, nil
			}
		}
		if errors.Is(rerr, io.EOF) {
			tail, err := pipe.Finish()
			if err != nil {
				return nil, err
			}
			return append(events, tail...), nil
		}
		if rerr != nil {
			return nil, readError(ctx, rerr)
		}
	}
}

// StreamWriter is the client side of a streaming response.
type StreamWriter interface {
	io.Writer
	http.Flusher
}

// Stream runs a streaming call and writes SSE records to w. An error
// returned before anything was written means the backend call itself
// failed and the caller should send a normal error response. Once the
// stream has started, failures are rendered as the protocol's terminal
// frame and Stream returns nil unless the client went away.
func (s *Service) Stream(ctx context.Context, call *Call, w StreamWriter) error {
	info := s.callInfo(call)
	start := s.now()
	defer func() {
		info.Duration = s.now().Sub(start)
		s.notify(ctx, info)
	}()

	callCtx, cancel := s.machine.WithTimeout(ctx)
	defer cancel()

	body, err := s.open(callCtx, call, &info)
	if err != nil {
		info.Err = err
		return err
	}
	rc := s.machine.IdleReader(body, cancel)
	defer rc.Close()

	out := &streamOut{
		w:      w,
		gen:    call.Protocol.NewGenerator(call.Info),
		logger: s.logger,
		info:   &info,
	}
	pipe := stream.NewPipeline(kiro.NewParser(), call.Info.MessageID, call.Info.Model)

	if err := out.emit(pipe.Start()); err != nil {
		return s.clientGone(cancel, &info, err)
	}

	buf := make([]byte, readBufferSize)
	for !pipe.Closed() {
		n, rerr := rc.Read(buf)
		if n > 0 {
			events, perr := pipe.Feed(buf[:n])
			if err := out.emit(events); err != nil {
				return s.clientGone(cancel, &info, err)
			}
			if perr != nil {
				if err := out.fail(pipe, perr); err != nil {
					return s.clientGone(cancel, &info, err)
				}
				break
			}
		}
		if errors.Is(rerr, io.EOF) {
			events, ferr := pipe.Finish()
			if ferr != nil {
				events = nil
				if err := out.fail(pipe, ferr); err != nil {
					return s.clientGone(cancel, &info, err)
				}
			}
			if err := out.emit(events); err != nil {
				return s.clientGone(cancel, &info, err)
			}
			break
		}
		if rerr != nil {
			rerr = readError(callCtx, rerr)
			if domain.IsResilienceKind(rerr, domain.Cancelled) {
				// The client is gone; nothing more can be delivered.
				info.Err = rerr
				return nil
			}
			if err := out.fail(pipe, rerr); err != nil {
				return s.clientGone(cancel, &info, err)
			}
			break
		}
	}

	if _, err := w.Write(out.gen.Finalize()); err != nil {
		return s.clientGone(cancel, &info, err)
	}
	w.Flush()
	return nil
}

func (s *Service) clientGone(cancel context.CancelFunc, info *CallInfo, err error) error {
	cancel()
	if info.Err == nil {
		info.Err = err
	}
	return fmt.Errorf("failed to write stream: %w", err)
}

// streamOut renders events through a generator onto the client writer and
// records what the CallInfo needs.
type streamOut struct {
	w      StreamWriter
	gen    codec.Generator
	logger *slog.Logger
	info   *CallInfo
}

func (o *streamOut) emit(events []stream.Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		switch ev.Type {
		case stream.EventUsage:
			u := *ev.Usage
			o.info.Usage = &u
		case stream.EventMessageStop:
			o.info.StopReason = ev.StopReason
		case stream.EventError:
			if o.info.Err == nil {
				o.info.Err = domain.NewAPIError(domain.ErrorTypeForKind(ev.Err.Kind), ev.Err.Message)
			}
		}

		data, err := o.gen.Render(ev)
		if err != nil {
			o.logger.Warn("stream contract violation",
				slog.String("protocol", string(o.info.Protocol)),
				slog.String("error", err.Error()))
		}
		if len(data) == 0 {
			continue
		}
		if _, err := o.w.Write(data); err != nil {
			return err
		}
	}
	o.w.Flush()
	return nil
}

// fail closes the stream with an error event describing err.
func (o *streamOut) fail(pipe *stream.Pipeline, err error) error {
	if o.info.Err == nil {
		o.info.Err = err
	}
	apiErr := domain.ToAPIError(err)
	kind := string(apiErr.Type)
	if apiErr.Code != "" {
		kind = string(apiErr.Code)
	}
	retryable := domain.IsResilienceKind(err, domain.StreamIdleTimeout) || isReset(err)
	return o.emit(pipe.Fail(kind, apiErr.Message, retryable))
}

// readError maps a body read failure to the gateway taxonomy. Idle
// timeouts already arrive as ResilienceErrors from the IdleReader.
func readError(ctx context.Context, err error) error {
	var re *domain.ResilienceError
	if errors.As(err, &re) {
		return err
	}
	if ctx.Err() != nil {
		kind := domain.Cancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = domain.TotalTimeout
		}
		return &domain.ResilienceError{Kind: kind, LastErr: err}
	}
	if kiro.IsStreamReset(err) {
		return &domain.TransportError{Kind: domain.TransportReset, Cause: err}
	}
	return &domain.TransportError{Kind: domain.TransportReset, Cause: fmt.Errorf("failed to read backend stream: %w", err)}
}

func isReset(err error) bool {
	var tr *domain.TransportError
	return errors.As(err, &tr) && tr.Kind == domain.TransportReset
}

func (s *Service) callInfo(call *Call) CallInfo {
	return CallInfo{
		Protocol:     call.Protocol.Name(),
		Model:        call.Info.Model,
		BackendModel: call.Info.BackendModel,
		Stream:       call.Info.Stream,
	}
}

func (s *Service) notify(ctx context.Context, info CallInfo) {
	for _, o := range s.observers {
		o.OnCall(ctx, info)
	}
}
