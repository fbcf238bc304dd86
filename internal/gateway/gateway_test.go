package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smilit/proxycast-sub002/internal/backend/kiro"
	"github.com/smilit/proxycast-sub002/internal/codec/anthropic"
	"github.com/smilit/proxycast-sub002/internal/codec/openai"
	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/credentials"
	"github.com/smilit/proxycast-sub002/internal/resilience"
	"github.com/smilit/proxycast-sub002/internal/transport"
)

const (
	anthropicBody = `{"model":"claude-sonnet-4-5","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	openaiBody    = `{"model":"claude-sonnet-4-5","stream":true,"messages":[{"role":"user","content":"hi"}]}`
)

// backendCall records what the fake backend received.
type backendCall struct {
	Token   string
	Request kiro.Request
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []backendCall
}

func (f *fakeBackend) record(t *testing.T, r *http.Request) backendCall {
	t.Helper()
	var req kiro.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("backend received invalid body: %v", err)
	}
	c := backendCall{Token: strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "), Request: req}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	return c
}

func (f *fakeBackend) Calls() []backendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backendCall(nil), f.calls...)
}

func mustStream(t *testing.T, b *kiro.StreamBuilder) []byte {
	t.Helper()
	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("failed to build stream: %v", err)
	}
	return data
}

type harness struct {
	svc     *Service
	backend *fakeBackend
	calls   []CallInfo
}

var defaultCreds = []credentials.Credential{
	{ID: "a", Token: "tok-a", ProfileARN: "arn:a"},
	{ID: "b", Token: "tok-b", ProfileARN: "arn:b"},
	{ID: "c", Token: "tok-c", ProfileARN: "arn:c"},
}

func newHarness(t *testing.T, handler func(t *testing.T, c backendCall, w http.ResponseWriter), cfg resilience.Config, opts ...Option) *harness {
	t.Helper()
	return newPoolHarness(t, defaultCreds, handler, cfg, nil, opts...)
}

func newPoolHarness(t *testing.T, creds []credentials.Credential, handler func(t *testing.T, c backendCall, w http.ResponseWriter), cfg resilience.Config, obs resilience.Observer, opts ...Option) *harness {
	t.Helper()
	h := &harness{backend: &fakeBackend{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := h.backend.record(t, r)
		handler(t, c, w)
	}))
	t.Cleanup(srv.Close)

	pool, err := credentials.NewPool(creds)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	factory, err := transport.NewFactory(transport.Options{})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	machineOpts := []resilience.Option{resilience.WithJitter(func() float64 { return 0 })}
	if obs != nil {
		machineOpts = append(machineOpts, resilience.WithObserver(obs))
	}
	machine := resilience.NewMachine(cfg, machineOpts...)

	ids := 0
	opts = append([]Option{
		WithIDGenerator(func() string {
			ids++
			return "id-" + string(rune('0'+ids))
		}),
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
		WithCallObserver(CallObserverFunc(func(_ context.Context, info CallInfo) {
			h.calls = append(h.calls, info)
		})),
	}, opts...)
	h.svc = New(kiro.NewClient(kiro.WithBaseURL(srv.URL)), pool, factory, machine, opts...)
	return h
}

func fastConfig() resilience.Config {
	cfg := resilience.DefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	cfg.Timeout.StreamIdle = time.Second
	return cfg
}

func replyWith(data []byte) func(*testing.T, backendCall, http.ResponseWriter) {
	return func(_ *testing.T, _ backendCall, w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
		w.Write(data)
	}
}

func TestService_Stream_Anthropic(t *testing.T) {
	data := mustStream(t, (&kiro.StreamBuilder{}).Text("Hel").Text("lo").Usage(3, 2).Stop("end_turn"))
	h := newHarness(t, replyWith(data), fastConfig())

	ctx := context.Background()
	call, err := h.svc.Prepare(ctx, anthropic.New(nil), []byte(anthropicBody))
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	rec := httptest.NewRecorder()
	if err := h.svc.Stream(ctx, call, rec); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	body := rec.Body.String()
	for _, want := range []string{"event: message_start", `"text":"Hel"`, `"text":"lo"`, `"stop_reason":"end_turn"`} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if !strings.HasSuffix(body, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n") {
		t.Errorf("stream does not end with message_stop:\n%s", body)
	}
	if n := strings.Count(body, "event: message_stop"); n != 1 {
		t.Errorf("message_stop count = %d, want 1", n)
	}

	if len(h.calls) != 1 {
		t.Fatalf("observed %d calls, want 1", len(h.calls))
	}
	info := h.calls[0]
	if info.Attempts != 1 || info.Credential != "a" || info.Err != nil {
		t.Errorf("CallInfo = %+v", info)
	}
	if info.Usage == nil || info.Usage.InputTokens != 3 || info.Usage.OutputTokens != 2 {
		t.Errorf("CallInfo.Usage = %+v", info.Usage)
	}
	if got := h.backend.Calls()[0].Request.ProfileARN; got != "arn:a" {
		t.Errorf("backend profileArn = %q, want arn:a", got)
	}
}

func TestService_Stream_OpenAI(t *testing.T) {
	data := mustStream(t, (&kiro.StreamBuilder{}).Text("Hello").ToolUse("t1", "lookup", `{"q":1}`, true).Stop("tool_use"))
	h := newHarness(t, replyWith(data), fastConfig())

	ctx := context.Background()
	call, err := h.svc.Prepare(ctx, openai.New(nil), []byte(openaiBody))
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if !strings.HasPrefix(call.Info.MessageID, "chatcmpl-") {
		t.Errorf("MessageID = %q", call.Info.MessageID)
	}

	rec := httptest.NewRecorder()
	if err := h.svc.Stream(ctx, call, rec); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	body := rec.Body.String()
	for _, want := range []string{`"role":"assistant"`, `"content":"Hello"`, `"name":"lookup"`, `"finish_reason":"tool_calls"`} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream does not end with [DONE]:\n%s", body)
	}
}

func TestService_Complete(t *testing.T) {
	data := mustStream(t, (&kiro.StreamBuilder{}).Text("Hello").Usage(5, 1))
	h := newHarness(t, replyWith(data), fastConfig())

	ctx := context.Background()
	call, err := h.svc.Prepare(ctx, openai.New(nil), []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	out, err := h.svc.Complete(ctx, call)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	var resp struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("invalid response %s: %v", out, err)
	}
	if resp.Object != "chat.completion" || len(resp.Choices) != 1 {
		t.Fatalf("response = %s", out)
	}
	if resp.Choices[0].Message.Content != "Hello" || resp.Choices[0].FinishReason != "stop" {
		t.Errorf("choice = %+v", resp.Choices[0])
	}
	if resp.Usage.PromptTokens != 5 {
		t.Errorf("prompt_tokens = %d, want 5", resp.Usage.PromptTokens)
	}
}

func TestService_Complete_BackendException(t *testing.T) {
	data := mustStream(t, (&kiro.StreamBuilder{}).Text("partial"))
	h := newHarness(t, func(t *testing.T, _ backendCall, w http.ResponseWriter) {
		w.Write(data)
		if err := kiro.EncodeException(w, "ThrottlingException", "slow down"); err != nil {
			t.Errorf("EncodeException() error = %v", err)
		}
	}, fastConfig())

	ctx := context.Background()
	call, err := h.svc.Prepare(ctx, anthropic.New(nil), []byte(anthropicBody))
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	_, err = h.svc.Complete(ctx, call)
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Complete() error = %v, want *domain.APIError", err)
	}
	if apiErr.Type != domain.ErrorTypeRateLimit || apiErr.Message != "slow down" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestService_FailoverOnQuota(t *testing.T) {
	data := mustStream(t, (&kiro.StreamBuilder{}).Text("ok"))
	h := newHarness(t, func(_ *testing.T, c backendCall, w http.ResponseWriter) {
		if c.Token == "tok-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"quota exceeded"}`))
			return
		}
		w.Write(data)
	}, fastConfig())

	ctx := context.Background()
	call, err := h.svc.Prepare(ctx, anthropic.New(nil), []byte(anthropicBody))
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	rec := httptest.NewRecorder()
	if err := h.svc.Stream(ctx, call, rec); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	calls := h.backend.Calls()
	if len(calls) != 2 {
		t.Fatalf("backend calls = %d, want 2", len(calls))
	}
	if calls[0].Token != "tok-a" || calls[1].Token != "tok-b" {
		t.Errorf("tokens = %q, %q", calls[0].Token, calls[1].Token)
	}
	if calls[1].Request.ProfileARN != "arn:b" {
		t.Errorf("second attempt profileArn = %q, want arn:b", calls[1].Request.ProfileARN)
	}
	if call.Request.ProfileARN != "" {
		t.Errorf("translated request was mutated: profileArn = %q", call.Request.ProfileARN)
	}
	if info := h.calls[0]; info.Attempts != 2 || info.Credential != "b" {
		t.Errorf("CallInfo = %+v", info)
	}
}

func TestService_FailoverOnBadProxy(t *testing.T) {
	data := mustStream(t, (&kiro.StreamBuilder{}).Text("ok"))
	var events []resilience.EventType
	creds := []credentials.Credential{
		{ID: "a", Token: "tok-a", ProxyURL: "ftp://bad.example:21"},
		{ID: "b", Token: "tok-b"},
	}
	h := newPoolHarness(t, creds, replyWith(data), fastConfig(), resilience.ObserverFunc(func(_ context.Context, ev resilience.Event) {
		events = append(events, ev.Type)
	}))

	ctx := context.Background()
	call, err := h.svc.Prepare(ctx, anthropic.New(nil), []byte(anthropicBody))
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	rec := httptest.NewRecorder()
	if err := h.svc.Stream(ctx, call, rec); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	calls := h.backend.Calls()
	if len(calls) != 1 || calls[0].Token != "tok-b" {
		t.Fatalf("backend calls = %+v, want one call with tok-b", calls)
	}
	for _, ev := range events {
		if ev == resilience.EventRetry {
			t.Errorf("events = %v, a bad proxy must not be retried", events)
			break
		}
	}
	if !slices.Contains(events, resilience.EventSwitch) {
		t.Errorf("events = %v, want a switch", events)
	}
	if !strings.Contains(rec.Body.String(), `"text":"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

// cancelWriter cancels the request as soon as want has been written and
// remembers how much had been written at that point.
type cancelWriter struct {
	mu       sync.Mutex
	buf      strings.Builder
	want     string
	cancel   context.CancelFunc
	atCancel int
}

func (w *cancelWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, _ := w.buf.Write(p)
	if w.atCancel == 0 && strings.Contains(w.buf.String(), w.want) {
		w.atCancel = w.buf.Len()
		w.cancel()
	}
	return n, nil
}

func (w *cancelWriter) Flush() {}

func TestService_Stream_ClientCancel(t *testing.T) {
	first := mustStream(t, (&kiro.StreamBuilder{}).Text("hello"))
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	cfg := fastConfig()
	cfg.Timeout.StreamIdle = 10 * time.Second
	h := newHarness(t, func(_ *testing.T, _ backendCall, w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
		w.Write(first)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-time.After(10 * time.Second):
		}
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	call, err := h.svc.Prepare(ctx, anthropic.New(nil), []byte(anthropicBody))
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	w := &cancelWriter{want: `"text":"hello"`, cancel: cancel}

	start := time.Now()
	if err := h.svc.Stream(ctx, call, w); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stream() took %s after cancellation", elapsed)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.atCancel == 0 {
		t.Fatalf("delta never written: %q", w.buf.String())
	}
	if w.buf.Len() != w.atCancel {
		t.Errorf("wrote %q after cancellation", w.buf.String()[w.atCancel:])
	}
	if len(h.calls) != 1 || !domain.IsResilienceKind(h.calls[0].Err, domain.Cancelled) {
		t.Errorf("CallInfo = %+v, want Cancelled error", h.calls)
	}
}

func TestService_Stream_FailsBeforeStart(t *testing.T) {
	h := newHarness(t, func(_ *testing.T, _ backendCall, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"bad input"}`))
	}, fastConfig())

	ctx := context.Background()
	call, err := h.svc.Prepare(ctx, anthropic.New(nil), []byte(anthropicBody))
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	rec := httptest.NewRecorder()
	err = h.svc.Stream(ctx, call, rec)

	var tr *domain.TransportError
	if !errors.As(err, &tr) || tr.StatusCode != http.StatusBadRequest {
		t.Fatalf("Stream() error = %v, want 400 TransportError", err)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body written before failure: %q", rec.Body.String())
	}
	if len(h.backend.Calls()) != 1 {
		t.Errorf("backend calls = %d, want 1", len(h.backend.Calls()))
	}
	if h.calls[0].Err == nil {
		t.Error("CallInfo.Err = nil")
	}
}

func TestService_Stream_Truncated(t *testing.T) {
	data := mustStream(t, (&kiro.StreamBuilder{}).Text("Hello").Text(" world"))
	// Cut the second frame in half.
	first := mustStream(t, (&kiro.StreamBuilder{}).Text("Hello"))
	cut := data[:len(first)+(len(data)-len(first))/2]

	tests := []struct {
		name     string
		protocol string
		body     string
		wantTail []string
	}{
		{
			name:     "anthropic",
			protocol: "anthropic",
			body:     anthropicBody,
			wantTail: []string{"event: error", "event: message_stop"},
		},
		{
			name:     "openai",
			protocol: "openai",
			body:     openaiBody,
			wantTail: []string{`"finish_reason":"error"`, "data: [DONE]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, replyWith(cut), fastConfig())
			ctx := context.Background()

			var call *Call
			var err error
			if tt.protocol == "anthropic" {
				call, err = h.svc.Prepare(ctx, anthropic.New(nil), []byte(tt.body))
			} else {
				call, err = h.svc.Prepare(ctx, openai.New(nil), []byte(tt.body))
			}
			if err != nil {
				t.Fatalf("Prepare() error = %v", err)
			}

			rec := httptest.NewRecorder()
			if err := h.svc.Stream(ctx, call, rec); err != nil {
				t.Fatalf("Stream() error = %v", err)
			}
			body := rec.Body.String()
			if !strings.Contains(body, "Hello") {
				t.Errorf("content before truncation was lost:\n%s", body)
			}
			if strings.Contains(body, " world") {
				t.Errorf("truncated frame was delivered:\n%s", body)
			}
			last := -1
			for _, want := range tt.wantTail {
				i := strings.Index(body, want)
				if i < 0 || i < last {
					t.Fatalf("stream missing %q in order:\n%s", want, body)
				}
				last = i
			}
			if !strings.Contains(body, string(domain.ErrorCodeStreamTruncated)) && tt.protocol == "openai" {
				t.Errorf("openai error chunk has no stream_truncated code:\n%s", body)
			}

			var pe *domain.ParseError
			if !errors.As(h.calls[0].Err, &pe) || pe.Kind != domain.ParseTruncated {
				t.Errorf("CallInfo.Err = %v, want truncated ParseError", h.calls[0].Err)
			}
		})
	}
}

func TestService_Stream_IdleTimeout(t *testing.T) {
	first := mustStream(t, (&kiro.StreamBuilder{}).Text("Hello"))
	cfg := fastConfig()
	cfg.Timeout.StreamIdle = 50 * time.Millisecond

	release := make(chan struct{})
	h := newHarness(t, func(_ *testing.T, _ backendCall, w http.ResponseWriter) {
		w.Write(first)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}, cfg)
	// Registered after the server's cleanup so it runs first and unblocks
	// the handler before the server waits for it.
	t.Cleanup(func() { close(release) })

	ctx := context.Background()
	call, err := h.svc.Prepare(ctx, anthropic.New(nil), []byte(anthropicBody))
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	rec := httptest.NewRecorder()
	start := time.Now()
	if err := h.svc.Stream(ctx, call, rec); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("idle stream took %v to abort", elapsed)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "Hello") || !strings.Contains(body, "event: error") {
		t.Errorf("stream = %s", body)
	}
	if !domain.IsResilienceKind(h.calls[0].Err, domain.StreamIdleTimeout) {
		t.Errorf("CallInfo.Err = %v, want stream idle timeout", h.calls[0].Err)
	}
	if len(h.backend.Calls()) != 1 {
		t.Errorf("idle timeout was retried: %d backend calls", len(h.backend.Calls()))
	}
}

func TestService_Mutator(t *testing.T) {
	data := mustStream(t, (&kiro.StreamBuilder{}).Text("ok"))

	t.Run("rewrites body", func(t *testing.T) {
		mutate := RequestMutatorFunc(func(_ context.Context, api domain.APIType, body []byte) ([]byte, error) {
			if api != domain.APITypeAnthropic {
				t.Errorf("protocol = %q", api)
			}
			return []byte(strings.Replace(string(body), "claude-sonnet-4-5", "claude-haiku-4-5", 1)), nil
		})
		h := newHarness(t, replyWith(data), fastConfig(), WithMutator(mutate))
		call, err := h.svc.Prepare(context.Background(), anthropic.New(nil), []byte(anthropicBody))
		if err != nil {
			t.Fatalf("Prepare() error = %v", err)
		}
		if call.Info.BackendModel != "claude-haiku-4.5" {
			t.Errorf("BackendModel = %q", call.Info.BackendModel)
		}
	})

	t.Run("rejects", func(t *testing.T) {
		boom := errors.New("blocked")
		mutate := RequestMutatorFunc(func(context.Context, domain.APIType, []byte) ([]byte, error) {
			return nil, boom
		})
		h := newHarness(t, replyWith(data), fastConfig(), WithMutator(mutate))
		_, err := h.svc.Prepare(context.Background(), anthropic.New(nil), []byte(anthropicBody))
		if !errors.Is(err, boom) {
			t.Errorf("Prepare() error = %v, want %v", err, boom)
		}
	})
}

func TestService_Prepare_TranslationError(t *testing.T) {
	h := newHarness(t, replyWith(nil), fastConfig())
	_, err := h.svc.Prepare(context.Background(), openai.New(nil), []byte(`{"model":"x","n":2,"messages":[{"role":"user","content":"hi"}]}`))

	var te *domain.TranslationError
	if !errors.As(err, &te) || te.Kind != domain.TranslationUnsupportedFeature {
		t.Fatalf("Prepare() error = %v, want unsupported feature", err)
	}
	if len(h.backend.Calls()) != 0 {
		t.Error("backend was called for an untranslatable request")
	}
}

func TestWithProfile(t *testing.T) {
	req := &kiro.Request{ProfileARN: "arn:x"}
	if got := withProfile(req, "arn:x"); got != req {
		t.Error("withProfile copied an unchanged request")
	}
	got := withProfile(req, "arn:y")
	if got == req || got.ProfileARN != "arn:y" || req.ProfileARN != "arn:x" {
		t.Errorf("withProfile = %+v, original = %+v", got, req)
	}
}
