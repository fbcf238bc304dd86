package frontdoor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apianthropic "github.com/smilit/proxycast-sub002/internal/api/anthropic"
	apiopenai "github.com/smilit/proxycast-sub002/internal/api/openai"
	"github.com/smilit/proxycast-sub002/internal/backend/kiro"
	"github.com/smilit/proxycast-sub002/internal/codec/anthropic"
	"github.com/smilit/proxycast-sub002/internal/codec/openai"
	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/pkg/codec"
	"github.com/smilit/proxycast-sub002/internal/server"
	"github.com/smilit/proxycast-sub002/internal/tokens"
)

// HandlerConfig carries what the frontdoor handlers need.
type HandlerConfig struct {
	Service Service
	Models  *kiro.ModelMap
	Tokens  *tokens.Registry
	Logger  *slog.Logger

	// MaxBodyBytes caps request bodies; 0 uses DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// Created is reported as every model's creation time.
	Created time.Time
}

// HandlerRegistration represents a registered HTTP handler.
type HandlerRegistration struct {
	Path    string
	Method  string
	Handler http.Handler
}

// Handlers returns every client-facing route.
func Handlers(cfg HandlerConfig) []HandlerRegistration {
	if cfg.Tokens == nil {
		cfg.Tokens = tokens.NewDefaultRegistry()
	}
	anth := anthropic.New(cfg.Models)
	oai := openai.New(cfg.Models)

	return []HandlerRegistration{
		{Method: http.MethodPost, Path: "/v1/messages", Handler: NewHandler(anth, cfg.Service, cfg.Logger, cfg.MaxBodyBytes)},
		{Method: http.MethodPost, Path: "/v1/messages/count_tokens", Handler: countTokensHandler(anth, cfg.Tokens, cfg.MaxBodyBytes)},
		{Method: http.MethodPost, Path: "/v1/chat/completions", Handler: NewHandler(oai, cfg.Service, cfg.Logger, cfg.MaxBodyBytes)},
		{Method: http.MethodGet, Path: "/v1/models", Handler: modelsHandler(cfg.Models, cfg.Created)},
	}
}

// Mount registers handlers on r.
func Mount(r chi.Router, regs []HandlerRegistration) {
	for _, reg := range regs {
		r.Method(reg.Method, reg.Path, reg.Handler)
	}
}

func countTokensHandler(p codec.Protocol, counter *tokens.Registry, maxBody int64) http.Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		server.AddLogField(ctx, "frontdoor", "anthropic_count_tokens")

		fail := func(err error) {
			server.AddError(ctx, err)
			codec.WriteError(w, p, err)
		}

		body, err := readBody(w, r, maxBody)
		if err != nil {
			fail(err)
			return
		}
		req, err := tokens.FromAnthropic(body)
		if err != nil {
			fail(domain.ErrInvalidRequest(err.Error()))
			return
		}
		res, err := counter.CountTokens(ctx, req)
		if err != nil {
			fail(err)
			return
		}
		server.AddLogField(ctx, "input_tokens", strconv.Itoa(res.InputTokens))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(apianthropic.CountTokensResponse{InputTokens: res.InputTokens})
	})
}

func modelsHandler(models *kiro.ModelMap, created time.Time) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list := apiopenai.ModelList{Object: "list", Data: []apiopenai.Model{}}
		for _, id := range models.Models() {
			list.Data = append(list.Data, apiopenai.Model{
				ID:      id,
				Object:  "model",
				Created: created.Unix(),
				OwnedBy: "anthropic",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(list)
	})
}
