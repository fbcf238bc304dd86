package tokens

import (
	"context"
	"testing"

	"github.com/tiktoken-go/tokenizer"
)

func TestFromAnthropic(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"system": [{"type":"text","text":"Be brief."},{"type":"text","text":"Use tools."}],
		"messages": [
			{"role":"user","content":"What's the weather?"},
			{"role":"assistant","content":[
				{"type":"thinking","thinking":"need a tool"},
				{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"Paris"}}
			]},
			{"role":"user","content":[
				{"type":"tool_result","tool_use_id":"toolu_1","content":[{"type":"text","text":"sunny"}]},
				{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}}
			]}
		],
		"tools": [{"name":"get_weather","description":"Look up weather","input_schema":{"type":"object"}}]
	}`)

	req, err := FromAnthropic(body)
	if err != nil {
		t.Fatalf("FromAnthropic() error = %v", err)
	}
	if req.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q", req.Model)
	}
	if req.System != "Be brief.\nUse tools." {
		t.Errorf("system = %q", req.System)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(req.Messages))
	}
	if p := req.Messages[0].Parts; len(p) != 1 || p[0].Text != "What's the weather?" {
		t.Errorf("messages[0] = %+v", p)
	}
	if p := req.Messages[1].Parts; len(p) != 2 || p[1].Kind != PartToolUse || p[1].Name != "get_weather" || string(p[1].Input) != `{"city":"Paris"}` {
		t.Errorf("messages[1] = %+v", p)
	}
	if p := req.Messages[2].Parts; len(p) != 1 || p[0].Kind != PartToolResult || p[0].Text != "sunny" {
		t.Errorf("messages[2] = %+v", p)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "get_weather" || string(req.Tools[0].Schema) != `{"type":"object"}` {
		t.Errorf("tools = %+v", req.Tools)
	}
}

func TestFromAnthropic_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing model", `{"messages":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromAnthropic([]byte(tt.body)); err == nil {
				t.Error("FromAnthropic() error = nil, want error")
			}
		})
	}
}

func TestTiktokenCounter_CountTokens(t *testing.T) {
	c := NewTiktokenCounter()
	ctx := context.Background()

	base := &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Parts: []Part{{Kind: PartText, Text: "Hello, how are you?"}}}},
	}
	res, err := c.CountTokens(ctx, base)
	if err != nil {
		t.Fatalf("CountTokens() error = %v", err)
	}
	// 3+1 framing, the text, 3 for priming
	text, _ := c.CountText("gpt-4o", "Hello, how are you?")
	if want := tokensPerMessage + tokensPerRole + text + assistantPriming; res.InputTokens != want {
		t.Errorf("InputTokens = %d, want %d", res.InputTokens, want)
	}
	if res.Estimated {
		t.Error("gpt-4o count should not be an estimate")
	}

	withTools := *base
	withTools.Tools = []Tool{{Name: "calculator", Description: "Performs math", Schema: []byte(`{"type":"object"}`)}}
	res2, _ := c.CountTokens(ctx, &withTools)
	if res2.InputTokens <= res.InputTokens+tokensPerTool {
		t.Errorf("tools added %d tokens, want more than %d", res2.InputTokens-res.InputTokens, tokensPerTool)
	}

	claude := *base
	claude.Model = "claude-sonnet-4-5"
	res3, _ := c.CountTokens(ctx, &claude)
	if !res3.Estimated {
		t.Error("claude count should be flagged as an estimate")
	}
	if res3.InputTokens != res.InputTokens {
		t.Errorf("claude count = %d, want the o200k count %d", res3.InputTokens, res.InputTokens)
	}
}

func TestModelToEncoding(t *testing.T) {
	tests := []struct {
		model string
		want  tokenizer.Encoding
	}{
		{"gpt-4o-mini", tokenizer.O200kBase},
		{"gpt-4.1", tokenizer.O200kBase},
		{"gpt-5", tokenizer.O200kBase},
		{"gpt-4-turbo", tokenizer.Cl100kBase},
		{"gpt-3.5-turbo", tokenizer.Cl100kBase},
		{"text-embedding-3-small", tokenizer.Cl100kBase},
		{"claude-opus-4-5", tokenizer.O200kBase},
		{"unknown", tokenizer.O200kBase},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := modelToEncoding(tt.model); got != tt.want {
				t.Errorf("modelToEncoding(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestEstimator_CountTokens(t *testing.T) {
	e := NewEstimator()

	tests := []struct {
		name      string
		req       *Request
		minTokens int
		maxTokens int
	}{
		{
			name: "simple message",
			req: &Request{Messages: []Message{
				{Role: "user", Parts: []Part{{Text: "Hello, how are you?"}}},
			}},
			minTokens: 5,
			maxTokens: 15,
		},
		{
			name: "with system message",
			req: &Request{
				System:   "You are a helpful assistant.",
				Messages: []Message{{Role: "user", Parts: []Part{{Text: "Hello"}}}},
			},
			minTokens: 8,
			maxTokens: 20,
		},
		{
			name:      "empty",
			req:       &Request{},
			minTokens: 0,
			maxTokens: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.CountTokens(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("CountTokens() error = %v", err)
			}
			if res.InputTokens < tt.minTokens || res.InputTokens > tt.maxTokens {
				t.Errorf("InputTokens = %d, want between %d and %d", res.InputTokens, tt.minTokens, tt.maxTokens)
			}
			if !res.Estimated {
				t.Error("Estimated = false, want true")
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry()

	if _, ok := r.GetCounter("claude-haiku-4-5").(*TiktokenCounter); !ok {
		t.Error("claude models should use the tiktoken counter")
	}
	if _, ok := r.GetCounter("llama-3").(*Estimator); !ok {
		t.Error("unknown models should fall back to the estimator")
	}

	r.SetFallback(nil)
	if _, err := r.CountTokens(context.Background(), &Request{Model: "llama-3"}); err == nil {
		t.Error("CountTokens() error = nil without a fallback")
	}
}

func TestModelMatcher(t *testing.T) {
	m := NewModelMatcher([]string{"gpt-"}, []string{"davinci"})
	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4", true},
		{"davinci", true},
		{"davinci-002", false},
		{"claude-3", false},
	}
	for _, tt := range tests {
		if got := m.Matches(tt.model); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}
