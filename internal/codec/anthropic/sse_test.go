package anthropic

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/smilit/proxycast-sub002/internal/core/stream"
	"github.com/smilit/proxycast-sub002/internal/pkg/codec"
)

type sseRecord struct {
	Event string
	Data  map[string]any
}

func parseSSE(t *testing.T, raw []byte) []sseRecord {
	t.Helper()
	var records []sseRecord
	var cur sseRecord
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.Data); err != nil {
				t.Fatalf("invalid data line %q: %v", line, err)
			}
		case line == "":
			records = append(records, cur)
			cur = sseRecord{}
		}
	}
	return records
}

func render(t *testing.T, g *Generator, events ...stream.Event) ([]byte, []error) {
	t.Helper()
	var out []byte
	var violations []error
	for _, ev := range events {
		b, err := g.Render(ev)
		out = append(out, b...)
		if err != nil {
			violations = append(violations, err)
		}
	}
	out = append(out, g.Finalize()...)
	return out, violations
}

func eventNames(records []sseRecord) []string {
	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.Event
	}
	return names
}

func TestGenerator_TextMessage(t *testing.T) {
	g := NewGenerator("msg_1", "claude-sonnet-4-5")
	raw, violations := render(t, g,
		stream.MessageStart("msg_1", "claude-sonnet-4-5"),
		stream.TextDelta(0, "Hi"),
		stream.TextDelta(0, " there"),
		stream.MessageStop(stream.EndTurn),
	)
	if len(violations) != 0 {
		t.Fatalf("unexpected violations: %v", violations)
	}

	records := parseSSE(t, raw)
	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if got := eventNames(records); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}

	msg := records[0].Data["message"].(map[string]any)
	if msg["id"] != "msg_1" || msg["role"] != "assistant" {
		t.Errorf("message_start = %v", msg)
	}
	if idx := records[1].Data["index"]; idx != float64(0) {
		t.Errorf("content_block_start index = %v", idx)
	}
	if idx := records[4].Data["index"]; idx != float64(0) {
		t.Errorf("content_block_stop index = %v", idx)
	}
	delta := records[5].Data["delta"].(map[string]any)
	if delta["stop_reason"] != "end_turn" {
		t.Errorf("stop_reason = %v", delta["stop_reason"])
	}

	var text string
	for _, r := range records {
		if r.Event == "content_block_delta" {
			text += r.Data["delta"].(map[string]any)["text"].(string)
		}
	}
	if text != "Hi there" {
		t.Errorf("text = %q", text)
	}
}

func TestGenerator_ToolCalls(t *testing.T) {
	g := NewGenerator("msg_2", "m")
	in, out := 12, 34
	raw, violations := render(t, g,
		stream.MessageStart("msg_2", "m"),
		stream.TextDelta(0, "Let me check."),
		stream.ToolCallStart(1, "tu_1", "get_weather"),
		stream.ToolCallArgs(1, `{"city":`),
		stream.ToolCallArgs(1, `"Paris"}`),
		stream.ToolCallEnd(1),
		stream.UsageUpdate(stream.Usage{InputTokens: in, OutputTokens: out}),
		stream.MessageStop(stream.ToolUse),
	)
	if len(violations) != 0 {
		t.Fatalf("unexpected violations: %v", violations)
	}

	records := parseSSE(t, raw)
	want := []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_delta", "content_block_stop",
		"message_delta",
		"message_stop",
	}
	if got := eventNames(records); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}

	block := records[4].Data["content_block"].(map[string]any)
	if block["type"] != "tool_use" || block["id"] != "tu_1" || block["name"] != "get_weather" {
		t.Errorf("tool block = %v", block)
	}
	var args string
	for _, r := range records[5:7] {
		args += r.Data["delta"].(map[string]any)["partial_json"].(string)
	}
	if args != `{"city":"Paris"}` {
		t.Errorf("arguments = %q", args)
	}

	md := records[8].Data
	if md["delta"].(map[string]any)["stop_reason"] != "tool_use" {
		t.Errorf("stop_reason = %v", md["delta"])
	}
	usage := md["usage"].(map[string]any)
	if usage["input_tokens"] != float64(12) || usage["output_tokens"] != float64(34) {
		t.Errorf("usage = %v", usage)
	}
}

func TestGenerator_ExactlyOneMessageStop(t *testing.T) {
	g := NewGenerator("msg_3", "m")
	raw, _ := render(t, g,
		stream.MessageStart("msg_3", "m"),
		stream.TextDelta(0, "x"),
		stream.MessageStop(stream.EndTurn),
		stream.TextDelta(0, "late"),
		stream.MessageStop(stream.EndTurn),
	)
	if n := strings.Count(string(raw), "event: message_stop"); n != 1 {
		t.Errorf("message_stop count = %d, want 1", n)
	}
	if strings.Contains(string(raw), "late") {
		t.Error("content rendered after message_stop")
	}
}

func TestGenerator_Error(t *testing.T) {
	g := NewGenerator("msg_4", "m")
	raw, _ := render(t, g,
		stream.MessageStart("msg_4", "m"),
		stream.TextDelta(0, "partial"),
		stream.Error("ThrottlingException", "slow down", true),
	)
	records := parseSSE(t, raw)
	want := []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "error", "message_stop"}
	if got := eventNames(records); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}
	errBody := records[4].Data["error"].(map[string]any)
	if errBody["type"] != "rate_limit_error" || errBody["message"] != "slow down" {
		t.Errorf("error = %v", errBody)
	}
}

func TestGenerator_RepairsContract(t *testing.T) {
	g := NewGenerator("msg_5", "m")
	raw, violations := render(t, g,
		stream.TextDelta(0, "no start"),
		stream.ToolCallArgs(1, `{}`),
	)
	if len(violations) != 2 {
		t.Fatalf("violations = %v, want 2", violations)
	}
	var cv *codec.ContractViolation
	if !errors.As(violations[1], &cv) || cv.Index != 1 {
		t.Errorf("violation = %v", violations[1])
	}

	records := parseSSE(t, raw)
	want := []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"message_stop",
	}
	if got := eventNames(records); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestGenerator_FinalizeWithoutStart(t *testing.T) {
	g := NewGenerator("msg_6", "m")
	if out := g.Finalize(); out != nil {
		t.Errorf("Finalize() = %q, want nil", out)
	}
}
