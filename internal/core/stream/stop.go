package stream

import "strings"

// StopReasonKind enumerates the stop reasons every client protocol can
// express. Anything else is carried as StopOther with the raw value.
type StopReasonKind string

const (
	StopEndTurn      StopReasonKind = "end_turn"
	StopMaxTokens    StopReasonKind = "max_tokens"
	StopToolUse      StopReasonKind = "tool_use"
	StopStopSequence StopReasonKind = "stop_sequence"
	StopOther        StopReasonKind = "other"
)

// StopReason is a normalized stop reason. Raw holds the backend's original
// string for StopOther.
type StopReason struct {
	Kind StopReasonKind
	Raw  string
}

var (
	EndTurn      = StopReason{Kind: StopEndTurn}
	MaxTokens    = StopReason{Kind: StopMaxTokens}
	ToolUse      = StopReason{Kind: StopToolUse}
	StopSequence = StopReason{Kind: StopStopSequence}
)

// ParseStopReason normalizes a stop reason from either the Anthropic or the
// OpenAI vocabulary. Unknown values are preserved as StopOther.
func ParseStopReason(s string) StopReason {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "end_turn", "stop", "endturn":
		return EndTurn
	case "max_tokens", "length", "maxtokens":
		return MaxTokens
	case "tool_use", "tool_calls", "tooluse":
		return ToolUse
	case "stop_sequence", "stopsequence":
		return StopSequence
	}
	return StopReason{Kind: StopOther, Raw: s}
}

// IsZero reports whether no stop reason has been recorded.
func (r StopReason) IsZero() bool {
	return r.Kind == ""
}

func (r StopReason) String() string {
	if r.Kind == StopOther {
		return r.Raw
	}
	return string(r.Kind)
}
