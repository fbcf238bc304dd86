package kiro

import (
	"sort"
	"strings"

	"github.com/smilit/proxycast-sub002/internal/core/stream"
)

// Aggregate folds a complete event sequence into a Response for the
// non-streaming path. It stops at the first terminal event; an error event
// returns a nil Response and the error details.
func Aggregate(events []stream.Event) (resp *Response, failure *stream.ErrorInfo) {
	resp = &Response{}
	var text strings.Builder
	calls := make(map[int]*ToolCall)
	args := make(map[int]*strings.Builder)

	for _, ev := range events {
		switch ev.Type {
		case stream.EventTextDelta:
			text.WriteString(ev.Text)
		case stream.EventToolCallDelta:
			call, ok := calls[ev.Index]
			if !ok {
				call = &ToolCall{}
				calls[ev.Index] = call
				args[ev.Index] = &strings.Builder{}
			}
			if ev.CallID != "" {
				call.ID = ev.CallID
			}
			if ev.Name != "" {
				call.Name = ev.Name
			}
			args[ev.Index].WriteString(ev.ArgumentsFragment)
		case stream.EventUsage:
			u := *ev.Usage
			resp.Usage = &u
		case stream.EventMessageStop:
			resp.StopReason = ev.StopReason
		case stream.EventError:
			return nil, ev.Err
		}
		if ev.IsTerminal() {
			break
		}
	}

	resp.Content = text.String()
	indices := make([]int, 0, len(calls))
	for idx := range calls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		call := calls[idx]
		call.Arguments = args[idx].String()
		resp.ToolCalls = append(resp.ToolCalls, *call)
	}
	return resp, nil
}
