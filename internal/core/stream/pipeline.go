package stream

// Decoder turns raw backend bytes into events. Implementations keep their own
// buffering state and must tolerate frame boundaries anywhere in a chunk.
type Decoder interface {
	Feed(chunk []byte) ([]Event, error)
	Finish() error
}

// Pipeline enforces the stream envelope over a Decoder: a single
// MessageStart before any content, and exactly one terminal event. A
// MessageStop produced by the decoder is held back until Finish so that
// trailing usage records still precede it.
type Pipeline struct {
	dec   Decoder
	id    string
	model string

	started bool
	closed  bool
	sawTool bool
	stop    StopReason
}

// NewPipeline wraps dec. id and model populate the synthesized MessageStart.
func NewPipeline(dec Decoder, id, model string) *Pipeline {
	return &Pipeline{dec: dec, id: id, model: model}
}

// Start emits the MessageStart event if it has not been emitted yet.
func (p *Pipeline) Start() []Event {
	if p.started || p.closed {
		return nil
	}
	p.started = true
	return []Event{MessageStart(p.id, p.model)}
}

// Feed decodes chunk and returns the envelope-checked events.
func (p *Pipeline) Feed(chunk []byte) ([]Event, error) {
	if p.closed {
		return nil, nil
	}
	decoded, err := p.dec.Feed(chunk)
	out := p.Start()
	for _, ev := range decoded {
		if p.closed {
			break
		}
		switch ev.Type {
		case EventNoop:
			continue
		case EventMessageStart:
			continue
		case EventMessageStop:
			p.stop = ev.StopReason
			continue
		case EventToolCallDelta:
			p.sawTool = true
		case EventError:
			p.closed = true
		}
		out = append(out, ev)
	}
	return out, err
}

// Finish validates the decoder's trailing state and emits the terminal
// MessageStop. On a decoder error nothing is emitted; the caller decides how
// to terminate the stream.
func (p *Pipeline) Finish() ([]Event, error) {
	if p.closed {
		return nil, nil
	}
	if err := p.dec.Finish(); err != nil {
		return nil, err
	}
	out := p.Start()
	p.closed = true
	return append(out, MessageStop(p.StopReason())), nil
}

// Fail closes the stream with an error event. It returns nil if the stream
// is already closed.
func (p *Pipeline) Fail(kind, message string, retryable bool) []Event {
	if p.closed {
		return nil
	}
	out := p.Start()
	p.closed = true
	return append(out, Error(kind, message, retryable))
}

// StopReason returns the stop reason that will close the stream.
func (p *Pipeline) StopReason() StopReason {
	if !p.stop.IsZero() {
		return p.stop
	}
	if p.sawTool {
		return ToolUse
	}
	return EndTurn
}

// Closed reports whether a terminal event has been emitted.
func (p *Pipeline) Closed() bool {
	return p.closed
}
