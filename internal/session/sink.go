package session

// Sink observes output chunks as the reader loop produces them.
// Implementations must be fast; the reader loop calls OnOutput inline.
type Sink interface {
	OnOutput(chunk OutputChunk)
}

// NopSink discards all output notifications. Sessions default to it so they
// can be driven in tests without a live callback.
type NopSink struct{}

// OnOutput implements Sink.
func (NopSink) OnOutput(OutputChunk) {}
