package providers

// Done is the sentinel returned by TranslateStreamChunk when the upstream
// stream has finished.
const Done = "[DONE]"

// Adapter translates one wire format. Implementations are stateless; any
// per-stream state lives in the StreamTranslator they hand out.
type Adapter interface {
	// TranslateRequest converts the internal request into the wire payload
	// and the endpoint path it must be POSTed to.
	TranslateRequest(req *ChatRequest) (map[string]interface{}, string, error)

	// TranslateResponse converts a non-streaming wire response body into a
	// standard chat.completion object.
	TranslateResponse(body []byte) (map[string]interface{}, error)

	// TranslateStreamChunk normalizes one raw data payload. It returns a
	// parsed object, the Done sentinel, or nil for chunks to skip.
	TranslateStreamChunk(raw string) interface{}

	// NeedsStreamTranslation reports whether upstream stream events must be
	// rewritten into chat.completion.chunk frames before reaching clients.
	NeedsStreamTranslation() bool

	// StreamTranslator returns a fresh per-stream translator. Only
	// meaningful when NeedsStreamTranslation is true; others return a
	// passthrough.
	StreamTranslator() StreamTranslator
}

// StreamTranslator rewrites upstream stream events into
// chat.completion.chunk frames, carrying whatever incremental state the
// wire format requires.
type StreamTranslator interface {
	// Translate returns zero or more chunk frames for one upstream event
	// and reports whether the stream is complete.
	Translate(event map[string]interface{}) (chunks []map[string]interface{}, done bool)
}

// passthroughTranslator forwards events unchanged.
type passthroughTranslator struct{}

func (passthroughTranslator) Translate(event map[string]interface{}) ([]map[string]interface{}, bool) {
	return []map[string]interface{}{event}, false
}
