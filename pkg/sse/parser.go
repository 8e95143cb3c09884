// Package sse implements server-sent event parsing and framing.
//
// The parser is sans-I/O: callers feed it byte chunks as they arrive and
// carry the returned remainder into the next call. It tolerates LF, CRLF,
// and bare CR line endings, including a CRLF split across two chunks. A
// final line cut short by end-of-stream is dispatched via Flush.
package sse

import "encoding/json"

// doneSentinel terminates an upstream stream.
const doneSentinel = "[DONE]"

// Callbacks receive parsed stream content.
type Callbacks struct {
	// OnEvent is invoked with each successfully parsed data payload.
	OnEvent func(event map[string]interface{})
	// OnDone is invoked once when the [DONE] sentinel is seen.
	OnDone func()
	// OnRawLine is invoked with non-data lines, for diagnostics.
	OnRawLine func(line string)
}

// Parse consumes data plus any carry-over from the previous call and fires
// callbacks for every complete line. It returns the unconsumed remainder,
// which must be passed back as carryOver on the next call.
//
// data: lines carrying invalid JSON are dropped silently. Parsing stops at
// the [DONE] sentinel.
func Parse(data, carryOver []byte, cb Callbacks) []byte {
	buf := carryOver
	if len(buf) > 0 {
		buf = append(append([]byte{}, carryOver...), data...)
	} else {
		buf = data
	}

	start := 0
	for i := 0; i < len(buf); i++ {
		switch buf[i] {
		case '\n':
			if done := handleLine(buf[start:i], cb); done {
				return nil
			}
			start = i + 1
		case '\r':
			if i == len(buf)-1 {
				// A CRLF may straddle the chunk boundary; keep the CR
				// and the unterminated line for the next call.
				return append([]byte{}, buf[start:]...)
			}
			if done := handleLine(buf[start:i], cb); done {
				return nil
			}
			if buf[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}

	if start >= len(buf) {
		return nil
	}
	return append([]byte{}, buf[start:]...)
}

// Flush dispatches the carry-over remaining when the stream ends. Lines
// may be terminated by end-of-stream rather than a newline; such a tail is
// handled as if it had been terminated normally. A trailing CR kept by the
// straddle path is stripped first.
func Flush(carryOver []byte, cb Callbacks) {
	line := carryOver
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	handleLine(line, cb)
}

// handleLine dispatches one complete line. Returns true when the stream is
// finished.
func handleLine(line []byte, cb Callbacks) bool {
	if len(line) == 0 {
		return false
	}

	const prefix = "data:"
	if len(line) < len(prefix) || string(line[:len(prefix)]) != prefix {
		if cb.OnRawLine != nil {
			cb.OnRawLine(string(line))
		}
		return false
	}

	payload := line[len(prefix):]
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}

	if string(payload) == doneSentinel {
		if cb.OnDone != nil {
			cb.OnDone()
		}
		return true
	}

	var event map[string]interface{}
	if err := json.Unmarshal(payload, &event); err != nil {
		// Malformed payloads are ignored per-event; the stream continues.
		return false
	}

	if cb.OnEvent != nil {
		cb.OnEvent(event)
	}
	return false
}
