package sse

import "io"

// DefaultPreviewBytes bounds the preview captured by TeeWithPreview.
const DefaultPreviewBytes = 2048

// TeeWithPreview wraps body so that bytes flow through unchanged while the
// first maxPreview bytes are captured. The returned channel resolves exactly
// once: with the captured prefix when the stream ends or errors, or with nil
// when body itself is nil.
func TeeWithPreview(body io.ReadCloser, maxPreview int) (io.ReadCloser, <-chan *string) {
	preview := make(chan *string, 1)

	if body == nil {
		preview <- nil
		close(preview)
		return body, preview
	}

	if maxPreview <= 0 {
		maxPreview = DefaultPreviewBytes
	}

	return &teeReader{
		src:     body,
		max:     maxPreview,
		preview: preview,
	}, preview
}

type teeReader struct {
	src      io.ReadCloser
	buf      []byte
	max      int
	preview  chan *string
	resolved bool
}

func (t *teeReader) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 && len(t.buf) < t.max {
		remain := t.max - len(t.buf)
		if remain > n {
			remain = n
		}
		t.buf = append(t.buf, p[:remain]...)
	}

	if err != nil {
		// Errors still resolve the preview with whatever was captured.
		t.resolve()
	}
	return n, err
}

func (t *teeReader) Close() error {
	t.resolve()
	return t.src.Close()
}

func (t *teeReader) resolve() {
	if t.resolved {
		return
	}
	t.resolved = true
	s := string(t.buf)
	t.preview <- &s
	close(t.preview)
}
