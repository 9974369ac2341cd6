package outbox

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// EncodingGzip is the content encoding of compressed payloads
const EncodingGzip = "gzip"

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses the payload compression applied on enqueue. Bodies with
// any encoding other than gzip are returned unchanged.
func Decompress(encoding string, body []byte) ([]byte, error) {
	if encoding != EncodingGzip {
		return body, nil
	}

	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("outbox: decompress: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("outbox: decompress: %w", err)
	}
	return out, nil
}
