package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Encode returns the HTTP/1.1 representation of a response with the given status and body.
// No headers other than Content-Length are written.
func Encode(status int, body []byte) ([]byte, error) {
	res := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		ContentLength: int64(len(body)),
	}
	if len(body) > 0 {
		res.Body = io.NopCloser(bytes.NewReader(body))
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses bytes written by Encode back into a status and body.
func Decode(b []byte) (int, []byte, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("decode response: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("decode response body: %w", err)
	}
	return res.StatusCode, body, nil
}
