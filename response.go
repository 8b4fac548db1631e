package cacheproxy

import (
	"net/http"

	serializer "github.com/always-cache/cache-proxy/pkg/response-serializer"
)

// Response is what the proxy returns for a path: a status code and a body.
// Headers are not modeled.
type Response struct {
	StatusCode int
	Body       []byte
}

// Write sends the response to the client.
// Content-Type sniffing is disabled so no header beyond the transport's own is added.
func (r Response) Write(w http.ResponseWriter) error {
	w.Header()["Content-Type"] = nil
	w.WriteHeader(r.StatusCode)
	_, err := w.Write(r.Body)
	return err
}

func (r Response) bytes() ([]byte, error) {
	return serializer.Encode(r.StatusCode, r.Body)
}

func responseFromBytes(b []byte) (Response, error) {
	status, body, err := serializer.Decode(b)
	if err != nil {
		return Response{}, err
	}
	return Response{StatusCode: status, Body: body}, nil
}
