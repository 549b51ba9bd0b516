package transmitter

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// Transport is the HTTP transport collaborator. It is async in spirit (the
// spec's createRequest/sendAsync/cancelAsync callback model); the idiomatic
// Go equivalent is a context-cancellable synchronous call dispatched from a
// goroutine per in-flight request, since context.Context already carries
// the cancel signal a callback-based cancelAsync(id) would otherwise need.
type Transport interface {
	Send(ctx context.Context, endpoint string, payload []byte, headers map[string]string) (Response, error)
}

// Response is the classified shape of an HTTP reply.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// HTTPTransport is the concrete net/http-backed Transport.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns an HTTPTransport using client, or a default
// client with no timeout of its own if client is nil (requests are then
// bounded only by their context).
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{Client: client}
}

func (t *HTTPTransport) Send(ctx context.Context, endpoint string, payload []byte, headers map[string]string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	return Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}
