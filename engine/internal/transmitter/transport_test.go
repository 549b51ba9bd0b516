package transmitter

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/engine/internal/testutil/httpmock"
)

func TestHTTPTransportSendReturnsStatusAndBody(t *testing.T) {
	ms := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/upload", MatchPrefix: true, Status: 202, Body: "accepted"},
	})
	defer ms.Close()

	tr := NewHTTPTransport(&http.Client{Timeout: time.Second})
	resp, err := tr.Send(context.Background(), ms.URL()+"/upload", []byte(`[{"k":"v"}]`), map[string]string{"Content-Type": "application/json"})
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)
	assert.Equal(t, "accepted", string(resp.Body))
}

func TestHTTPTransportSendRespectsContextCancellation(t *testing.T) {
	ms := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/slow", Delay: 200 * time.Millisecond, Body: "late"},
	})
	defer ms.Close()

	tr := NewHTTPTransport(&http.Client{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Send(ctx, ms.URL()+"/slow", []byte(`[]`), nil)
	assert.Error(t, err)
}

func TestHTTPTransportSendReturns5xxAsResponseNotError(t *testing.T) {
	ms := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/broken", Status: 503, Body: "unavailable"},
	})
	defer ms.Close()

	tr := NewHTTPTransport(&http.Client{})
	resp, err := tr.Send(context.Background(), ms.URL()+"/broken", []byte(`[]`), nil)
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
}
