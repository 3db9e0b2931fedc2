package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s:%s", name, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServerRoutesByLongestPrefix(t *testing.T) {
	defaultBackend := newBackend(t, "hub")
	alice := newBackend(t, "alice")
	aliceGPU := newBackend(t, "alice-gpu")

	s := NewServer("secret", defaultBackend.URL, nil)
	front := httptest.NewServer(s)
	defer front.Close()

	c := newTestClient(t, front.URL, 3)
	ctx := context.Background()
	require.NoError(t, c.AddRoute(ctx, "/user/alice", alice.URL))
	require.NoError(t, c.AddRoute(ctx, "/user/alice/gpu", aliceGPU.URL))

	cases := []struct {
		path string
		want string
	}{
		{"/user/alice", "alice:/user/alice"},
		{"/user/alice/lab/tree", "alice:/user/alice/lab/tree"},
		{"/user/alice/gpu", "alice-gpu:/user/alice/gpu"},
		{"/user/alice/gpu/status", "alice-gpu:/user/alice/gpu/status"},
		{"/user/alicia", "hub:/user/alicia"}, // prefix match is per path segment
		{"/hub/login", "hub:/hub/login"},
	}
	for _, tc := range cases {
		status, body := get(t, front.URL+tc.path)
		assert.Equal(t, http.StatusOK, status, tc.path)
		assert.Equal(t, tc.want, body, tc.path)
	}
}

func TestServerNoDefaultTargetIs404(t *testing.T) {
	s := NewServer("secret", "", nil)
	front := httptest.NewServer(s)
	defer front.Close()

	status, _ := get(t, front.URL+"/user/nobody")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServerRouteRemovalTakesEffect(t *testing.T) {
	alice := newBackend(t, "alice")
	s := NewServer("secret", "", nil)
	front := httptest.NewServer(s)
	defer front.Close()

	c := newTestClient(t, front.URL, 3)
	ctx := context.Background()
	require.NoError(t, c.AddRoute(ctx, "/user/alice", alice.URL))

	status, _ := get(t, front.URL+"/user/alice")
	require.Equal(t, http.StatusOK, status)

	require.NoError(t, c.RemoveRoute(ctx, "/user/alice"))
	status, _ = get(t, front.URL+"/user/alice")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServerAdminRequiresToken(t *testing.T) {
	s := NewServer("secret", "", nil)
	front := httptest.NewServer(s)
	defer front.Close()

	req, err := http.NewRequest(http.MethodGet, front.URL+"/api/routes", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "token wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The mismatched client surfaces it as a non-retryable error.
	bad := newTestClient(t, front.URL, 3)
	bad.authToken = "wrong"
	_, err = bad.ListRoutes(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrProxyUnreachable)
}

func TestServerRejectsEmptyTarget(t *testing.T) {
	s := NewServer("secret", "", nil)
	front := httptest.NewServer(s)
	defer front.Close()

	c := newTestClient(t, front.URL, 3)
	err := c.AddRoute(context.Background(), "/user/alice", "")
	assert.Error(t, err)
	assert.Empty(t, s.Routes())
}

func TestServerTraceHeaderReachesBackend(t *testing.T) {
	var traceID string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = r.Header.Get("X-Trace-ID")
	}))
	defer backend.Close()

	s := NewServer("secret", "", nil)
	front := httptest.NewServer(s)
	defer front.Close()

	c := newTestClient(t, front.URL, 3)
	require.NoError(t, c.AddRoute(context.Background(), "/user/alice", backend.URL))

	status, _ := get(t, front.URL+"/user/alice")
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, traceID)
}
