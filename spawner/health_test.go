package spawner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPHealthCheckerStatuses(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	checker := NewHTTPHealthChecker(time.Second)
	ctx := context.Background()

	assert.NoError(t, checker.Check(ctx, srv.URL))

	// Backends are opaque; a 404 at the root is still a live backend.
	status = http.StatusNotFound
	assert.NoError(t, checker.Check(ctx, srv.URL))

	status = http.StatusBadGateway
	assert.Error(t, checker.Check(ctx, srv.URL))
}

func TestHTTPHealthCheckerUnreachable(t *testing.T) {
	checker := NewHTTPHealthChecker(200 * time.Millisecond)
	err := checker.Check(context.Background(), "http://127.0.0.1:1")
	assert.Error(t, err)
}
