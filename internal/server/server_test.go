package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goformstore/internal/api/handlers"
	"github.com/bigkaa/goformstore/internal/config"
	"github.com/bigkaa/goformstore/internal/testutil/pgtest"
)

type okChecker struct{}

func (okChecker) CheckReady() (string, string) { return "ok", "" }

func TestRouter(t *testing.T) {
	router := NewRouter(pgtest.Logger(), handlers.NewHealthHandler(okChecker{}, okChecker{}))

	tests := []struct {
		path string
		code int
	}{
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/records", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.code, rec.Code, tt.path)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "fs_http_requests_total"))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	cfg := &config.Config{Port: 18765, ShutdownTimeout: time.Second}
	srv := New(cfg, pgtest.Logger(), handlers.NewHealthHandler(okChecker{}, okChecker{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:18765/health/live")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("сервер не остановился")
	}
}
