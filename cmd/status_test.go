package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/agents", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"a1","type":"claude","status":"ONLINE","activity":"PROCESSING","currentCommandId":"c1","lastSeen":"2026-01-02T03:04:05Z","capabilities":{}}]`))
	})
	mux.HandleFunc("GET /api/queue/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"waiting":2,"delayed":0,"active":1,"completed":7,"failed":1,"interrupted":0,"avgWaitTime":1500,"avgProcessingTime":0,"throughputPerHour":3.5}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, printStatus(ctx, srv.Client(), srv.URL, &out))
	text := out.String()
	assert.Contains(t, text, "a1")
	assert.Contains(t, text, "PROCESSING")
	assert.Contains(t, text, "c1")
	assert.Contains(t, text, "1.5s")
}

func TestPrintStatus_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := printStatus(context.Background(), srv.Client(), srv.URL, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
