package cloud_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sleepy-project/statussync/internal/cloud"
)

func TestProber_Probe(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    cloud.ProbeResult
	}{
		{
			name: "serverless id header",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Vercel-Id", "fra1::abc")
				w.WriteHeader(http.StatusOK)
			},
			want: cloud.ProbeUnsupported,
		},
		{
			name: "serverless server header",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Server", "vercel")
				w.WriteHeader(http.StatusNotFound)
			},
			want: cloud.ProbeUnsupported,
		},
		{
			name: "regular host",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Server", "uvicorn")
				w.Write([]byte(`{"hello":"sleepy"}`))
			},
			want: cloud.ProbeSupported,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			want: cloud.ProbeInconclusive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			got := cloud.NewProber(srv.URL, time.Second, testLogger()).Probe(context.Background())
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProber_UnreachableIsInconclusive(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	got := cloud.NewProber(url, time.Second, testLogger()).Probe(context.Background())
	if got != cloud.ProbeInconclusive {
		t.Errorf("got %v, want inconclusive", got)
	}
}
