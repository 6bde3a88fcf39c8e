package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Strob0t/squire/internal/logger"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		want     string
		generate bool
	}{
		{name: "absent", generate: true},
		{name: "kept", header: "dash-7f3a", want: "dash-7f3a"},
		{name: "trimmed", header: "  cli-42 ", want: "cli-42"},
		{name: "blank", header: "   ", generate: true},
		{name: "overlong", header: strings.Repeat("x", 500), generate: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inCtx string
			h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				inCtx = logger.RequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", http.NoBody)
			if tt.header != "" {
				req.Header.Set("X-Request-ID", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get("X-Request-ID")
			if got != inCtx {
				t.Errorf("header %q differs from context %q", got, inCtx)
			}
			if tt.generate {
				if len(got) != 32 || strings.Contains(got, "-") {
					t.Errorf("expected generated 32-char hex ID, got %q", got)
				}
				return
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestIDUnique(t *testing.T) {
	seen := map[string]bool{}
	h := RequestID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	for range 20 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
		id := rec.Header().Get("X-Request-ID")
		if seen[id] {
			t.Fatalf("duplicate request ID %q", id)
		}
		seen[id] = true
	}
}
