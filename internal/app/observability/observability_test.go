package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"coursetest/internal/auth"
)

func TestNormalizedPath(t *testing.T) {
	got := normalizedPath("/api/v1/submissions/123/answers/9/mark")
	want := "/api/v1/submissions/{id}/answers/{id}/mark"
	if got != want {
		t.Fatalf("normalizedPath mismatch got=%s want=%s", got, want)
	}
}

func TestExtractID(t *testing.T) {
	tests := []struct {
		path     string
		resource string
		want     int64
	}{
		{path: "/api/v1/tests/456/submissions", resource: "tests", want: 456},
		{path: "/api/v1/submissions/8/finalize", resource: "submissions", want: 8},
		{path: "/api/v1/tests/456/submissions", resource: "submissions", want: 0},
		{path: "/api/v1/courses/1/tests", resource: "tests", want: 0},
	}
	for _, tc := range tests {
		if got := extractID(tc.path, tc.resource); got != tc.want {
			t.Fatalf("extractID(%s, %s) = %d, want %d", tc.path, tc.resource, got, tc.want)
		}
	}
}

func TestMiddlewareLogsIdentityAndIDs(t *testing.T) {
	var buf bytes.Buffer
	c := NewCollector(nil, slog.New(slog.NewJSONHandler(&buf, nil)))

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	withIdentity := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.ContextWithIdentity(r.Context(), &auth.Identity{ID: 5, Role: auth.RoleLearner})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	h := c.Middleware(withIdentity(TagIdentity(inner)))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tests/3/submissions", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["user_id"] != float64(5) || entry["test_id"] != float64(3) || entry["status"] != float64(409) {
		t.Fatalf("unexpected log entry %v", entry)
	}
}

func TestMetricsIncludeRewardOutcomes(t *testing.T) {
	c := NewCollector(nil, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	c.RecordRewardOutcome("accepted")
	c.RecordRewardOutcome("accepted")
	c.RecordRewardOutcome("error")

	w := httptest.NewRecorder()
	c.MetricsHandler(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := w.Body.String()
	for _, want := range []string{
		`coursetest_reward_notifications_total{outcome="accepted"} 2`,
		`coursetest_reward_notifications_total{outcome="error"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestNewLoggerLevel(t *testing.T) {
	l := NewLogger("warn")
	if l.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info must be disabled at warn level")
	}
	if !l.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error must be enabled at warn level")
	}
}
