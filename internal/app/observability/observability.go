package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"coursetest/internal/auth"

	"github.com/go-chi/chi/v5/middleware"
)

// NewLogger returns a JSON slog logger writing to stdout at the given level
// ("debug", "info", "warn", "error"; anything else is info).
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

type key struct {
	Method string
	Path   string
	Status int
}

type stat struct {
	Count     int64
	LatencyMS float64
}

type Collector struct {
	db     *sql.DB
	logger *slog.Logger

	mu             sync.RWMutex
	requestStats   map[key]stat
	rewardOutcomes map[string]int64
	startedAt      time.Time
}

func NewCollector(db *sql.DB, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		db:             db,
		logger:         logger,
		requestStats:   make(map[key]stat),
		rewardOutcomes: make(map[string]int64),
		startedAt:      time.Now(),
	}
}

// RecordRewardOutcome counts one reward ledger notification.
func (c *Collector) RecordRewardOutcome(outcome string) {
	c.mu.Lock()
	c.rewardOutcomes[outcome]++
	c.mu.Unlock()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type metaKey struct{}

// requestMeta is filled in by inner middleware and read back by the access log.
type requestMeta struct {
	userID int64
}

// TagIdentity copies the authenticated caller into the access log entry.
// Mount it after auth.RequireAuth.
func TagIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if meta, ok := r.Context().Value(metaKey{}).(*requestMeta); ok {
			if u, ok := auth.CurrentIdentity(r.Context()); ok {
				meta.userID = u.ID
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		meta := &requestMeta{}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), metaKey{}, meta)))

		latencyMS := float64(time.Since(start).Microseconds()) / 1000.0
		path := normalizedPath(r.URL.Path)

		c.mu.Lock()
		k := key{Method: r.Method, Path: path, Status: rec.status}
		s := c.requestStats[k]
		s.Count++
		s.LatencyMS += latencyMS
		c.requestStats[k] = s
		c.mu.Unlock()

		c.logger.Info("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"user_id", meta.userID,
			"test_id", extractID(r.URL.Path, "tests"),
			"submission_id", extractID(r.URL.Path, "submissions"),
			"method", r.Method,
			"path", path,
			"status", rec.status,
			"latency_ms", latencyMS,
			"remote_ip", strings.TrimSpace(r.RemoteAddr),
		)
	})
}

func (c *Collector) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	statsCopy := make(map[key]stat, len(c.requestStats))
	for k, v := range c.requestStats {
		statsCopy[k] = v
	}
	rewards := make(map[string]int64, len(c.rewardOutcomes))
	for k, v := range c.rewardOutcomes {
		rewards[k] = v
	}
	startedAt := c.startedAt
	c.mu.RUnlock()

	keys := make([]key, 0, len(statsCopy))
	for k := range statsCopy {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Method != keys[j].Method {
			return keys[i].Method < keys[j].Method
		}
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Status < keys[j].Status
	})

	var sb strings.Builder
	sb.WriteString("# coursetest observability metrics\n")
	sb.WriteString("# TYPE coursetest_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("coursetest_uptime_seconds %.0f\n", time.Since(startedAt).Seconds()))

	sb.WriteString("# TYPE coursetest_http_requests_total counter\n")
	sb.WriteString("# TYPE coursetest_http_request_latency_ms_sum counter\n")
	sb.WriteString("# TYPE coursetest_http_request_latency_ms_avg gauge\n")
	for _, k := range keys {
		s := statsCopy[k]
		labels := fmt.Sprintf("method=\"%s\",path=\"%s\",status=\"%d\"", k.Method, k.Path, k.Status)
		sb.WriteString(fmt.Sprintf("coursetest_http_requests_total{%s} %d\n", labels, s.Count))
		sb.WriteString(fmt.Sprintf("coursetest_http_request_latency_ms_sum{%s} %.3f\n", labels, s.LatencyMS))
		avg := 0.0
		if s.Count > 0 {
			avg = s.LatencyMS / float64(s.Count)
		}
		sb.WriteString(fmt.Sprintf("coursetest_http_request_latency_ms_avg{%s} %.3f\n", labels, avg))
	}

	outcomes := make([]string, 0, len(rewards))
	for o := range rewards {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	sb.WriteString("# TYPE coursetest_reward_notifications_total counter\n")
	for _, o := range outcomes {
		sb.WriteString(fmt.Sprintf("coursetest_reward_notifications_total{outcome=\"%s\"} %d\n", o, rewards[o]))
	}

	if c.db != nil {
		dbs := c.db.Stats()
		sb.WriteString("# TYPE coursetest_db_open_connections gauge\n")
		sb.WriteString(fmt.Sprintf("coursetest_db_open_connections %d\n", dbs.OpenConnections))
		sb.WriteString("# TYPE coursetest_db_in_use_connections gauge\n")
		sb.WriteString(fmt.Sprintf("coursetest_db_in_use_connections %d\n", dbs.InUse))
		sb.WriteString("# TYPE coursetest_db_idle_connections gauge\n")
		sb.WriteString(fmt.Sprintf("coursetest_db_idle_connections %d\n", dbs.Idle))
		sb.WriteString("# TYPE coursetest_db_wait_count counter\n")
		sb.WriteString(fmt.Sprintf("coursetest_db_wait_count %d\n", dbs.WaitCount))
		sb.WriteString("# TYPE coursetest_db_wait_duration_ms counter\n")
		sb.WriteString(fmt.Sprintf("coursetest_db_wait_duration_ms %.3f\n", float64(dbs.WaitDuration.Microseconds())/1000.0))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

func normalizedPath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// extractID returns the numeric segment following resource, or 0.
func extractID(path, resource string) int64 {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == resource {
			if id, err := strconv.ParseInt(parts[i+1], 10, 64); err == nil {
				return id
			}
		}
	}
	return 0
}
