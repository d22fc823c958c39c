package observability

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"crewtrain/internal/auth"
	"crewtrain/internal/events"
	"crewtrain/internal/platform/logger"

	"github.com/go-chi/chi/v5/middleware"
)

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
	db  *sql.DB
	log *logger.Logger

	mu           sync.RWMutex
	requestStats map[key]stat
	eventCounts  map[events.Kind]int64
	startedAt    time.Time
}

func NewCollector(db *sql.DB, log *logger.Logger) *Collector {
	if log == nil {
		log = logger.Nop()
	}
	return &Collector{
		db:           db,
		log:          log.With("component", "http"),
		requestStats: make(map[key]stat),
		eventCounts:  make(map[events.Kind]int64),
		startedAt:    time.Now(),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		latencyMS := float64(time.Since(start).Microseconds()) / 1000.0
		path := normalizedPath(r.URL.Path)

		c.mu.Lock()
		k := key{Method: r.Method, Path: path, Status: rec.status}
		s := c.requestStats[k]
		s.Count++
		s.LatencyMS += latencyMS
		c.requestStats[k] = s
		c.mu.Unlock()

		userID := int64(0)
		if u, ok := auth.CurrentUser(r.Context()); ok {
			userID = u.ID
		}
		c.log.Info("request",
			"request_id", middleware.GetReqID(r.Context()),
			"user_id", userID,
			"exam_id", extractID(r.URL.Path, "exams"),
			"method", r.Method,
			"path", path,
			"status", rec.status,
			"latency_ms", latencyMS,
			"remote_ip", strings.TrimSpace(r.RemoteAddr),
		)
	})
}

// ObserveEvent counts bus traffic per kind. It is meant for SubscribeAll.
func (c *Collector) ObserveEvent(ctx context.Context, ev events.Event) error {
	c.mu.Lock()
	c.eventCounts[ev.Kind]++
	c.mu.Unlock()
	return nil
}

func (c *Collector) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	statsCopy := make(map[key]stat, len(c.requestStats))
	for k, v := range c.requestStats {
		statsCopy[k] = v
	}
	eventsCopy := make(map[events.Kind]int64, len(c.eventCounts))
	for k, v := range c.eventCounts {
		eventsCopy[k] = v
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
	sb.WriteString("# crewtrain observability metrics\n")
	sb.WriteString("# TYPE crewtrain_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("crewtrain_uptime_seconds %.0f\n", time.Since(startedAt).Seconds()))

	sb.WriteString("# TYPE crewtrain_http_requests_total counter\n")
	sb.WriteString("# TYPE crewtrain_http_request_latency_ms_sum counter\n")
	sb.WriteString("# TYPE crewtrain_http_request_latency_ms_avg gauge\n")
	for _, k := range keys {
		s := statsCopy[k]
		labels := fmt.Sprintf("method=\"%s\",path=\"%s\",status=\"%d\"", k.Method, k.Path, k.Status)
		sb.WriteString(fmt.Sprintf("crewtrain_http_requests_total{%s} %d\n", labels, s.Count))
		sb.WriteString(fmt.Sprintf("crewtrain_http_request_latency_ms_sum{%s} %.3f\n", labels, s.LatencyMS))
		avg := 0.0
		if s.Count > 0 {
			avg = s.LatencyMS / float64(s.Count)
		}
		sb.WriteString(fmt.Sprintf("crewtrain_http_request_latency_ms_avg{%s} %.3f\n", labels, avg))
	}

	kinds := make([]string, 0, len(eventsCopy))
	for k := range eventsCopy {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	sb.WriteString("# TYPE crewtrain_events_total counter\n")
	for _, k := range kinds {
		sb.WriteString(fmt.Sprintf("crewtrain_events_total{kind=\"%s\"} %d\n", k, eventsCopy[events.Kind(k)]))
	}

	if c.db != nil {
		dbs := c.db.Stats()
		sb.WriteString("# TYPE crewtrain_db_open_connections gauge\n")
		sb.WriteString(fmt.Sprintf("crewtrain_db_open_connections %d\n", dbs.OpenConnections))
		sb.WriteString("# TYPE crewtrain_db_in_use_connections gauge\n")
		sb.WriteString(fmt.Sprintf("crewtrain_db_in_use_connections %d\n", dbs.InUse))
		sb.WriteString("# TYPE crewtrain_db_idle_connections gauge\n")
		sb.WriteString(fmt.Sprintf("crewtrain_db_idle_connections %d\n", dbs.Idle))
		sb.WriteString("# TYPE crewtrain_db_wait_count counter\n")
		sb.WriteString(fmt.Sprintf("crewtrain_db_wait_count %d\n", dbs.WaitCount))
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
