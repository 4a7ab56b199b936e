package observability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/amqpwire/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(framesTotal.WithLabelValues("in", "method"))
	RecordFrame("in", "method")
	if got := testutil.ToFloat64(framesTotal.WithLabelValues("in", "method")); got != before+1 {
		t.Fatalf("frame counter got=%v want=%v", got, before+1)
	}

	RecordHeartbeat("out")
	RecordRPC("connection.open", "ok", 3*time.Millisecond)
	RecordClose("broker")
	AddOpenChannels(1)
	AddOpenChannels(-1)
	RecordHTTPRequest("amqpctl", "GET", "/health", 200, 12*time.Millisecond)
}

func TestRequestMiddlewareRecordsRoute(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AdminAccessLog(ComponentLogger("test")), AdminRequestMetrics("test"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("test", "GET", "/health", "204"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("test", "GET", "/health", "204")); got != before+1 {
		t.Fatalf("http counter got=%v want=%v", got, before+1)
	}
}

func TestAdminAccessLogLevels(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	var buf bytes.Buffer
	r := gin.New()
	r.Use(AdminAccessLog(zerolog.New(&buf)), AdminRequestMetrics("levels"))
	r.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	tests := []struct {
		path  string
		level string
		route string
	}{
		{path: "/metrics", level: "debug", route: "/metrics"},
		{path: "/health", level: "error", route: "/health"},
		{path: "/wp-login.php", level: "warn", route: unmatchedRoute},
	}
	for _, tc := range tests {
		buf.Reset()
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tc.path, nil))

		var line map[string]any
		if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
			t.Fatalf("%s: decode log line %q: %v", tc.path, buf.String(), err)
		}
		if line["level"] != tc.level || line["route"] != tc.route {
			t.Fatalf("%s: got level=%v route=%v want level=%s route=%s", tc.path, line["level"], line["route"], tc.level, tc.route)
		}
		if line["message"] != "observability.admin request" {
			t.Fatalf("%s: unexpected message %v", tc.path, line["message"])
		}
	}

	if got := testutil.ToFloat64(httpRequests.WithLabelValues("levels", "GET", unmatchedRoute, "404")); got != 1 {
		t.Fatalf("unmatched counter got=%v want=1", got)
	}
}
