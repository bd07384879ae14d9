// Package metrics exposes Prometheus collectors for page checks and the HTTP API.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Collectors groups every collector the service registers. Create one per
// registry with New.
type Collectors struct {
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	vitalsMilliseconds         *prometheus.HistogramVec
	layoutShift                *prometheus.HistogramVec
	resourceBytesTotal         *prometheus.CounterVec
	resourcesTotal             *prometheus.CounterVec
	checkAnomaliesTotal        *prometheus.CounterVec
	tasksTotal                 *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collectors{
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		vitalsMilliseconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewatch_web_vital_milliseconds",
				Help:    "Timing web vitals in milliseconds, labeled by metric and site.",
				Buckets: []float64{100, 250, 500, 1000, 1800, 2500, 4000, 6000, 10000},
			},
			[]string{"metric", "site"},
		),
		layoutShift: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewatch_cumulative_layout_shift",
				Help:    "Cumulative layout shift score, labeled by site.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"site"},
		),
		resourceBytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_resource_bytes_total",
				Help: "Bytes transferred by page resources, labeled by site and category.",
			},
			[]string{"site", "category"},
		),
		resourcesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_resources_total",
				Help: "Number of page resources, labeled by site and category.",
			},
			[]string{"site", "category"},
		),
		checkAnomaliesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_check_anomalies_total",
				Help: "Blank-screen check anomalies, labeled by site and check.",
			},
			[]string{"site", "check"},
		),
		tasksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_tasks_total",
				Help: "Finished tasks, labeled by site, status and page status.",
			},
			[]string{"site", "status", "page_status"},
		),
		rateLimitDelaySeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewatch_rate_limit_delay_seconds",
				Help:    "Time tasks waited for their host's navigation token, labeled by site.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"site"},
		),
	}
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (c *Collectors) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records a per-host navigation wait. It satisfies
// ratelimit.DelayObserver.
func (c *Collectors) ObserveRateLimitDelay(host string, d time.Duration) {
	c.rateLimitDelaySeconds.WithLabelValues(SanitizeSite(host)).Observe(d.Seconds())
}

// ObserveTask records a finished task. It satisfies scheduler.Observer; result
// is nil for failed tasks, which only count toward the task total.
func (c *Collectors) ObserveTask(task monitor.Task, result *monitor.Result) {
	site := SanitizeSite(task.TargetURL)
	c.tasksTotal.WithLabelValues(site, string(task.Status), string(task.PageStatus)).Inc()
	if result == nil {
		return
	}
	c.observeVitals(site, result.Vitals)
	if stats := result.ResourceStats; stats != nil {
		for category, cs := range stats.ByCategory {
			c.resourceBytesTotal.WithLabelValues(site, category).Add(float64(cs.Size))
			c.resourcesTotal.WithLabelValues(site, category).Add(float64(cs.Count))
		}
	}
	checks := result.Detection.Checks
	for name, anomaly := range map[monitor.CheckName]bool{
		monitor.CheckDOMStructure: checks.DOMStructure != nil && checks.DOMStructure.Anomaly,
		monitor.CheckContent:      checks.Content != nil && checks.Content.Anomaly,
		monitor.CheckTextMatch:    checks.TextMatch != nil && checks.TextMatch.Anomaly,
		monitor.CheckHTTPStatus:   checks.HTTPStatus != nil && checks.HTTPStatus.Anomaly,
		monitor.CheckTimeout:      checks.Timeout != nil && checks.Timeout.Anomaly,
	} {
		if anomaly {
			c.checkAnomaliesTotal.WithLabelValues(site, string(name)).Inc()
		}
	}
}

func (c *Collectors) observeVitals(site string, v monitor.Vitals) {
	timings := []struct {
		name  string
		value *float64
	}{
		{"lcp", v.LCP},
		{"fid", v.FID},
		{"fcp", v.FCP},
		{"ttfb", v.TTFB},
		{"load_time", v.LoadTime},
		{"dom_content_loaded", v.DOMContentLoaded},
	}
	for _, t := range timings {
		if t.value != nil {
			c.vitalsMilliseconds.WithLabelValues(t.name, site).Observe(*t.value)
		}
	}
	if v.CLS != nil {
		c.layoutShift.WithLabelValues(site).Observe(*v.CLS)
	}
}
