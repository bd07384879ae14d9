package monitor

import (
	"time"
)

// TaskStatus represents the execution state of a monitoring task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed
}

// PageStatus is the verdict about the monitored page itself.
type PageStatus string

// Page status values.
const (
	PageQueued   PageStatus = "queued"
	PageChecking PageStatus = "checking"
	PageNormal   PageStatus = "normal"
	PageAbnormal PageStatus = "abnormal"
	PageUnknown  PageStatus = "unknown"
)

// Target is a monitored page definition.
type Target struct {
	ID      string `json:"id" mapstructure:"id"`
	Name    string `json:"name" mapstructure:"name"`
	URL     string `json:"url" mapstructure:"url"`
	Device  string `json:"device" mapstructure:"device"`
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
}

// Task is one queued or executing monitoring run.
type Task struct {
	ID            string         `json:"id"`
	TargetID      string         `json:"target_id"`
	TargetURL     string         `json:"target_url"`
	Device        string         `json:"device"`
	Status        TaskStatus     `json:"status"`
	PageStatus    PageStatus     `json:"page_status"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
	Error         string         `json:"error,omitempty"`
	ResultID      string         `json:"result_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Screenshots   []string       `json:"screenshots"`
	ResourceStats *ResourceStats `json:"resource_stats,omitempty"`
}

// TaskFilter narrows ListTasks results. Zero values match everything.
type TaskFilter struct {
	Status   TaskStatus
	TargetID string
	Limit    int
}

// Matches reports whether the task satisfies the filter.
func (f TaskFilter) Matches(task Task) bool {
	if f.Status != "" && task.Status != f.Status {
		return false
	}
	if f.TargetID != "" && task.TargetID != f.TargetID {
		return false
	}
	return true
}

// TaskStats summarizes the task table.
type TaskStats struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Running     int     `json:"running"`
	Success     int     `json:"success"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// HTTPResponse describes the main document response.
type HTTPResponse struct {
	StatusCode int    `json:"status_code"`
	StatusText string `json:"status_text"`
	FinalURL   string `json:"final_url"`
}

// LoadStatus is built by the navigation controller while a page loads.
type LoadStatus struct {
	DOMContentLoadedReached bool          `json:"dom_content_loaded_reached"`
	LoadEventReached        bool          `json:"load_event_reached"`
	DOMLoadTimeMs           int64         `json:"dom_load_time_ms"`
	PageLoadTimeMs          int64         `json:"page_load_time_ms"`
	TimedOut                bool          `json:"timed_out"`
	TimeoutReason           string        `json:"timeout_reason,omitempty"`
	NavigationError         string        `json:"navigation_error,omitempty"`
	HTTPResponse            *HTTPResponse `json:"http_response,omitempty"`
	// ProbeError is set when the in-page blank-screen probe failed without a
	// browser fault, for example after a client-side redirect.
	ProbeError string `json:"probe_error,omitempty"`
}

// AddTimeoutReason marks the load as timed out and appends a reason.
func (l *LoadStatus) AddTimeoutReason(reason string) {
	l.TimedOut = true
	if l.TimeoutReason == "" {
		l.TimeoutReason = reason
		return
	}
	l.TimeoutReason += "; " + reason
}

// Vitals holds Web-Vitals-style timings. Nil means the signal was never observed.
type Vitals struct {
	LCP              *float64 `json:"lcp"`
	FID              *float64 `json:"fid"`
	CLS              *float64 `json:"cls"`
	FCP              *float64 `json:"fcp"`
	TTFB             *float64 `json:"ttfb"`
	LoadTime         *float64 `json:"load_time"`
	DOMContentLoaded *float64 `json:"dom_content_loaded"`
}

// MetricsRecord is the persisted form of a vitals snapshot.
type MetricsRecord struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	TargetID      string         `json:"target_id"`
	SessionID     string         `json:"session_id"`
	URL           string         `json:"url"`
	Device        string         `json:"device"`
	Timestamp     time.Time      `json:"timestamp"`
	Vitals        Vitals         `json:"vitals"`
	ResourceStats *ResourceStats `json:"resource_stats,omitempty"`
	Screenshots   []string       `json:"screenshots"`
}

// CheckName identifies one of the blank-screen checks.
type CheckName string

// Blank-screen checks in evaluation order.
const (
	CheckDOMStructure CheckName = "dom_structure"
	CheckContent      CheckName = "content"
	CheckTextMatch    CheckName = "text_match"
	CheckHTTPStatus   CheckName = "http_status"
	CheckTimeout      CheckName = "timeout"
)

// CheckOrder is the fixed evaluation order used for reasons.
var CheckOrder = []CheckName{
	CheckDOMStructure,
	CheckContent,
	CheckTextMatch,
	CheckHTTPStatus,
	CheckTimeout,
}

// EnabledChecks records which checks ran.
type EnabledChecks struct {
	DOMStructure bool `json:"dom_structure" mapstructure:"dom_structure"`
	Content      bool `json:"content" mapstructure:"content"`
	TextMatch    bool `json:"text_match" mapstructure:"text_match"`
	HTTPStatus   bool `json:"http_status" mapstructure:"http_status"`
	Timeout      bool `json:"timeout" mapstructure:"timeout"`
}

// Enabled reports whether the named check is on.
func (e EnabledChecks) Enabled(name CheckName) bool {
	switch name {
	case CheckDOMStructure:
		return e.DOMStructure
	case CheckContent:
		return e.Content
	case CheckTextMatch:
		return e.TextMatch
	case CheckHTTPStatus:
		return e.HTTPStatus
	case CheckTimeout:
		return e.Timeout
	default:
		return false
	}
}

// BlankScreenConfig configures the classifier and the navigation budgets it checks against.
type BlankScreenConfig struct {
	Checks               EnabledChecks `json:"checks" mapstructure:"checks"`
	DOMElementThreshold  int           `json:"dom_element_threshold" mapstructure:"dom_element_threshold"`
	HeightRatioThreshold float64       `json:"height_ratio_threshold" mapstructure:"height_ratio_threshold"`
	TextLengthThreshold  int           `json:"text_length_threshold" mapstructure:"text_length_threshold"`
	ErrorKeywords        []string      `json:"error_keywords" mapstructure:"error_keywords"`
	ErrorStatusCodes     []int         `json:"error_status_codes" mapstructure:"error_status_codes"`
	DOMLoadTimeoutMs     int64         `json:"dom_load_timeout_ms" mapstructure:"dom_load_timeout_ms"`
	PageLoadTimeoutMs    int64         `json:"page_load_timeout_ms" mapstructure:"page_load_timeout_ms"`
}

// Default thresholds and budgets.
const (
	DefaultDOMElementThreshold  = 3
	DefaultHeightRatioThreshold = 0.15
	DefaultTextLengthThreshold  = 10
	DefaultDOMLoadTimeoutMs     = 8000
	DefaultPageLoadTimeoutMs    = 10000
	DefaultMaxConcurrent        = 2
)

// DefaultBlankScreenConfig returns a configuration with every check enabled.
func DefaultBlankScreenConfig() BlankScreenConfig {
	return BlankScreenConfig{
		Checks: EnabledChecks{
			DOMStructure: true,
			Content:      true,
			TextMatch:    true,
			HTTPStatus:   true,
			Timeout:      true,
		},
		DOMElementThreshold:  DefaultDOMElementThreshold,
		HeightRatioThreshold: DefaultHeightRatioThreshold,
		TextLengthThreshold:  DefaultTextLengthThreshold,
		ErrorKeywords: []string{
			"404", "not found", "500", "internal server error", "502", "bad gateway", "503",
			"service unavailable", "page not found", "无法访问", "出错了",
		},
		ErrorStatusCodes:  []int{400, 401, 403, 404, 500, 502, 503, 504},
		DOMLoadTimeoutMs:  DefaultDOMLoadTimeoutMs,
		PageLoadTimeoutMs: DefaultPageLoadTimeoutMs,
	}
}

// WithDefaults fills zero thresholds and budgets.
func (c BlankScreenConfig) WithDefaults() BlankScreenConfig {
	if c.DOMElementThreshold <= 0 {
		c.DOMElementThreshold = DefaultDOMElementThreshold
	}
	if c.HeightRatioThreshold <= 0 {
		c.HeightRatioThreshold = DefaultHeightRatioThreshold
	}
	if c.TextLengthThreshold <= 0 {
		c.TextLengthThreshold = DefaultTextLengthThreshold
	}
	if c.DOMLoadTimeoutMs <= 0 {
		c.DOMLoadTimeoutMs = DefaultDOMLoadTimeoutMs
	}
	if c.PageLoadTimeoutMs <= 0 {
		c.PageLoadTimeoutMs = DefaultPageLoadTimeoutMs
	}
	return c
}

// TaskConfig holds runtime-reloadable scheduler settings.
type TaskConfig struct {
	MaxConcurrent int `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// DOMStructureResult is the outcome of the DOM structure check.
type DOMStructureResult struct {
	Anomaly      bool    `json:"anomaly"`
	ElementCount int     `json:"element_count"`
	HeightRatio  float64 `json:"height_ratio"`
}

// ContentResult is the outcome of the content presence check.
type ContentResult struct {
	Anomaly          bool `json:"anomaly"`
	TextLength       int  `json:"text_length"`
	HasText          bool `json:"has_text"`
	HasImages        bool `json:"has_images"`
	HasBackgrounds   bool `json:"has_backgrounds"`
	HasCanvas        bool `json:"has_canvas"`
	LoadedImageCount int  `json:"loaded_image_count"`
}

// TextMatchResult is the outcome of the error keyword check.
type TextMatchResult struct {
	Anomaly         bool     `json:"anomaly"`
	MatchedKeywords []string `json:"matched_keywords"`
}

// HTTPStatusResult is the outcome of the status code check.
type HTTPStatusResult struct {
	Anomaly    bool `json:"anomaly"`
	StatusCode int  `json:"status_code"`
}

// TimeoutResult is the outcome of the load budget check.
type TimeoutResult struct {
	Anomaly         bool   `json:"anomaly"`
	DOMLoadTimeMs   int64  `json:"dom_load_time_ms"`
	PageLoadTimeMs  int64  `json:"page_load_time_ms"`
	DOMReadyReached bool   `json:"dom_ready_reached"`
	Reason          string `json:"reason,omitempty"`
}

// CheckResults groups per-check outcomes; a nil entry means the check was disabled.
type CheckResults struct {
	DOMStructure *DOMStructureResult `json:"dom_structure,omitempty"`
	Content      *ContentResult      `json:"content,omitempty"`
	TextMatch    *TextMatchResult    `json:"text_match,omitempty"`
	HTTPStatus   *HTTPStatusResult   `json:"http_status,omitempty"`
	Timeout      *TimeoutResult      `json:"timeout,omitempty"`
}

// Detection is the immutable blank-screen verdict for a task.
type Detection struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"task_id"`
	TargetID      string        `json:"target_id"`
	SessionID     string        `json:"session_id"`
	Timestamp     time.Time     `json:"timestamp"`
	IsBlankScreen bool          `json:"is_blank_screen"`
	Checks        CheckResults  `json:"checks"`
	Reasons       []string      `json:"reasons"`
	EnabledChecks EnabledChecks `json:"enabled_checks"`
	SkippedChecks []CheckName   `json:"skipped_checks,omitempty"`
	LoadStatus    LoadStatus    `json:"load_status"`
}

// ResourceRecord describes one captured network response.
type ResourceRecord struct {
	URL        string  `json:"url"`
	ByteSize   int64   `json:"byte_size"`
	LoadTimeMs float64 `json:"load_time_ms"`
	Category   string  `json:"category"`
	Subtype    string  `json:"subtype,omitempty"`
	StatusCode int     `json:"status_code"`
	FromCache  bool    `json:"from_cache"`
	MimeType   string  `json:"mime_type,omitempty"`
	RawType    string  `json:"raw_type,omitempty"`
}

// CategoryStats aggregates non-cached resources of one category.
type CategoryStats struct {
	Count    int     `json:"count"`
	Size     int64   `json:"size"`
	LoadTime float64 `json:"load_time"`
}

// ResourceStats aggregates a page's network responses.
type ResourceStats struct {
	TotalSize     int64                    `json:"total_size"`
	TotalCount    int                      `json:"total_count"`
	TotalLoadTime float64                  `json:"total_load_time"`
	CachedCount   int                      `json:"cached_count"`
	ByCategory    map[string]CategoryStats `json:"by_category"`
	Resources     []ResourceRecord         `json:"resources"`
}

// Result is everything a single pipeline run produces.
type Result struct {
	SessionID     string         `json:"session_id"`
	Vitals        Vitals         `json:"vitals"`
	Detection     Detection      `json:"detection"`
	Screenshots   []string       `json:"screenshots"`
	ResourceStats *ResourceStats `json:"resource_stats,omitempty"`
	LoadStatus    LoadStatus     `json:"load_status"`
}
