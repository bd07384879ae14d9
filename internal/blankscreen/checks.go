package blankscreen

import (
	"fmt"
	"math"
	"strings"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// HeightRatio is max(body, html) over the viewport height, rounded to 4 places.
func HeightRatio(s Snapshot) float64 {
	if s.ViewportHeight <= 0 {
		return 0
	}
	ratio := math.Max(s.BodyHeight, s.HTMLHeight) / s.ViewportHeight
	return math.Round(ratio*1e4) / 1e4
}

// CheckDOMStructure flags a page that is both nearly empty and nearly flat.
func CheckDOMStructure(s Snapshot, cfg monitor.BlankScreenConfig) (monitor.DOMStructureResult, string) {
	res := monitor.DOMStructureResult{
		ElementCount: s.ElementCount,
		HeightRatio:  HeightRatio(s),
	}
	res.Anomaly = res.ElementCount < cfg.DOMElementThreshold && res.HeightRatio < cfg.HeightRatioThreshold
	if !res.Anomaly {
		return res, ""
	}
	return res, fmt.Sprintf("DOM structure anomaly: %d meaningful elements (threshold %d), height ratio %.4f (threshold %.2f)",
		res.ElementCount, cfg.DOMElementThreshold, res.HeightRatio, cfg.HeightRatioThreshold)
}

// CheckContent flags a page with no content signal of any kind.
func CheckContent(s Snapshot, cfg monitor.BlankScreenConfig) (monitor.ContentResult, string) {
	res := monitor.ContentResult{
		TextLength:       s.TextLength,
		HasText:          s.TextLength > cfg.TextLengthThreshold,
		HasImages:        s.LoadedImageCount > 0,
		HasBackgrounds:   s.BackgroundCount > 0,
		HasCanvas:        s.CanvasCount > 0,
		LoadedImageCount: s.LoadedImageCount,
	}
	res.Anomaly = !res.HasText && !res.HasImages && !res.HasBackgrounds && !res.HasCanvas
	if !res.Anomaly {
		return res, ""
	}
	return res, fmt.Sprintf("no visible content: %d text characters (threshold %d) and no images, backgrounds or canvas",
		res.TextLength, cfg.TextLengthThreshold)
}

// CheckTextMatch searches the title and body text for error keywords. Hits
// the page reported from its full text count even when BodyText was cut.
func CheckTextMatch(s Snapshot, cfg monitor.BlankScreenConfig) (monitor.TextMatchResult, string) {
	haystack := strings.ToLower(s.Title + "\n" + s.BodyText)
	pageHits := make(map[string]struct{}, len(s.MatchedKeywords))
	for _, kw := range s.MatchedKeywords {
		pageHits[strings.ToLower(strings.TrimSpace(kw))] = struct{}{}
	}
	res := monitor.TextMatchResult{MatchedKeywords: []string{}}
	seen := make(map[string]struct{}, len(cfg.ErrorKeywords))
	for _, kw := range cfg.ErrorKeywords {
		needle := strings.ToLower(strings.TrimSpace(kw))
		if needle == "" {
			continue
		}
		if _, dup := seen[needle]; dup {
			continue
		}
		seen[needle] = struct{}{}
		_, hit := pageHits[needle]
		if hit || strings.Contains(haystack, needle) {
			res.MatchedKeywords = append(res.MatchedKeywords, kw)
		}
	}
	res.Anomaly = len(res.MatchedKeywords) > 0
	if !res.Anomaly {
		return res, ""
	}
	return res, "error keywords found: " + strings.Join(res.MatchedKeywords, ", ")
}

// CheckHTTPStatus flags configured error status codes on the main document.
func CheckHTTPStatus(load monitor.LoadStatus, cfg monitor.BlankScreenConfig) (monitor.HTTPStatusResult, string) {
	var res monitor.HTTPStatusResult
	if load.HTTPResponse != nil {
		res.StatusCode = load.HTTPResponse.StatusCode
	}
	for _, code := range cfg.ErrorStatusCodes {
		if code == res.StatusCode && code != 0 {
			res.Anomaly = true
			break
		}
	}
	if !res.Anomaly {
		return res, ""
	}
	text := ""
	if load.HTTPResponse.StatusText != "" {
		text = " " + load.HTTPResponse.StatusText
	}
	return res, fmt.Sprintf("HTTP status %d%s", res.StatusCode, text)
}

// CheckTimeout flags recorded timeouts, blown budgets and a DOM that never became ready.
func CheckTimeout(load monitor.LoadStatus, cfg monitor.BlankScreenConfig) (monitor.TimeoutResult, string) {
	res := monitor.TimeoutResult{
		DOMLoadTimeMs:   load.DOMLoadTimeMs,
		PageLoadTimeMs:  load.PageLoadTimeMs,
		DOMReadyReached: load.DOMContentLoadedReached,
	}
	var parts []string
	if load.TimedOut {
		if load.TimeoutReason != "" {
			parts = append(parts, load.TimeoutReason)
		} else {
			parts = append(parts, "navigation timed out")
		}
	}
	if load.DOMLoadTimeMs > cfg.DOMLoadTimeoutMs {
		parts = appendUnique(parts, fmt.Sprintf("DOM load time %dms exceeds timeout %dms", load.DOMLoadTimeMs, cfg.DOMLoadTimeoutMs))
	}
	if load.PageLoadTimeMs > cfg.PageLoadTimeoutMs {
		parts = appendUnique(parts, fmt.Sprintf("page load time %dms exceeds timeout %dms", load.PageLoadTimeMs, cfg.PageLoadTimeoutMs))
	}
	if !load.DOMContentLoadedReached && !load.TimedOut {
		parts = append(parts, "DOM ready never reached")
	}
	res.Anomaly = len(parts) > 0
	if !res.Anomaly {
		return res, ""
	}
	res.Reason = strings.Join(parts, "; ")
	return res, "load timeout: " + res.Reason
}

func appendUnique(parts []string, s string) []string {
	for _, p := range parts {
		if p == s {
			return parts
		}
	}
	return append(parts, s)
}
