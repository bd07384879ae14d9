package monitor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stage is a named point in the page load lifecycle used to tag screenshots.
type Stage string

// Screenshot stages. Tags never contain underscores.
const (
	StageFirstPaint             Stage = "first-paint"
	StageFirstContentfulPaint   Stage = "first-contentful-paint"
	StageLargestContentfulPaint Stage = "largest-contentful-paint"
	StageDOMReady               Stage = "dom-ready"
	StageLoad                   Stage = "load"
	StageInteractive            Stage = "interactive"
	StageBlankScreenCheck       Stage = "blank-screen-check"
	StageError                  Stage = "error"
)

// ScreenshotName builds {sessionID}_{stage}_{timestampMs}.png.
func ScreenshotName(sessionID string, stage Stage, ts time.Time) string {
	return fmt.Sprintf("%s_%s_%d.png", sessionID, stage, ts.UnixMilli())
}

// ParseScreenshotName splits a screenshot filename back into its parts.
func ParseScreenshotName(name string) (string, Stage, time.Time, error) {
	base := strings.TrimSuffix(name, ".png")
	parts := strings.Split(base, "_")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", time.Time{}, fmt.Errorf("malformed screenshot name %q", name)
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("parse screenshot timestamp: %w", err)
	}
	return parts[0], Stage(parts[1]), time.UnixMilli(ms).UTC(), nil
}
