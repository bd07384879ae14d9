package monitor

import "strings"

// DeviceProfile describes the emulated viewport and user agent.
type DeviceProfile struct {
	Name              string  `json:"name"`
	Width             int64   `json:"width"`
	Height            int64   `json:"height"`
	DeviceScaleFactor float64 `json:"device_scale_factor"`
	Mobile            bool    `json:"mobile"`
	Touch             bool    `json:"touch"`
	UserAgent         string  `json:"user_agent"`
}

const (
	desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/124.0.0.0 Safari/537.36 pagewatch/1.0"
	mobileUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 " +
		"(KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1 pagewatch/1.0"
	tabletUA = "Mozilla/5.0 (iPad; CPU OS 17_4 like Mac OS X) AppleWebKit/605.1.15 " +
		"(KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1 pagewatch/1.0"
)

var deviceProfiles = map[string]DeviceProfile{
	"desktop": {Name: "desktop", Width: 1920, Height: 1080, DeviceScaleFactor: 1, UserAgent: desktopUA},
	"mobile": {
		Name: "mobile", Width: 375, Height: 812, DeviceScaleFactor: 3,
		Mobile: true, Touch: true, UserAgent: mobileUA,
	},
	"tablet": {
		Name: "tablet", Width: 768, Height: 1024, DeviceScaleFactor: 2,
		Mobile: true, Touch: true, UserAgent: tabletUA,
	},
}

// LookupDevice resolves a profile by name, falling back to desktop.
func LookupDevice(name string) DeviceProfile {
	if p, ok := deviceProfiles[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return deviceProfiles["desktop"]
}
