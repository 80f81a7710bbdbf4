package utils

import (
	"strings"

	ua "github.com/mssola/user_agent"
)

// DeviceInfo holds the parts of a User-Agent worth logging
type DeviceInfo struct {
	DeviceType string `json:"device_type"` // mobile, tablet, desktop, bot
	OS         string `json:"os"`
	Browser    string `json:"browser"`
	IsBot      bool   `json:"is_bot"`
}

// ParseUserAgent parses a User-Agent string into DeviceInfo.
// PSP servers posting webhooks usually show up as bots or "unknown".
func ParseUserAgent(userAgent string) DeviceInfo {
	if userAgent == "" || userAgent == "Unknown" {
		return DeviceInfo{DeviceType: "unknown", OS: "Unknown", Browser: "Unknown"}
	}

	parser := ua.New(userAgent)
	info := DeviceInfo{
		IsBot:   parser.Bot(),
		OS:      getOS(parser),
		Browser: getBrowser(parser),
	}

	switch {
	case info.IsBot:
		info.DeviceType = "bot"
	case parser.Mobile() && isTablet(userAgent):
		info.DeviceType = "tablet"
	case parser.Mobile():
		info.DeviceType = "mobile"
	default:
		info.DeviceType = "desktop"
	}

	return info
}

func isTablet(userAgent string) bool {
	lower := strings.ToLower(userAgent)
	for _, indicator := range []string{"ipad", "tablet", "kindle", "sm-t"} {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

func getOS(parser *ua.UserAgent) string {
	osInfo := parser.OSInfo()
	if osInfo.Name == "" {
		return "Unknown"
	}
	if osInfo.Version != "" {
		return osInfo.Name + " " + osInfo.Version
	}
	return osInfo.Name
}

func getBrowser(parser *ua.UserAgent) string {
	name, version := parser.Browser()
	if name == "" {
		return "Unknown"
	}
	if version != "" {
		return name + " " + version
	}
	return name
}
