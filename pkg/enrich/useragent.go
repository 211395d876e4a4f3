// Package enrich derives device, browser, OS and location dimensions from the
// raw user agent and client IP of a tracking event. Every derivation degrades
// to Unknown instead of failing.
package enrich

import (
	"strings"

	"github.com/mssola/useragent"
)

// Unknown is the sentinel for any dimension that could not be derived
const Unknown = "Unknown"

// Device classes
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
)

// Client holds the user-agent derived dimensions
type Client struct {
	DeviceType string
	Browser    string
	OS         string
}

// ParseUserAgent classifies a raw user-agent string
func ParseUserAgent(raw string) Client {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Client{DeviceType: Unknown, Browser: Unknown, OS: Unknown}
	}

	ua := useragent.New(raw)

	name, _ := ua.Browser()
	osName := ua.OSInfo().Name
	if osName == "" {
		osName = ua.OS()
	}

	return Client{
		DeviceType: deviceType(ua, raw),
		Browser:    orUnknown(name),
		OS:         orUnknown(osName),
	}
}

func deviceType(ua *useragent.UserAgent, raw string) string {
	switch {
	case ua.Bot():
		return DeviceBot
	case isTablet(raw):
		return DeviceTablet
	case ua.Mobile():
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

func isTablet(raw string) bool {
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet") {
		return true
	}
	// Android phones advertise "Mobile"; Android tablets do not.
	return strings.Contains(lower, "android") && !strings.Contains(lower, "mobile")
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return Unknown
	}
	return s
}
