package models

import (
	"fmt"
	"strings"
	"time"
)

// DeviceClass is the form factor of a device.
type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceDesktop DeviceClass = "desktop"
)

// ParseDeviceClass validates a device class string.
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch c := DeviceClass(strings.ToLower(strings.TrimSpace(s))); c {
	case DeviceMobile, DeviceTablet, DeviceDesktop:
		return c, nil
	case "":
		return DeviceDesktop, nil
	default:
		return "", fmt.Errorf("unknown device class %q", s)
	}
}

// Device is one entry of an account's device inventory.
type Device struct {
	DeviceID        string      `json:"device_id"`
	DisplayName     string      `json:"display_name"`
	PlatformTag     string      `json:"platform_tag"`
	DeviceClass     DeviceClass `json:"device_class"`
	LastSeenAt      time.Time   `json:"last_seen_at"`
	IsCurrentDevice bool        `json:"is_current_device"`
}

// User identifies the authenticated account owning a device list.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Session links the local device to an account so it can resume later.
type Session struct {
	UserID        string    `json:"user_id"`
	DeviceID      string    `json:"device_id"`
	LinkedAt      time.Time `json:"linked_at"`
	LastResumedAt time.Time `json:"last_resumed_at"`
}

// CacheScope returns the key prefix the router caller uses for this session.
func (s *Session) CacheScope() string {
	if s == nil {
		return ""
	}
	return s.UserID + "/" + s.DeviceID
}
