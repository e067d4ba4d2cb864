// Package utils provides small formatting helpers for PulseWatch output
package utils

import (
	"fmt"
	"strings"
	"time"
)

// FormatDuration formats a duration in human-readable format, e.g. "1d 2h 5s"
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}

	days := d / (24 * time.Hour)
	d = d % (24 * time.Hour)
	hours := d / time.Hour
	d = d % time.Hour
	minutes := d / time.Minute
	d = d % time.Minute
	seconds := d / time.Second

	parts := []string{}
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}

	return strings.Join(parts, " ")
}

// TruncatePath shortens path to maxLen by eliding its middle
func TruncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	if maxLen <= 3 {
		return path[:maxLen]
	}
	keep := maxLen - 3
	head := keep / 2
	tail := keep - head
	return path[:head] + "..." + path[len(path)-tail:]
}

// StateIcon returns an icon for an observer state name
func StateIcon(state string) string {
	switch state {
	case "running":
		return "💓"
	case "paused":
		return "⏸️"
	case "stopped":
		return "⏹️"
	default:
		return "❓"
	}
}
