// Package utils holds small formatting helpers shared by jobs and message templates.
package utils

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// FormatDuration formats a duration in a human-readable format
// Examples: "45ms", "1.5s", "2m 30s", "1h 15m"
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if minutes < 60 {
		if seconds > 0 {
			return fmt.Sprintf("%dm %ds", minutes, seconds)
		}
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	minutes = minutes % 60
	if minutes > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dh", hours)
}

var nanotonsPerTON = decimal.New(1, 9)

// FormatTON renders a nanoton amount as TON with up to 3 decimals
// Examples: 1500000000 -> "1.5", -25000000 -> "-0.025", 0 -> "0"
func FormatTON(nanotons int64) string {
	return decimal.NewFromInt(nanotons).DivRound(nanotonsPerTON, 3).String()
}

// FormatBytes renders a byte count with binary units
// Examples: 512 -> "512 B", 1536 -> "1.5 KiB", 3221225472 -> "3.0 GiB"
func FormatBytes(n float64) string {
	const unit = 1024
	sign := ""
	if n < 0 {
		sign, n = "-", -n
	}
	if n < unit {
		return fmt.Sprintf("%s%.0f B", sign, n)
	}
	div, exp := float64(unit), 0
	for v := n / unit; v >= unit && exp < 5; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%s%.1f %ciB", sign, n/div, "KMGTPE"[exp])
}

// FormatPercent renders a percentage with one decimal
func FormatPercent(p float64) string {
	return fmt.Sprintf("%.1f%%", p)
}

// TruncateText truncates text to maxLen characters, adding "..." if truncated
// Also removes newlines for single-line display
func TruncateText(text string, maxLen int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.TrimSpace(text)

	if len(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	return text[:maxLen-3] + "..."
}

// TruncateLog keeps the tail of a log under maxLen, starting at a newline when one is close
func TruncateLog(log string, maxLen int) string {
	if len(log) <= maxLen {
		return log
	}

	truncated := log[len(log)-maxLen:]
	if idx := strings.Index(truncated, "\n"); idx > 0 && idx < 100 {
		truncated = truncated[idx+1:]
	}
	return "...(truncated)\n" + truncated
}

// SanitizeFilename makes a name safe to use as an attachment filename
func SanitizeFilename(filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("filename is required")
	}

	filename = strings.ReplaceAll(filename, "/", "_")
	filename = strings.ReplaceAll(filename, "\\", "_")
	filename = strings.ReplaceAll(filename, "..", "_")

	var sanitized strings.Builder
	for _, r := range filename {
		if unicode.IsPrint(r) && r != '\t' && r != ' ' {
			sanitized.WriteRune(r)
		}
	}
	filename = sanitized.String()

	if len(filename) > 255 {
		ext := ""
		if idx := strings.LastIndex(filename, "."); idx > 0 {
			ext = filename[idx:]
			filename = filename[:idx]
		}
		if maxBase := 255 - len(ext); maxBase > 0 {
			filename = filename[:maxBase] + ext
		} else {
			filename = filename[:255]
		}
	}

	if filename == "" {
		return "", fmt.Errorf("filename is empty after sanitization")
	}
	return filename, nil
}
