package logger

import "strings"

// RedactIP masks the host-identifying tail of an IP address for safe logging.
// "203.0.113.42" → "203.0.113.x", "2001:db8::8a2e:370:7334" → "2001:db8:x".
// Values that do not look like an IP are returned unchanged.
func RedactIP(ip string) string {
	// Strip a port if present ("1.2.3.4:5678").
	if idx := strings.LastIndex(ip, ":"); idx > 0 && strings.Count(ip, ":") == 1 {
		ip = ip[:idx]
	}

	if strings.Count(ip, ".") == 3 {
		parts := strings.Split(ip, ".")
		return strings.Join(parts[:3], ".") + ".x"
	}

	if strings.Contains(ip, ":") {
		parts := strings.Split(ip, ":")
		if len(parts) > 2 {
			return parts[0] + ":" + parts[1] + ":x"
		}
	}

	return ip
}
