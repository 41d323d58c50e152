// Package util provides utility functions for the GroupPulse application.
package util

import (
	"math/rand/v2"
	"os"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2; the IDs are identifiers, not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateQueueEntryID generates a unique outbound queue entry ID with "q_" prefix.
func GenerateQueueEntryID() string {
	return GenerateRandomID("q_", 32)
}

// GenerateAlertID generates a unique alert ID with "a_" prefix.
func GenerateAlertID() string {
	return GenerateRandomID("a_", 32)
}

// GenerateReminderID generates a unique reminder ID with "rm_" prefix.
func GenerateReminderID() string {
	return GenerateRandomID("rm_", 32)
}

// GenerateNotificationID generates a unique in-app notification ID with "n_" prefix.
func GenerateNotificationID() string {
	return GenerateRandomID("n_", 32)
}

// GenerateGroupID generates a unique chat group ID with "g_" prefix.
func GenerateGroupID() string {
	return GenerateRandomID("g_", 32)
}

// GenerateScanRequestID generates a unique scan request ID with "scan_" prefix.
func GenerateScanRequestID() string {
	return GenerateRandomID("scan_", 32)
}

// GenerateOwnerWorkerID identifies this process instance as the owner of live sessions.
// The hostname keeps the value readable on the dashboard; the suffix separates restarts.
func GenerateOwnerWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return GenerateRandomID(host+"-", 8)
}
