// Package util provides ID generation and environment helpers for GiftExplain.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// ExperimentIDPrefix prefixes every experiment ID.
const ExperimentIDPrefix = "exp_"

// GenerateExperimentID returns "exp_" followed by a random UUID without dashes.
func GenerateExperimentID() string {
	return ExperimentIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsExperimentID reports whether id has the shape produced by GenerateExperimentID.
func IsExperimentID(id string) bool {
	hex, ok := strings.CutPrefix(id, ExperimentIDPrefix)
	return ok && len(hex) == 32 && isHex(hex)
}

// GenerateRandomID generates a random ID in the format "{prefix}{hex_string}".
// Not suitable for secrets.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
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

// GenerateRequestID returns a short ID used to correlate request logs.
func GenerateRequestID() string {
	return GenerateRandomID("req_", 16)
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
