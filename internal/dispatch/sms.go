package dispatch

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Message length and segmentation rules, per provider billing:
// a single segment carries 160 characters; concatenated messages carry 153
// characters per segment with a two-segment grace up to 306.
const (
	maxMessageLength     = 1600
	singleSegmentLength  = 160
	twoSegmentLength     = 306
	concatSegmentLength  = 153
	defaultCountryPrefix = "+233"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// NormalizeDestination converts a destination to canonical international
// format. Local numbers ("0244...") get the default country prefix; numbers
// already carrying a country code are passed through.
func NormalizeDestination(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	if cleaned == "" {
		return "", &ValidationError{Field: "destination", Reason: "must not be empty"}
	}

	switch {
	case strings.HasPrefix(cleaned, "+"):
		// already international
	case strings.HasPrefix(cleaned, "00"):
		cleaned = "+" + cleaned[2:]
	case strings.HasPrefix(cleaned, "0") && len(cleaned) == 10:
		cleaned = defaultCountryPrefix + cleaned[1:]
	case strings.HasPrefix(cleaned, strings.TrimPrefix(defaultCountryPrefix, "+")):
		cleaned = "+" + cleaned
	default:
		return "", &ValidationError{Field: "destination", Reason: "unrecognized number format"}
	}

	if !e164Pattern.MatchString(cleaned) {
		return "", &ValidationError{Field: "destination", Reason: "not a valid international number"}
	}
	return cleaned, nil
}

// ValidateBody checks the rendered message body against length limits.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(body) > maxMessageLength {
		return &ValidationError{Field: "message", Reason: "exceeds 1600 characters"}
	}
	return nil
}

// Segments returns the provider billing segment count for a message body.
// Limits count characters, not bytes, so accented text is billed correctly.
func Segments(body string) int {
	n := utf8.RuneCountInString(body)
	switch {
	case n <= singleSegmentLength:
		return 1
	case n <= twoSegmentLength:
		return 2
	default:
		return (n + concatSegmentLength - 1) / concatSegmentLength
	}
}

// VolumeDiscount returns the unit-cost multiplier for a send covering the
// given number of recipients.
func VolumeDiscount(recipients int) float64 {
	switch {
	case recipients > 100:
		return 0.8
	case recipients > 50:
		return 0.9
	default:
		return 1.0
	}
}

// Cost computes the monetary cost of a message: segments times unit cost,
// scaled by the volume discount for the whole send.
func Cost(segments int, unitCost float64, recipients int) float64 {
	return float64(segments) * unitCost * VolumeDiscount(recipients)
}
