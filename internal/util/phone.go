package util

import (
	"log/slog"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhoneNumber strips the provider's "whatsapp:" prefix and formats
// the number as E.164. Numbers that cannot be parsed are returned trimmed but
// otherwise unchanged.
func NormalizePhoneNumber(raw string) string {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "whatsapp:"))
	if s == "" {
		return ""
	}
	num, err := phonenumbers.Parse(s, "")
	if err != nil {
		slog.Debug("NormalizePhoneNumber: unparseable number", "error", err)
		return s
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// InferTimezone guesses an IANA timezone from a phone number's region.
// Returns "" when the number is unparseable or maps to multiple zones with no
// clear winner; the first zone is used otherwise.
func InferTimezone(phone string) string {
	if phone == "" {
		return ""
	}
	num, err := phonenumbers.Parse(phone, "")
	if err != nil {
		return ""
	}
	zones, err := phonenumbers.GetTimezonesForNumber(num)
	if err != nil || len(zones) == 0 {
		return ""
	}
	return zones[0]
}
