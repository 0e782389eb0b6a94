// Package rules turns a resolved device identity into a udev rule set and
// persists it with crash-safe append semantics.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// friendlyNamePattern is the grammar for operator-chosen device names: a
// lowercase letter followed by up to 31 lowercase alphanumerics or hyphens.
// The name is used verbatim as both the ALSA card id and the symlink leaf.
var friendlyNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)

// ErrInvalidName indicates a friendly name that fails the naming grammar.
var ErrInvalidName = errors.New("name must start with a lowercase letter and contain only lowercase letters, digits and hyphens (max 32 chars)")

// FriendlyName is a validated device name. Construct via ParseFriendlyName;
// the zero value is not valid.
type FriendlyName string

// ParseFriendlyName validates an operator-supplied name.
func ParseFriendlyName(s string) (FriendlyName, error) {
	if !friendlyNamePattern.MatchString(s) {
		return "", fmt.Errorf("%q: %w", s, ErrInvalidName)
	}
	return FriendlyName(s), nil
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// SuggestName derives a valid friendly name from whatever identification the
// device offers: serial first, then port token, then card number. The result
// always satisfies the naming grammar so it can be pre-filled for the
// operator or used directly in batch mode.
func SuggestName(vendorID, productID, serial, portToken, cardNumber string) FriendlyName {
	var suffix string
	switch {
	case serial != "" && !strings.Contains(serial, ":"):
		suffix = serial
	case portToken != "":
		suffix = portToken
	default:
		suffix = "card" + cardNumber
	}

	name := sanitizeName(fmt.Sprintf("usb-%s-%s-%s", vendorID, productID, suffix))
	if parsed, err := ParseFriendlyName(name); err == nil {
		return parsed
	}
	// sanitizeName can only fail the grammar on pathological input; fall
	// back to the ids alone, which always validate.
	return FriendlyName(sanitizeName("usb-" + vendorID + "-" + productID))
}

func sanitizeName(s string) string {
	s = strings.ToLower(s)
	s = invalidNameChars.ReplaceAllString(s, "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		s = "usb-" + s
	}
	if len(s) > 32 {
		s = s[:32]
	}
	return strings.TrimRight(s, "-")
}
