package utils

import (
	"regexp"
	"strings"
)

var plateStrip = regexp.MustCompile(`[^0-9A-Z]`)

// NormalizePlate uppercases a raw plate readout and strips everything that
// is not a digit or latin letter (spaces, dots, dashes).
func NormalizePlate(raw string) string {
	return plateStrip.ReplaceAllString(strings.ToUpper(strings.TrimSpace(raw)), "")
}

// PlateValidator checks normalized plates against a configured format.
type PlateValidator struct {
	pattern *regexp.Regexp
}

func NewPlateValidator(pattern string) (*PlateValidator, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &PlateValidator{pattern: re}, nil
}

// Valid reports whether the raw readout normalizes to a well-formed plate.
func (v *PlateValidator) Valid(raw string) bool {
	n := NormalizePlate(raw)
	if n == "" {
		return false
	}
	return v.pattern.MatchString(n)
}
