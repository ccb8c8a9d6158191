package challenge

import (
	"bytes"
	"strings"
)

// Detector recognizes challenge pages served in place of a document.
type Detector struct {
	marker []byte
}

// NewDetector creates a detector for marker (CookieName when empty).
func NewDetector(marker string) *Detector {
	if strings.TrimSpace(marker) == "" {
		marker = CookieName
	}
	return &Detector{marker: []byte(marker)}
}

// IsChallenge reports whether body carries the challenge marker.
func (d *Detector) IsChallenge(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	return bytes.Contains(body, d.marker)
}
