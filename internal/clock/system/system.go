// Package system provides a real clock implementation.
package system

import "time"

// ExchangeZone is the exchange's local time zone name.
const ExchangeZone = "Asia/Shanghai"

// Clock implements crawler.Clock using time.Now in a fixed location.
type Clock struct {
	loc *time.Location
}

// New creates a Clock reporting time in loc (UTC when nil).
func New(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// Exchange returns a Clock in the exchange's time zone, so date ranges line up with
// disclosure dates. It falls back to a fixed UTC+8 zone when tzdata is unavailable.
func Exchange() *Clock {
	loc, err := time.LoadLocation(ExchangeZone)
	if err != nil {
		loc = time.FixedZone("CST", 8*60*60)
	}
	return New(loc)
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}
