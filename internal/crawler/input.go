package crawler

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the only accepted date format.
const DateLayout = "2006-01-02"

const securityCodeLen = 6

// ValidateSecurityCode trims s and accepts only six ASCII digits.
func ValidateSecurityCode(s string) (string, error) {
	code := strings.TrimSpace(s)
	if len(code) != securityCodeLen {
		return "", Errorf(KindInvalidInput, "validate security code", "%q must be %d digits", s, securityCodeLen)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return "", Errorf(KindInvalidInput, "validate security code", "%q must be numeric", s)
		}
	}
	// Length is checked first, so padding never changes an accepted code.
	return fmt.Sprintf("%0*s", securityCodeLen, code), nil
}

// ValidateDate accepts only YYYY-MM-DD.
func ValidateDate(s string) error {
	if _, err := time.Parse(DateLayout, s); err != nil {
		return Errorf(KindInvalidInput, "validate date", "%q is not YYYY-MM-DD", s)
	}
	return nil
}

// RangeKind selects how a crawl is bounded.
type RangeKind string

// Range kinds.
const (
	RangePages RangeKind = "pages"
	RangeDates RangeKind = "dates"
)

// Range bounds a crawl either by page numbers or by disclosure dates.
// EndPage of zero means "through the last page".
type Range struct {
	Kind      RangeKind `json:"kind"`
	StartPage int       `json:"start_page,omitempty"`
	EndPage   int       `json:"end_page,omitempty"`
	StartDate string    `json:"start_date,omitempty"`
	EndDate   string    `json:"end_date,omitempty"`
}

// PageRange bounds a crawl by page numbers.
func PageRange(start, end int) (Range, error) {
	if start < 1 {
		return Range{}, Errorf(KindInvalidInput, "page range", "start page %d must be >= 1", start)
	}
	if end != 0 && end < start {
		return Range{}, Errorf(KindInvalidInput, "page range", "end page %d is before start page %d", end, start)
	}
	return Range{Kind: RangePages, StartPage: start, EndPage: end}, nil
}

// DateRange bounds a crawl by disclosure dates, inclusive.
func DateRange(start, end string) (Range, error) {
	if err := ValidateDate(start); err != nil {
		return Range{}, err
	}
	if err := ValidateDate(end); err != nil {
		return Range{}, err
	}
	if end < start {
		return Range{}, Errorf(KindInvalidInput, "date range", "end date %s is before start date %s", end, start)
	}
	return Range{Kind: RangeDates, StartPage: 1, StartDate: start, EndDate: end}, nil
}

// RecentDays bounds a crawl to the last days ending at now.
func RecentDays(now time.Time, days int) (Range, error) {
	if days <= 0 {
		return Range{}, Errorf(KindInvalidInput, "recent days", "days must be > 0, got %d", days)
	}
	return DateRange(now.AddDate(0, 0, -days).Format(DateLayout), now.Format(DateLayout))
}

// Bounds resolves the inclusive page span to visit once totalPages is known.
func (r Range) Bounds(totalPages int) (int, int) {
	start := r.StartPage
	if start < 1 {
		start = 1
	}
	end := totalPages
	if r.Kind == RangePages && r.EndPage > 0 && r.EndPage < totalPages {
		end = r.EndPage
	}
	return start, end
}

// Query builds the discovery query for page under this range.
func (r Range) Query(code string, page int) PageQuery {
	q := PageQuery{SecurityCode: code, PageNumber: page}
	if r.Kind == RangeDates {
		q.StartDate = r.StartDate
		q.EndDate = r.EndDate
	}
	return q
}
