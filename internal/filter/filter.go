package filter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/smartdevs17/eas-logbook/internal/models"
)

// Bucket is a time-of-day bucket
type Bucket string

const (
	Morning   Bucket = "morning"   // 06:00-12:00
	Afternoon Bucket = "afternoon" // 12:00-18:00
	Evening   Bucket = "evening"   // 18:00-24:00
	Night     Bucket = "night"     // 00:00-06:00
)

// Buckets lists every bucket in display order
var Buckets = []Bucket{Morning, Afternoon, Evening, Night}

// ParseBucket parses a bucket name, case-insensitively
func ParseBucket(s string) (Bucket, error) {
	b := Bucket(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Buckets {
		if b == known {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown time of day %q", s)
}

// BucketOf returns the bucket containing the hour of t in its own location
func BucketOf(t time.Time) Bucket {
	switch h := t.Hour(); {
	case h < 6:
		return Night
	case h < 12:
		return Morning
	case h < 18:
		return Afternoon
	default:
		return Evening
	}
}

// DateRange bounds entries by calendar day. Only the date part of each bound
// is used and both ends are optional.
type DateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Criteria narrows a list of entries. The zero value matches everything.
type Criteria struct {
	DateRange DateRange `json:"dateRange"`
	Keywords  string    `json:"keywords"`
	HasMedia  *bool     `json:"hasMedia"`
	TimeOfDay []Bucket  `json:"timeOfDay"`

	// Location is the zone used for calendar days and hour buckets, time.Local if nil
	Location *time.Location `json:"-"`
}

// Active reports whether any criterion is set
func (c *Criteria) Active() bool {
	return c.DateRange.From != nil ||
		c.DateRange.To != nil ||
		strings.TrimSpace(c.Keywords) != "" ||
		c.HasMedia != nil ||
		len(c.TimeOfDay) > 0
}

// Reset clears every criterion but keeps the location
func (c *Criteria) Reset() {
	loc := c.Location
	*c = Criteria{Location: loc}
}

func (c *Criteria) location() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	return time.Local
}

// Apply returns the entries that satisfy every active criterion, in input order
func Apply(entries []models.Entry, c Criteria) []models.Entry {
	m := newMatcher(c)
	filtered := make([]models.Entry, 0, len(entries))
	for _, e := range entries {
		if m.matches(&e) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// Matches reports whether a single entry satisfies the criteria
func Matches(e models.Entry, c Criteria) bool {
	return newMatcher(c).matches(&e)
}

// SortNewestFirst orders entries by event timestamp, newest first
func SortNewestFirst(entries []models.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EventTimestamp.After(entries[j].EventTimestamp)
	})
}

type matcher struct {
	loc      *time.Location
	from     *time.Time
	until    *time.Time
	keywords string
	hasMedia *bool
	buckets  map[Bucket]bool
}

func newMatcher(c Criteria) *matcher {
	m := &matcher{
		loc:      c.location(),
		keywords: strings.ToLower(strings.TrimSpace(c.Keywords)),
		hasMedia: c.HasMedia,
	}
	if c.DateRange.From != nil {
		from := startOfDay(*c.DateRange.From, m.loc)
		m.from = &from
	}
	if c.DateRange.To != nil {
		until := startOfDay(*c.DateRange.To, m.loc).AddDate(0, 0, 1)
		m.until = &until
	}
	if len(c.TimeOfDay) > 0 {
		m.buckets = make(map[Bucket]bool, len(c.TimeOfDay))
		for _, b := range c.TimeOfDay {
			m.buckets[b] = true
		}
	}
	return m
}

func (m *matcher) matches(e *models.Entry) bool {
	ts := e.EventTimestamp.In(m.loc)

	if m.from != nil && ts.Before(*m.from) {
		return false
	}
	if m.until != nil && !ts.Before(*m.until) {
		return false
	}
	if m.keywords != "" && !strings.Contains(strings.ToLower(e.Memo), m.keywords) {
		return false
	}
	if m.hasMedia != nil && e.HasMedia() != *m.hasMedia {
		return false
	}
	if m.buckets != nil && !m.buckets[BucketOf(ts)] {
		return false
	}
	return true
}

// startOfDay returns midnight in loc of the calendar day written in t
func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, loc)
}
