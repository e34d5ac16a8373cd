package mapview

import "time"

// placeholderMemo is stored by older clients for entries without a memo
const placeholderMemo = "No memo"

// HoverCard is the summary shown when the pointer rests on a marker
type HoverCard struct {
	UID   string `json:"uid"`
	When  string `json:"when"`
	Media string `json:"media,omitempty"`
	Memo  string `json:"memo,omitempty"`
}

// Hover summarizes a marker in loc
func Hover(m Marker, loc *time.Location) HoverCard {
	if loc == nil {
		loc = time.Local
	}
	card := HoverCard{
		UID:   m.UID,
		When:  FormatWhen(m.Timestamp, loc),
		Media: m.Media,
	}
	if m.Memo != placeholderMemo {
		card.Memo = m.Memo
	}
	return card
}

// FormatWhen renders a timestamp as "January 2, 2006, 3:04 PM"
func FormatWhen(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("January 2, 2006, 3:04 PM")
}
