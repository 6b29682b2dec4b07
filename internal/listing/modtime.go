package listing

import (
	"fmt"
	"strings"
	"time"
)

// Layouts Apache autoindex has rendered over the years, plus ISO forms.
var modTimeLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"02-Jan-2006 15:04",
	"02-Jan-2006 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	time.RFC1123,
}

// ParseModTime parses the last-modified column of a listing row. Values
// without a zone are taken as UTC.
func ParseModTime(text string) (time.Time, error) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return time.Time{}, fmt.Errorf("empty modified time")
	}
	for _, layout := range modTimeLayouts {
		if t, err := time.ParseInLocation(layout, text, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized modified time %q", text)
}
