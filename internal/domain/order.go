package domain

import (
	"cmp"
	"slices"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// A Collator keeps iteration buffers, so each comparison borrows one.
var collators = sync.Pool{
	New: func() any { return collate.New(language.Und) },
}

func compareNames(a, b string) int {
	c := collators.Get().(*collate.Collator)
	defer collators.Put(c)
	if r := c.CompareString(a, b); r != 0 {
		return r
	}
	// Collation can tie distinct strings; fall back to bytes so the order stays total.
	return strings.Compare(a, b)
}

// CompareByTime orders medicines for the daily view: time of day, then name,
// then id. The medicines' dates play no part.
func CompareByTime(a, b Medicine) int {
	if r := cmp.Compare(a.Time.Minutes(), b.Time.Minutes()); r != 0 {
		return r
	}
	if r := compareNames(a.Name, b.Name); r != 0 {
		return r
	}
	return strings.Compare(a.ID.String(), b.ID.String())
}

// CompareForListing orders medicines for the full list: name, start date,
// end date (open-ended last), time of day, frequency, then id.
func CompareForListing(a, b Medicine) int {
	if r := compareNames(a.Name, b.Name); r != 0 {
		return r
	}
	if r := a.StartDate.Compare(b.StartDate); r != 0 {
		return r
	}
	if r := compareEndDates(a, b); r != 0 {
		return r
	}
	if r := cmp.Compare(a.Time.Minutes(), b.Time.Minutes()); r != 0 {
		return r
	}
	if r := cmp.Compare(a.Frequency.rank(), b.Frequency.rank()); r != 0 {
		return r
	}
	if a.Frequency == FrequencyCustom && b.Frequency == FrequencyCustom {
		if r := cmp.Compare(a.CustomInterval, b.CustomInterval); r != 0 {
			return r
		}
	}
	return strings.Compare(a.ID.String(), b.ID.String())
}

func compareEndDates(a, b Medicine) int {
	aOpen := a.NoEndDate || a.EndDate.IsZero()
	bOpen := b.NoEndDate || b.EndDate.IsZero()
	switch {
	case aOpen && bOpen:
		return 0
	case aOpen:
		return 1
	case bOpen:
		return -1
	default:
		return a.EndDate.Compare(b.EndDate)
	}
}

func SortByTime(ms []Medicine) {
	slices.SortStableFunc(ms, CompareByTime)
}

func SortForListing(ms []Medicine) {
	slices.SortStableFunc(ms, CompareForListing)
}

type Order string

const (
	OrderByTime  Order = "time"
	OrderListing Order = "listing"
)

// Sort applies the named order; unknown orders fall back to OrderByTime.
func (o Order) Sort(ms []Medicine) {
	if o == OrderListing {
		SortForListing(ms)
		return
	}
	SortByTime(ms)
}
