package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ActivitySort fixes the chronological direction of an activity page.
type ActivitySort string

const (
	SortLatestFirst   ActivitySort = "LATEST_FIRST"
	SortEarliestFirst ActivitySort = "EARLIEST_FIRST"
)

// ActivityFilter selects auction history events for activity feeds.
type ActivityFilter struct {
	Types        []AuctionEventKind
	Sort         ActivitySort
	Continuation string
	Size         int
}

// Continuation is the stable cursor of an activity page: the (date, id) pair
// of the last returned event. String form is "<unix-nanos>_<id>"; nanosecond
// precision keeps the cursor exact for timestamps finer than the page
// boundary, so no event between two pages is skipped.
type Continuation struct {
	Date time.Time
	ID   string
}

func (c Continuation) String() string {
	return fmt.Sprintf("%d_%s", c.Date.UnixNano(), c.ID)
}

// ParseContinuation parses the wire form produced by Continuation.String.
func ParseContinuation(s string) (Continuation, error) {
	if s == "" {
		return Continuation{}, nil
	}
	idx := strings.IndexByte(s, '_')
	if idx <= 0 || idx == len(s)-1 {
		return Continuation{}, fmt.Errorf("%w: malformed continuation %q", ErrDecode, s)
	}
	ns, err := strconv.ParseInt(s[:idx], 10, 64)
	if err != nil {
		return Continuation{}, fmt.Errorf("%w: malformed continuation %q", ErrDecode, s)
	}
	return Continuation{Date: time.Unix(0, ns).UTC(), ID: s[idx+1:]}, nil
}

// ActivityPage is one bounded slice of a filtered activity stream plus the
// cursor for the next page. Continuation is empty on the final page.
type ActivityPage struct {
	Events       []AuctionEvent
	Continuation string
}

// FilterActivities applies type filtering, sorting and continuation paging to
// a set of auction events. Events compare by (date, id) so pages are stable
// under identical timestamps. The input slice is not mutated.
func FilterActivities(events []AuctionEvent, f ActivityFilter) (ActivityPage, error) {
	cont, err := ParseContinuation(f.Continuation)
	if err != nil {
		return ActivityPage{}, err
	}

	wanted := make(map[AuctionEventKind]bool, len(f.Types))
	for _, t := range f.Types {
		wanted[t] = true
	}

	matched := make([]AuctionEvent, 0, len(events))
	for _, ev := range events {
		if len(wanted) > 0 && !wanted[ev.Kind] {
			continue
		}
		matched = append(matched, ev)
	}

	latest := f.Sort != SortEarliestFirst
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.Date.Equal(b.Date) {
			if latest {
				return a.Date.After(b.Date)
			}
			return a.Date.Before(b.Date)
		}
		if latest {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})

	// Skip everything up to and including the continuation position.
	start := 0
	if f.Continuation != "" {
		for i, ev := range matched {
			if afterCursor(ev, cont, latest) {
				break
			}
			start = i + 1
		}
	}
	matched = matched[start:]

	size := f.Size
	if size <= 0 {
		size = 50
	}

	page := ActivityPage{}
	if len(matched) > size {
		page.Events = matched[:size]
		last := page.Events[len(page.Events)-1]
		page.Continuation = Continuation{Date: last.Date, ID: last.ID}.String()
	} else {
		page.Events = matched
	}
	return page, nil
}

// afterCursor reports whether ev lies strictly past the continuation cursor in
// the given direction.
func afterCursor(ev AuctionEvent, c Continuation, latest bool) bool {
	if !ev.Date.Equal(c.Date) {
		if latest {
			return ev.Date.Before(c.Date)
		}
		return ev.Date.After(c.Date)
	}
	if latest {
		return ev.ID < c.ID
	}
	return ev.ID > c.ID
}
