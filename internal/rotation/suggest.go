package rotation

import (
	"time"

	"github.com/RGBOARD/webapp/internal/datastore"
)

// suggestNextAvailableTime probes forward from the requested slot in
// stepMinutes increments until it finds a minute no existing item occupies.
// When the whole window is taken it falls back to the same time the next
// day. Times are compared at minute precision.
func suggestNextAvailableTime(start time.Time, existing []datastore.ScheduledItem, stepMinutes, windowMinutes int) time.Time {
	taken := make(map[time.Time]struct{}, len(existing))
	for i := range existing {
		taken[existing[i].StartTime.UTC().Truncate(time.Minute)] = struct{}{}
	}

	step := time.Duration(stepMinutes) * time.Minute
	tries := windowMinutes / stepMinutes

	candidate := start
	for i := 0; i < tries; i++ {
		candidate = candidate.Add(step)
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
	return start.Add(24 * time.Hour)
}
