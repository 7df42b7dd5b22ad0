package aggregation

import "time"

// HourStart returns the start of the UTC calendar hour containing t
func HourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// AlignRange widens [start, end) to whole hours so it maps onto buckets exactly
func AlignRange(start, end time.Time) (time.Time, time.Time) {
	alignedStart := HourStart(start)
	alignedEnd := HourStart(end)
	if alignedEnd.Before(end.UTC()) {
		alignedEnd = alignedEnd.Add(time.Hour)
	}
	if !alignedEnd.After(alignedStart) {
		alignedEnd = alignedStart.Add(time.Hour)
	}
	return alignedStart, alignedEnd
}
