package queryrange

import (
	"net/http"

	"github.com/grafana/dskit/httpgrpc"
)

// Interval is a closed range of sample timestamps in milliseconds. Both
// bounds lie exactly on the step grid of the query the interval was split
// from.
type Interval struct {
	Start int64
	End   int64
}

// SplitByChunks splits [start, end] into step-aligned intervals, each
// covering at most chunk milliseconds worth of sample points.
//
// The range is first expanded outward to the nearest step multiples so that
// every boundary lands on a sample point of the step grid; the backend
// evaluates points on this same grid, and misaligned boundaries would make
// the merge either duplicate or skip a sample. Points are then grouped from
// the newest end first, so only the chronologically earliest interval may
// hold fewer than chunk/step points. Intervals are returned in ascending
// chronological order; adjacent intervals are one step apart and share no
// point.
func SplitByChunks(start, end, step, chunk int64) ([]Interval, error) {
	if step < 1 {
		return nil, httpgrpc.Errorf(http.StatusBadRequest, "invalid step: %d, must be greater than 0", step)
	}
	if chunk < 1 {
		return nil, httpgrpc.Errorf(http.StatusBadRequest, "invalid chunk duration: %d, must be greater than 0", chunk)
	}
	if start > end {
		return nil, httpgrpc.Errorf(http.StatusBadRequest, "end timestamp must not be before start time")
	}

	alignedStart := start - start%step
	alignedEnd := end
	if rem := end % step; rem != 0 {
		alignedEnd = end + (step - rem)
	}

	pointsPerChunk := chunk / step
	if pointsPerChunk < 1 {
		pointsPerChunk = 1
	}

	var intervals []Interval
	for chunkEnd := alignedEnd; ; {
		chunkStart := chunkEnd - (pointsPerChunk-1)*step
		if chunkStart < alignedStart {
			chunkStart = alignedStart
		}
		intervals = append(intervals, Interval{Start: chunkStart, End: chunkEnd})
		if chunkStart == alignedStart {
			break
		}
		chunkEnd = chunkStart - step
	}

	// Grouping walked newest first; callers expect chronological order.
	for i, j := 0, len(intervals)-1; i < j; i, j = i+1, j-1 {
		intervals[i], intervals[j] = intervals[j], intervals[i]
	}

	return intervals, nil
}
