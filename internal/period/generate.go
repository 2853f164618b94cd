package period

import (
	"fmt"
	"time"

	"github.com/dsla/sla-engine/internal/model"
)

// Generate builds count contiguous periods of type pt starting at start.
// Each end is the second before the next start, so the result always
// satisfies the registry ordering rule.
func Generate(pt model.PeriodType, start time.Time, count int) (starts, ends []int64, err error) {
	if !pt.Valid() {
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidPeriodType, int(pt))
	}
	if count <= 0 {
		return nil, nil, ErrEmptyInput
	}

	starts = make([]int64, count)
	ends = make([]int64, count)
	cur := start.UTC()
	for i := 0; i < count; i++ {
		next := advance(pt, cur)
		starts[i] = cur.Unix()
		ends[i] = next.Unix() - 1
		cur = next
	}
	return starts, ends, nil
}

func advance(pt model.PeriodType, t time.Time) time.Time {
	switch pt {
	case model.Hourly:
		return t.Add(time.Hour)
	case model.Daily:
		return t.AddDate(0, 0, 1)
	case model.Weekly:
		return t.AddDate(0, 0, 7)
	case model.BiWeekly:
		return t.AddDate(0, 0, 14)
	case model.Monthly:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(1, 0, 0)
	}
}
