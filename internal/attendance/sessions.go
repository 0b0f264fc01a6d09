package attendance

import "sort"

// BuildSessionIndex returns the distinct dates carried by records, newest first.
// Dates without records never appear.
func BuildSessionIndex(records []AttendanceRecord) []SessionDate {
	seen := make(map[SessionDate]struct{}, len(records))
	sessions := make([]SessionDate, 0, len(records))
	for _, record := range records {
		if record.Date == "" {
			continue
		}
		if _, ok := seen[record.Date]; ok {
			continue
		}
		seen[record.Date] = struct{}{}
		sessions = append(sessions, record.Date)
	}
	sortDescending(sessions)
	return sessions
}

// mergeSessions unions two descending session lists, keeping descending order.
func mergeSessions(left, right []SessionDate) []SessionDate {
	merged := make([]SessionDate, 0, len(left)+len(right))
	seen := make(map[SessionDate]struct{}, len(left)+len(right))
	for _, group := range [][]SessionDate{left, right} {
		for _, date := range group {
			if _, ok := seen[date]; ok {
				continue
			}
			seen[date] = struct{}{}
			merged = append(merged, date)
		}
	}
	sortDescending(merged)
	return merged
}

// sinceFence keeps sessions on or after fence. An empty fence keeps everything.
func sinceFence(sessions []SessionDate, fence SessionDate) []SessionDate {
	if fence == "" {
		return sessions
	}
	for index, date := range sessions {
		if date.Before(fence) {
			return sessions[:index]
		}
	}
	return sessions
}

func sortDescending(dates []SessionDate) {
	sort.Slice(dates, func(i, j int) bool {
		return dates[i] > dates[j]
	})
}

func latestFenceDate(fences ...*ResetFence) SessionDate {
	var latest SessionDate
	for _, fence := range fences {
		if fence != nil && fence.FenceDate > latest {
			latest = fence.FenceDate
		}
	}
	return latest
}
