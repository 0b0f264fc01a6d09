package attendance

import (
	"math"
	"time"
)

// DefaultMonthlyWindow is the number of calendar months covered by a breakdown.
const DefaultMonthlyWindow = 6

// StreakState is the replayable streak projection for one person.
type StreakState struct {
	PersonID            PersonID    `json:"person_id"`
	CurrentStreakLength int         `json:"current_streak"`
	CurrentStreakType   Status      `json:"current_streak_type"`
	AsOfSessionDate     SessionDate `json:"as_of_session_date,omitempty"`
	CurrentAbsentStreak int         `json:"current_absent_streak"`
	MaxPresentStreak    int         `json:"max_present_streak"`
	MaxAbsentStreak     int         `json:"max_absent_streak"`
}

// MonthlyStat aggregates one calendar month of records.
type MonthlyStat struct {
	Month   string  `json:"month"`
	Present int     `json:"present"`
	Absent  int     `json:"absent"`
	Late    int     `json:"late"`
	Total   int     `json:"total"`
	Rate    float64 `json:"rate"`
}

// PersonSummary is the statistics view of one person.
type PersonSummary struct {
	PersonID        PersonID      `json:"person_id"`
	Name            string        `json:"name"`
	ClassID         ClassID       `json:"class_id,omitempty"`
	PersonType      PersonType    `json:"person_type"`
	TotalRecords    int           `json:"total_records"`
	PresentCount    int           `json:"present_count"`
	AbsentCount     int           `json:"absent_count"`
	LateCount       int           `json:"late_count"`
	AttendanceRate  float64       `json:"attendance_rate"`
	Streak          StreakState   `json:"streak"`
	Monthly         []MonthlyStat `json:"monthly_breakdown"`
	LastPresentDate SessionDate   `json:"last_present_date,omitempty"`
	ActiveFenceDate SessionDate   `json:"active_fence_date,omitempty"`
	LastGiftAt      *time.Time    `json:"last_gift_at,omitempty"`
}

// SummaryInput carries everything SummarizePerson folds over.
type SummaryInput struct {
	Person  Person
	Records []AttendanceRecord
	// Sessions are the scope's session dates, newest first.
	Sessions []SessionDate
	Fence    SessionDate
	AsOf     SessionDate
	Months   int
}

// SummarizePerson computes counts, rate, streaks, and the monthly breakdown.
// Counts and the monthly breakdown read full history; the current streak only
// considers sessions on or after the fence.
func SummarizePerson(input SummaryInput) PersonSummary {
	summary := PersonSummary{
		PersonID:        input.Person.ID,
		Name:            input.Person.Name,
		ClassID:         input.Person.ClassID,
		PersonType:      input.Person.PersonType,
		ActiveFenceDate: input.Fence,
		Monthly:         []MonthlyStat{},
	}

	statusByDate := make(map[SessionDate]Status, len(input.Records))
	for _, record := range input.Records {
		statusByDate[record.Date] = record.Status
		summary.TotalRecords++
		switch record.Status {
		case StatusPresent:
			summary.PresentCount++
			if record.Date > summary.LastPresentDate {
				summary.LastPresentDate = record.Date
			}
		case StatusAbsent:
			summary.AbsentCount++
		case StatusLate:
			summary.LateCount++
		}
	}
	summary.AttendanceRate = percentage(summary.PresentCount, summary.TotalRecords)

	timeline := mergeSessions(input.Sessions, BuildSessionIndex(input.Records))
	summary.Streak = computeStreak(input.Person.ID, timeline, statusByDate, input.Fence)

	months := input.Months
	if months <= 0 {
		months = DefaultMonthlyWindow
	}
	summary.Monthly = monthlyBreakdown(input.Records, input.AsOf, months)
	return summary
}

// computeStreak folds the descending timeline into a StreakState. A session
// with no record for the person counts as an absence.
func computeStreak(personID PersonID, timeline []SessionDate, statusByDate map[SessionDate]Status, fence SessionDate) StreakState {
	state := StreakState{PersonID: personID, CurrentStreakType: StatusPresent}

	fenced := sinceFence(timeline, fence)
	if len(fenced) > 0 {
		state.AsOfSessionDate = fenced[0]
	}
	for _, date := range fenced {
		if statusByDate[date] != StatusPresent {
			break
		}
		state.CurrentStreakLength++
	}
	for _, date := range fenced {
		if !isAbsence(statusByDate[date]) {
			break
		}
		state.CurrentAbsentStreak++
	}

	presentRun, absentRun := 0, 0
	for index := len(timeline) - 1; index >= 0; index-- {
		date := timeline[index]
		switch status := statusByDate[date]; {
		case status == StatusPresent:
			presentRun++
			absentRun = 0
		case isAbsence(status):
			absentRun++
			presentRun = 0
		default:
			presentRun, absentRun = 0, 0
		}
		state.MaxPresentStreak = max(state.MaxPresentStreak, presentRun)
		state.MaxAbsentStreak = max(state.MaxAbsentStreak, absentRun)
	}
	return state
}

// isAbsence treats a missing record the same as an explicit absence.
func isAbsence(status Status) bool {
	return status == StatusAbsent || status == ""
}

func monthlyBreakdown(records []AttendanceRecord, asOf SessionDate, months int) []MonthlyStat {
	window := monthWindow(asOf, months)
	if len(window) == 0 {
		return []MonthlyStat{}
	}
	index := make(map[string]*MonthlyStat, len(window))
	for _, month := range window {
		index[month] = &MonthlyStat{Month: month}
	}
	for _, record := range records {
		stat, ok := index[record.Date.Month()]
		if !ok {
			continue
		}
		stat.Total++
		switch record.Status {
		case StatusPresent:
			stat.Present++
		case StatusAbsent:
			stat.Absent++
		case StatusLate:
			stat.Late++
		}
	}
	breakdown := make([]MonthlyStat, 0, len(window))
	for _, month := range window {
		stat := index[month]
		if stat.Total == 0 {
			continue
		}
		stat.Rate = percentage(stat.Present, stat.Total)
		breakdown = append(breakdown, *stat)
	}
	return breakdown
}

// monthWindow lists the YYYY-MM keys of the months ending at asOf, oldest first.
func monthWindow(asOf SessionDate, months int) []string {
	anchor, err := time.Parse(dateLayout, asOf.String())
	if err != nil {
		return nil
	}
	start := time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, time.UTC)
	window := make([]string, 0, months)
	for offset := months - 1; offset >= 0; offset-- {
		window = append(window, start.AddDate(0, -offset, 0).Format("2006-01"))
	}
	return window
}

// percentage returns part/total*100 rounded to two decimals, or 0 for an empty total.
func percentage(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*10000) / 100
}
