package attendance

import (
	"math"
	"sort"
)

// DefaultStreakThreshold is the consecutive-attendance length that earns a gift.
const DefaultStreakThreshold = 4

var rankBadges = []string{"gold", "silver", "bronze"}

// LeaderboardEntry is one person on a consecutive-attendance leaderboard.
type LeaderboardEntry struct {
	Rank       int        `json:"rank"`
	Badge      string     `json:"badge,omitempty"`
	PersonID   PersonID   `json:"person_id"`
	Name       string     `json:"name"`
	PersonType PersonType `json:"person_type"`
	Streak     int        `json:"streak"`
}

// ClassReport aggregates one class.
type ClassReport struct {
	ClassID        ClassID            `json:"class_id"`
	ClassName      string             `json:"class_name"`
	Threshold      int                `json:"threshold"`
	TotalChildren  int                `json:"total_children"`
	SessionCount   int                `json:"session_count"`
	PresentCount   int                `json:"present_count"`
	TotalRecords   int                `json:"total_records"`
	AveragePresent float64            `json:"average_present"`
	AttendanceRate float64            `json:"attendance_rate"`
	FenceDate      SessionDate        `json:"fence_date,omitempty"`
	Consecutive    []LeaderboardEntry `json:"consecutive"`
	Unavailable    bool               `json:"unavailable,omitempty"`
	ErrorCode      string             `json:"error_code,omitempty"`
}

// ClassReportInput carries the class directory and its records.
type ClassReportInput struct {
	Class     Class
	Persons   []Person
	Records   []AttendanceRecord
	Fence     SessionDate
	Threshold int
}

// BuildClassReport computes class rates and the leaderboard of persons whose
// current streak reaches the threshold.
func BuildClassReport(input ClassReportInput) ClassReport {
	threshold := input.Threshold
	if threshold <= 0 {
		threshold = DefaultStreakThreshold
	}
	report := ClassReport{
		ClassID:     input.Class.ID,
		ClassName:   input.Class.Name,
		Threshold:   threshold,
		FenceDate:   input.Fence,
		Consecutive: []LeaderboardEntry{},
	}
	for _, person := range input.Persons {
		if person.PersonType == PersonTypeChild {
			report.TotalChildren++
		}
	}

	sessions := BuildSessionIndex(input.Records)
	report.SessionCount = len(sessions)
	if report.SessionCount == 0 {
		return report
	}

	statusByPerson := make(map[PersonID]map[SessionDate]Status)
	for _, record := range input.Records {
		report.TotalRecords++
		if record.Status == StatusPresent {
			report.PresentCount++
		}
		byDate, ok := statusByPerson[record.PersonID]
		if !ok {
			byDate = make(map[SessionDate]Status)
			statusByPerson[record.PersonID] = byDate
		}
		byDate[record.Date] = record.Status
	}
	report.AttendanceRate = percentage(report.PresentCount, report.TotalRecords)
	report.AveragePresent = roundTwo(float64(report.PresentCount) / float64(report.SessionCount))

	for _, person := range input.Persons {
		state := computeStreak(person.ID, sessions, statusByPerson[person.ID], input.Fence)
		if state.CurrentStreakLength < threshold {
			continue
		}
		report.Consecutive = append(report.Consecutive, LeaderboardEntry{
			PersonID:   person.ID,
			Name:       person.Name,
			PersonType: person.PersonType,
			Streak:     state.CurrentStreakLength,
		})
	}
	rankLeaderboard(report.Consecutive)
	return report
}

// rankLeaderboard orders by streak descending then name, and assigns ranks.
// Ties on streak are broken by name so ranks stay unique.
func rankLeaderboard(entries []LeaderboardEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Streak != entries[j].Streak {
			return entries[i].Streak > entries[j].Streak
		}
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].PersonID < entries[j].PersonID
	})
	for index := range entries {
		entries[index].Rank = index + 1
		if index < len(rankBadges) {
			entries[index].Badge = rankBadges[index]
		}
	}
}

func roundTwo(value float64) float64 {
	return math.Round(value*100) / 100
}
