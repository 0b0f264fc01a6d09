package attendance

import "sort"

// FollowUpEntry is a person needing pastoral outreach after their latest session.
type FollowUpEntry struct {
	PersonID            PersonID    `json:"person_id"`
	Name                string      `json:"name"`
	ClassID             ClassID     `json:"class_id,omitempty"`
	PersonType          PersonType  `json:"person_type"`
	Phone               string      `json:"phone,omitempty"`
	LastSessionDate     SessionDate `json:"last_session_date"`
	AbsentSince         SessionDate `json:"absent_since"`
	ConsecutiveAbsences int         `json:"consecutive_absences"`
	LastPresentDate     SessionDate `json:"last_present_date,omitempty"`
	Recorded            bool        `json:"recorded"`
}

// FollowUpInput carries one scope's directory, records, and resolutions for
// its most recent session.
type FollowUpInput struct {
	Persons []Person
	Records []AttendanceRecord
	// Resolved lists persons whose absence on the latest session was handled.
	Resolved map[PersonID]bool
}

// DetectFollowUps flags persons whose record on the scope's latest session is
// an absence or is missing, including directory members never recorded.
func DetectFollowUps(input FollowUpInput) []FollowUpEntry {
	entries := []FollowUpEntry{}
	sessions := BuildSessionIndex(input.Records)
	if len(sessions) == 0 {
		return entries
	}
	latest := sessions[0]

	statusByPerson := make(map[PersonID]map[SessionDate]Status)
	for _, record := range input.Records {
		byDate, ok := statusByPerson[record.PersonID]
		if !ok {
			byDate = make(map[SessionDate]Status)
			statusByPerson[record.PersonID] = byDate
		}
		byDate[record.Date] = record.Status
	}

	for _, person := range input.Persons {
		byDate := statusByPerson[person.ID]
		latestStatus := byDate[latest]
		if !isAbsence(latestStatus) || input.Resolved[person.ID] {
			continue
		}
		entry := FollowUpEntry{
			PersonID:        person.ID,
			Name:            person.Name,
			ClassID:         person.ClassID,
			PersonType:      person.PersonType,
			Phone:           person.Phone,
			LastSessionDate: latest,
			Recorded:        latestStatus != "",
		}
		for _, date := range sessions {
			status := byDate[date]
			if status == StatusPresent && date > entry.LastPresentDate {
				entry.LastPresentDate = date
			}
		}
		for _, date := range sessions {
			if !isAbsence(byDate[date]) {
				break
			}
			entry.ConsecutiveAbsences++
			entry.AbsentSince = date
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ConsecutiveAbsences != entries[j].ConsecutiveAbsences {
			return entries[i].ConsecutiveAbsences > entries[j].ConsecutiveAbsences
		}
		return entries[i].Name < entries[j].Name
	})
	return entries
}

// latestSession returns the newest session date in records.
func latestSession(records []AttendanceRecord) (SessionDate, bool) {
	var latest SessionDate
	for _, record := range records {
		if record.Date > latest {
			latest = record.Date
		}
	}
	return latest, latest != ""
}
