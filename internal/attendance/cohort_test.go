package attendance

import "testing"

func TestBuildClassReportRanksLeaderboard(t *testing.T) {
	persons := []Person{
		testChild("child-1", "Youssef", "class-a"),
		testChild("child-2", "Bishoy", "class-a"),
		testChild("child-3", "Mariam", "class-a"),
		testChild("child-4", "Abanoub", "class-a"),
		{ID: "servant-1", Name: "Kirolos", ClassID: "class-a", PersonType: PersonTypeServant},
	}
	var records []AttendanceRecord
	for _, date := range []string{"2026-09-25", "2026-09-18", "2026-09-11", "2026-09-04", "2026-08-28"} {
		records = append(records,
			testRecord("child-1", "class-a", date, StatusPresent),
			testRecord("child-2", "class-a", date, StatusPresent),
			testRecord("servant-1", "class-a", date, StatusPresent),
		)
	}
	for _, date := range []string{"2026-09-25", "2026-09-18", "2026-09-11", "2026-09-04"} {
		records = append(records, testRecord("child-3", "class-a", date, StatusPresent))
	}
	records = append(records,
		testRecord("child-3", "class-a", "2026-08-28", StatusAbsent),
		testRecord("child-4", "class-a", "2026-09-25", StatusPresent),
		testRecord("child-4", "class-a", "2026-09-18", StatusAbsent),
	)

	report := BuildClassReport(ClassReportInput{
		Class:     Class{ID: "class-a", Name: "Grade 3"},
		Persons:   persons,
		Records:   records,
		Threshold: 4,
	})

	if report.TotalChildren != 4 {
		t.Fatalf("expected 4 children, got %d", report.TotalChildren)
	}
	if report.SessionCount != 5 {
		t.Fatalf("expected 5 sessions, got %d", report.SessionCount)
	}
	wantOrder := []struct {
		name   string
		streak int
		badge  string
	}{
		{name: "Bishoy", streak: 5, badge: "gold"},
		{name: "Kirolos", streak: 5, badge: "silver"},
		{name: "Youssef", streak: 5, badge: "bronze"},
		{name: "Mariam", streak: 4, badge: ""},
	}
	if len(report.Consecutive) != len(wantOrder) {
		t.Fatalf("unexpected leaderboard: %#v", report.Consecutive)
	}
	for index, want := range wantOrder {
		entry := report.Consecutive[index]
		if entry.Name != want.name || entry.Streak != want.streak || entry.Badge != want.badge || entry.Rank != index+1 {
			t.Fatalf("entry %d: want %+v got %+v", index, want, entry)
		}
	}
	if report.TotalRecords != 22 || report.PresentCount != 20 {
		t.Fatalf("unexpected totals: records=%d present=%d", report.TotalRecords, report.PresentCount)
	}
	if report.AttendanceRate != 90.91 {
		t.Fatalf("expected rate 90.91, got %v", report.AttendanceRate)
	}
	if report.AveragePresent != 4 {
		t.Fatalf("expected average present 4, got %v", report.AveragePresent)
	}
}

func TestBuildClassReportWithoutSessions(t *testing.T) {
	report := BuildClassReport(ClassReportInput{
		Class:   Class{ID: "class-b", Name: "Grade 5"},
		Persons: []Person{testChild("child-1", "Mina", "class-b"), testChild("child-2", "Sara", "class-b")},
	})
	if report.TotalChildren != 2 {
		t.Fatalf("expected directory size 2, got %d", report.TotalChildren)
	}
	if report.SessionCount != 0 || report.AttendanceRate != 0 || report.AveragePresent != 0 {
		t.Fatalf("expected empty statistics, got %+v", report)
	}
	if report.Consecutive == nil || len(report.Consecutive) != 0 {
		t.Fatalf("expected empty non-nil leaderboard, got %#v", report.Consecutive)
	}
	if report.Threshold != DefaultStreakThreshold {
		t.Fatalf("expected default threshold, got %d", report.Threshold)
	}
}

func TestBuildClassReportRespectsFence(t *testing.T) {
	var records []AttendanceRecord
	for _, date := range []string{"2026-09-25", "2026-09-18", "2026-09-11", "2026-09-04"} {
		records = append(records, testRecord("child-1", "class-a", date, StatusPresent))
	}
	report := BuildClassReport(ClassReportInput{
		Class:     Class{ID: "class-a", Name: "Grade 3"},
		Persons:   []Person{testChild("child-1", "Mina", "class-a")},
		Records:   records,
		Fence:     "2026-09-12",
		Threshold: 2,
	})
	if len(report.Consecutive) != 1 || report.Consecutive[0].Streak != 2 {
		t.Fatalf("expected a fenced streak of 2, got %#v", report.Consecutive)
	}
	if report.AttendanceRate != 100 {
		t.Fatalf("fence must not change class rate, got %v", report.AttendanceRate)
	}
}
