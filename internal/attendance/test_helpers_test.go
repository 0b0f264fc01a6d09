package attendance

import (
	"testing"
	"time"
)

func mustDate(t *testing.T, value string) SessionDate {
	t.Helper()
	date, err := ParseSessionDate(value)
	if err != nil {
		t.Fatalf("unexpected date error: %v", err)
	}
	return date
}

func mustPersonID(t *testing.T, value string) PersonID {
	t.Helper()
	id, err := NewPersonID(value)
	if err != nil {
		t.Fatalf("unexpected person id error: %v", err)
	}
	return id
}

func mustClassID(t *testing.T, value string) ClassID {
	t.Helper()
	id, err := NewClassID(value)
	if err != nil {
		t.Fatalf("unexpected class id error: %v", err)
	}
	return id
}

func testRecord(personID, classID, date string, status Status) AttendanceRecord {
	return AttendanceRecord{
		ID:         personID + "@" + date,
		PersonID:   PersonID(personID),
		PersonType: PersonTypeChild,
		ClassID:    ClassID(classID),
		Date:       SessionDate(date),
		Status:     status,
		CreatedAt:  time.Unix(1700000000, 0).UTC(),
		UpdatedAt:  time.Unix(1700000000, 0).UTC(),
	}
}

func testChild(id, name, classID string) Person {
	return Person{ID: PersonID(id), Name: name, ClassID: ClassID(classID), PersonType: PersonTypeChild}
}
