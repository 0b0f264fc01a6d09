package attendance

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the attendance states a record may carry.
type Status string

const (
	// StatusPresent marks a person who attended the session.
	StatusPresent Status = "present"
	// StatusAbsent marks a person who missed the session.
	StatusAbsent Status = "absent"
	// StatusLate marks a late arrival. It counts toward totals but breaks both streak kinds.
	StatusLate Status = "late"
)

// PersonType distinguishes children from servants.
type PersonType string

const (
	PersonTypeChild   PersonType = "child"
	PersonTypeServant PersonType = "servant"
)

// Roles recognised by the engine when authorising resets and gift deliveries.
const (
	RoleAdmin         = "admin"
	RoleServiceLeader = "service_leader"
	RoleServant       = "servant"
)

const (
	// AllScopeID addresses the whole organisation.
	AllScopeID = "*all*"

	classScopePrefix    = "class:"
	dateLayout          = "2006-01-02"
	maxIdentifierLength = 190
)

var (
	// ErrInvalidPersonID indicates that a person identifier is empty or exceeds storage bounds.
	ErrInvalidPersonID = errors.New("attendance: invalid person id")
	// ErrInvalidClassID indicates that a class identifier is empty or exceeds storage bounds.
	ErrInvalidClassID = errors.New("attendance: invalid class id")
	// ErrInvalidDate indicates that a date is not an ISO calendar date.
	ErrInvalidDate = errors.New("attendance: invalid date")
	// ErrInvalidStatus indicates an unknown attendance status.
	ErrInvalidStatus = errors.New("attendance: invalid status")
	// ErrInvalidPersonType indicates an unknown person type.
	ErrInvalidPersonType = errors.New("attendance: invalid person type")
)

// PersonID represents a validated person identifier.
type PersonID string

// NewPersonID validates raw input and returns a PersonID.
func NewPersonID(rawInput string) (PersonID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidPersonID)
	if err != nil {
		return "", err
	}
	return PersonID(trimmed), nil
}

func (id PersonID) String() string {
	return string(id)
}

// ClassID represents a validated class identifier.
type ClassID string

// NewClassID validates raw input and returns a ClassID.
func NewClassID(rawInput string) (ClassID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidClassID)
	if err != nil {
		return "", err
	}
	if trimmed == AllScopeID {
		return "", fmt.Errorf("%w: reserved identifier", ErrInvalidClassID)
	}
	return ClassID(trimmed), nil
}

func (id ClassID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, kind error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", kind)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", kind, maxIdentifierLength)
	}
	return trimmed, nil
}

// SessionDate is a timezone-naive calendar date in YYYY-MM-DD form.
// Lexical order of the string equals chronological order.
type SessionDate string

// ParseSessionDate validates an ISO calendar date.
func ParseSessionDate(rawInput string) (SessionDate, error) {
	trimmed := strings.TrimSpace(rawInput)
	parsed, err := time.Parse(dateLayout, trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, rawInput)
	}
	return SessionDate(parsed.Format(dateLayout)), nil
}

// DateOf truncates a wall-clock instant to its calendar date.
func DateOf(instant time.Time) SessionDate {
	return SessionDate(instant.Format(dateLayout))
}

func (d SessionDate) String() string {
	return string(d)
}

// Month returns the YYYY-MM prefix of the date.
func (d SessionDate) Month() string {
	if len(d) < 7 {
		return ""
	}
	return string(d[:7])
}

// Before reports whether d falls strictly before other.
func (d SessionDate) Before(other SessionDate) bool {
	return d < other
}

// ParseStatus validates a raw status string.
func ParseStatus(rawInput string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(rawInput))) {
	case StatusPresent:
		return StatusPresent, nil
	case StatusAbsent:
		return StatusAbsent, nil
	case StatusLate:
		return StatusLate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// ParsePersonType validates a raw person type string.
func ParsePersonType(rawInput string) (PersonType, error) {
	switch PersonType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case PersonTypeChild:
		return PersonTypeChild, nil
	case PersonTypeServant:
		return PersonTypeServant, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPersonType, rawInput)
	}
}

// Scope selects a cohort: one class, or the whole organisation optionally
// restricted to one person type.
type Scope struct {
	ClassID    ClassID
	PersonType PersonType
}

// AllScope addresses every class.
func AllScope() Scope {
	return Scope{}
}

// ClassScope addresses a single class.
func ClassScope(classID ClassID) Scope {
	return Scope{ClassID: classID}
}

// IsAll reports whether the scope spans the organisation.
func (s Scope) IsAll() bool {
	return s.ClassID == ""
}

// ID returns the fence scope id: the class id or AllScopeID.
func (s Scope) ID() string {
	if s.IsAll() {
		return AllScopeID
	}
	return s.ClassID.String()
}

// CacheKey returns the cache prefix for the scope.
func (s Scope) CacheKey() string {
	if s.IsAll() {
		return AllScopeID
	}
	return classScopePrefix + s.ClassID.String()
}

// ParseScope accepts a class id, "*all*", or an empty string (all).
func ParseScope(rawInput string) (Scope, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" || trimmed == AllScopeID {
		return AllScope(), nil
	}
	classID, err := NewClassID(trimmed)
	if err != nil {
		return Scope{}, err
	}
	return ClassScope(classID), nil
}

// DateRange bounds a query by inclusive calendar dates. Empty ends are open.
type DateRange struct {
	From SessionDate
	To   SessionDate
}

// Contains reports whether date lies inside the range.
func (r DateRange) Contains(date SessionDate) bool {
	if r.From != "" && date < r.From {
		return false
	}
	if r.To != "" && date > r.To {
		return false
	}
	return true
}

// AttendanceRecord is the logically-current attendance of one person on one date.
type AttendanceRecord struct {
	ID         string      `gorm:"column:record_id;primaryKey;size:64;not null"`
	PersonID   PersonID    `gorm:"column:person_id;size:190;not null;uniqueIndex:idx_attendance_person_date,priority:1"`
	PersonType PersonType  `gorm:"column:person_type;size:16;not null"`
	ClassID    ClassID     `gorm:"column:class_id;size:190;not null;default:'';index:idx_attendance_class_date,priority:1"`
	Date       SessionDate `gorm:"column:session_date;size:10;not null;uniqueIndex:idx_attendance_person_date,priority:2;index:idx_attendance_class_date,priority:2"`
	Status     Status      `gorm:"column:status;size:16;not null"`
	Notes      string      `gorm:"column:notes;type:text;not null;default:''"`
	RecordedBy string      `gorm:"column:recorded_by;size:190;not null;default:''"`
	CreatedAt  time.Time   `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time   `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AttendanceRecord) TableName() string {
	return "attendance_records"
}

// Person is a directory entry. The engine reads ClassID and Role for scoping.
type Person struct {
	ID         PersonID   `gorm:"column:person_id;primaryKey;size:190;not null"`
	Name       string     `gorm:"column:name;size:320;not null"`
	ClassID    ClassID    `gorm:"column:class_id;size:190;not null;default:'';index"`
	Phone      string     `gorm:"column:phone;size:64;not null;default:''"`
	Role       string     `gorm:"column:role;size:32;not null;default:''"`
	PersonType PersonType `gorm:"column:person_type;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Person) TableName() string {
	return "persons"
}

// Scope returns the cohort the person's sessions are counted against.
func (p Person) Scope() Scope {
	if p.ClassID != "" {
		return ClassScope(p.ClassID)
	}
	return Scope{PersonType: p.PersonType}
}

// Class is a directory entry for one class.
type Class struct {
	ID   ClassID `gorm:"column:class_id;primaryKey;size:190;not null"`
	Name string  `gorm:"column:name;size:320;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Class) TableName() string {
	return "classes"
}

// ResetFence restarts streak counting for a scope without deleting history.
type ResetFence struct {
	ID        string      `gorm:"column:fence_id;primaryKey;size:64;not null"`
	ScopeID   string      `gorm:"column:scope_id;size:190;not null;index:idx_fences_scope_set,priority:1"`
	FenceDate SessionDate `gorm:"column:fence_date;size:10;not null"`
	SetBy     string      `gorm:"column:set_by;size:190;not null"`
	SetAt     time.Time   `gorm:"column:set_at;not null;index:idx_fences_scope_set,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ResetFence) TableName() string {
	return "streak_reset_fences"
}

// GiftDelivery logs a reward handed to a person. It does not reset streaks.
type GiftDelivery struct {
	ID                     string    `gorm:"column:delivery_id;primaryKey;size:64;not null"`
	PersonID               PersonID  `gorm:"column:person_id;size:190;not null;index:idx_gifts_person_time,priority:1"`
	DeliveredAt            time.Time `gorm:"column:delivered_at;not null;index:idx_gifts_person_time,priority:2"`
	StreakLengthAtDelivery int       `gorm:"column:streak_length;not null"`
	DeliveredBy            string    `gorm:"column:delivered_by;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (GiftDelivery) TableName() string {
	return "gift_deliveries"
}

// FollowUpResolution marks the absence on AbsenceDate as handled.
type FollowUpResolution struct {
	ID          string      `gorm:"column:resolution_id;primaryKey;size:64;not null"`
	PersonID    PersonID    `gorm:"column:person_id;size:190;not null;index:idx_resolutions_person_date,priority:1"`
	AbsenceDate SessionDate `gorm:"column:absence_date;size:10;not null;index:idx_resolutions_person_date,priority:2"`
	ResolvedAt  time.Time   `gorm:"column:resolved_at;not null"`
	Reason      string      `gorm:"column:reason;type:text;not null;default:''"`
	ResolvedBy  string      `gorm:"column:resolved_by;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (FollowUpResolution) TableName() string {
	return "follow_up_resolutions"
}

// Actor is the authenticated caller of a mutating operation.
type Actor struct {
	ID      string
	Role    string
	ClassID ClassID
}

// CanResetScope reports whether the actor may move the fence for scope.
func (a Actor) CanResetScope(scope Scope) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RoleServiceLeader:
		return !scope.IsAll()
	case RoleServant:
		return !scope.IsAll() && a.ClassID != "" && a.ClassID == scope.ClassID
	default:
		return false
	}
}

// CanServe reports whether the actor may record attendance or hand out gifts.
func (a Actor) CanServe() bool {
	switch a.Role {
	case RoleAdmin, RoleServiceLeader, RoleServant:
		return true
	default:
		return false
	}
}
