package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the durable attendance store consumed by the engine.
type Store interface {
	ListRecords(ctx context.Context, scope Scope, dateRange DateRange) ([]AttendanceRecord, error)
	ListPersonRecords(ctx context.Context, personID PersonID) ([]AttendanceRecord, error)
	UpsertRecord(ctx context.Context, record AttendanceRecord) (AttendanceRecord, error)
	GetPerson(ctx context.Context, personID PersonID) (Person, error)
	ListPersons(ctx context.Context, scope Scope) ([]Person, error)
	GetClass(ctx context.Context, classID ClassID) (Class, error)
	ListClasses(ctx context.Context) ([]Class, error)
	ActiveFence(ctx context.Context, scopeIDs ...string) (*ResetFence, error)
	AppendFence(ctx context.Context, fence ResetFence) error
	AppendGiftDelivery(ctx context.Context, delivery GiftDelivery) error
	LatestGiftDelivery(ctx context.Context, personID PersonID) (*GiftDelivery, error)
	AppendResolution(ctx context.Context, resolution FollowUpResolution) error
	ResolvedPersons(ctx context.Context, absenceDate SessionDate, personIDs []PersonID) (map[PersonID]bool, error)
}

const (
	columnPersonID    = "person_id"
	columnClassID     = "class_id"
	columnPersonType  = "person_type"
	columnSessionDate = "session_date"
	queryPersonID     = columnPersonID + " = ?"
	queryClassID      = columnClassID + " = ?"
	queryPersonType   = columnPersonType + " = ?"
)

// GormStore implements Store (and the roster directory writer) on top of GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an initialised database handle.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("attendance: database handle is required")
	}
	return &GormStore{db: db}, nil
}

func storeFailure(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

func applyScope(query *gorm.DB, scope Scope) *gorm.DB {
	if !scope.IsAll() {
		query = query.Where(queryClassID, scope.ClassID.String())
	}
	if scope.PersonType != "" {
		query = query.Where(queryPersonType, string(scope.PersonType))
	}
	return query
}

func (s *GormStore) ListRecords(ctx context.Context, scope Scope, dateRange DateRange) ([]AttendanceRecord, error) {
	query := applyScope(s.db.WithContext(ctx).Model(&AttendanceRecord{}), scope)
	if dateRange.From != "" {
		query = query.Where(columnSessionDate+" >= ?", dateRange.From.String())
	}
	if dateRange.To != "" {
		query = query.Where(columnSessionDate+" <= ?", dateRange.To.String())
	}
	var records []AttendanceRecord
	if err := query.Order(columnSessionDate + " DESC").Order(columnPersonID + " ASC").Find(&records).Error; err != nil {
		return nil, storeFailure("list_records", err)
	}
	return records, nil
}

func (s *GormStore) ListPersonRecords(ctx context.Context, personID PersonID) ([]AttendanceRecord, error) {
	var records []AttendanceRecord
	if err := s.db.WithContext(ctx).
		Where(queryPersonID, personID.String()).
		Order(columnSessionDate + " DESC").
		Find(&records).Error; err != nil {
		return nil, storeFailure("list_person_records", err)
	}
	return records, nil
}

// UpsertRecord writes the record, overwriting status, notes, and recorder of
// an existing (person, date) row. The stored row is returned.
func (s *GormStore) UpsertRecord(ctx context.Context, record AttendanceRecord) (AttendanceRecord, error) {
	db := s.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: columnPersonID}, {Name: columnSessionDate}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "notes", "recorded_by", columnClassID, columnPersonType, "updated_at",
		}),
	}).Create(&record).Error
	if err != nil {
		return AttendanceRecord{}, storeFailure("upsert_record", err)
	}

	var stored AttendanceRecord
	if err := db.Where(queryPersonID+" AND "+columnSessionDate+" = ?", record.PersonID.String(), record.Date.String()).
		Take(&stored).Error; err != nil {
		return AttendanceRecord{}, storeFailure("reload_record", err)
	}
	return stored, nil
}

func (s *GormStore) GetPerson(ctx context.Context, personID PersonID) (Person, error) {
	var person Person
	err := s.db.WithContext(ctx).Where(queryPersonID, personID.String()).Take(&person).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Person{}, fmt.Errorf("%w: %s", ErrPersonNotFound, personID)
	}
	if err != nil {
		return Person{}, storeFailure("get_person", err)
	}
	return person, nil
}

func (s *GormStore) ListPersons(ctx context.Context, scope Scope) ([]Person, error) {
	var persons []Person
	if err := applyScope(s.db.WithContext(ctx).Model(&Person{}), scope).
		Order("name ASC").
		Find(&persons).Error; err != nil {
		return nil, storeFailure("list_persons", err)
	}
	return persons, nil
}

func (s *GormStore) GetClass(ctx context.Context, classID ClassID) (Class, error) {
	var class Class
	err := s.db.WithContext(ctx).Where(queryClassID, classID.String()).Take(&class).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Class{}, fmt.Errorf("%w: %s", ErrClassNotFound, classID)
	}
	if err != nil {
		return Class{}, storeFailure("get_class", err)
	}
	return class, nil
}

func (s *GormStore) ListClasses(ctx context.Context) ([]Class, error) {
	var classes []Class
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&classes).Error; err != nil {
		return nil, storeFailure("list_classes", err)
	}
	return classes, nil
}

// ActiveFence returns the fence with the latest date among the given scopes.
func (s *GormStore) ActiveFence(ctx context.Context, scopeIDs ...string) (*ResetFence, error) {
	if len(scopeIDs) == 0 {
		return nil, nil
	}
	var fence ResetFence
	err := s.db.WithContext(ctx).
		Where("scope_id IN ?", scopeIDs).
		Order("fence_date DESC").
		Order("set_at DESC").
		Take(&fence).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeFailure("active_fence", err)
	}
	return &fence, nil
}

func (s *GormStore) AppendFence(ctx context.Context, fence ResetFence) error {
	if err := s.db.WithContext(ctx).Create(&fence).Error; err != nil {
		return storeFailure("append_fence", err)
	}
	return nil
}

func (s *GormStore) AppendGiftDelivery(ctx context.Context, delivery GiftDelivery) error {
	if err := s.db.WithContext(ctx).Create(&delivery).Error; err != nil {
		return storeFailure("append_gift_delivery", err)
	}
	return nil
}

func (s *GormStore) LatestGiftDelivery(ctx context.Context, personID PersonID) (*GiftDelivery, error) {
	var delivery GiftDelivery
	err := s.db.WithContext(ctx).
		Where(queryPersonID, personID.String()).
		Order("delivered_at DESC").
		Take(&delivery).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeFailure("latest_gift_delivery", err)
	}
	return &delivery, nil
}

func (s *GormStore) AppendResolution(ctx context.Context, resolution FollowUpResolution) error {
	if err := s.db.WithContext(ctx).Create(&resolution).Error; err != nil {
		return storeFailure("append_resolution", err)
	}
	return nil
}

// ResolvedPersons reports which of personIDs have a resolution for absenceDate.
func (s *GormStore) ResolvedPersons(ctx context.Context, absenceDate SessionDate, personIDs []PersonID) (map[PersonID]bool, error) {
	resolved := make(map[PersonID]bool)
	if len(personIDs) == 0 {
		return resolved, nil
	}
	raw := make([]string, 0, len(personIDs))
	for _, personID := range personIDs {
		raw = append(raw, personID.String())
	}
	var resolutions []FollowUpResolution
	if err := s.db.WithContext(ctx).
		Where("absence_date = ? AND "+columnPersonID+" IN ?", absenceDate.String(), raw).
		Find(&resolutions).Error; err != nil {
		return nil, storeFailure("resolved_persons", err)
	}
	for _, resolution := range resolutions {
		resolved[resolution.PersonID] = true
	}
	return resolved, nil
}

// UpsertClass creates or renames a class.
func (s *GormStore) UpsertClass(ctx context.Context, class Class) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnClassID}},
		DoUpdates: clause.AssignmentColumns([]string{"name"}),
	}).Create(&class).Error
	if err != nil {
		return storeFailure("upsert_class", err)
	}
	return nil
}

// UpsertPerson creates or updates a directory entry.
func (s *GormStore) UpsertPerson(ctx context.Context, person Person) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnPersonID}},
		DoUpdates: clause.AssignmentColumns([]string{"name", columnClassID, "phone", "role", columnPersonType}),
	}).Create(&person).Error
	if err != nil {
		return storeFailure("upsert_person", err)
	}
	return nil
}

// touch stamps created/updated times for a new write.
func touch(record *AttendanceRecord, now time.Time) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
}
