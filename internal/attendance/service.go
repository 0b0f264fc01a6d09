package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/attendance/backend/internal/viewcache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultClassTimeout = 10 * time.Second
	defaultConcurrency  = 4

	reportSessions         = "sessions"
	reportPersonStatistics = "person_statistics"
	reportConsecutive      = "consecutive"
	reportFollowUp         = "follow_up"
)

var noOpLogger = zap.NewNop()

// ViewCache is the derived-view cache contract the service relies on.
type ViewCache interface {
	GetOrCompute(ctx context.Context, key string, compute viewcache.ComputeFunc) ([]byte, error)
	Invalidate(scopeKey string) int
	InvalidateAll()
}

// ServiceConfig describes the dependencies of the attendance engine.
type ServiceConfig struct {
	Store           Store
	Cache           ViewCache
	Clock           func() time.Time
	IDProvider      IDProvider
	Logger          *zap.Logger
	StreakThreshold int
	MonthlyWindow   int
	ClassTimeout    time.Duration
	Concurrency     int
}

// Service exposes statistics, leaderboards, follow-up lists, and the
// mutating operations that invalidate them.
type Service struct {
	store        Store
	cache        ViewCache
	clock        func() time.Time
	idProvider   IDProvider
	logger       *zap.Logger
	threshold    int
	months       int
	classTimeout time.Duration
	concurrency  int
}

// NewService validates the configuration and applies defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, ErrValidation, errMissingStore)
	}
	if cfg.Cache == nil {
		return nil, newServiceError(opServiceNew, reasonMissingCache, ErrValidation, errMissingCache)
	}
	service := &Service{
		store:        cfg.Store,
		cache:        cfg.Cache,
		clock:        cfg.Clock,
		idProvider:   cfg.IDProvider,
		logger:       cfg.Logger,
		threshold:    cfg.StreakThreshold,
		months:       cfg.MonthlyWindow,
		classTimeout: cfg.ClassTimeout,
		concurrency:  cfg.Concurrency,
	}
	if service.clock == nil {
		service.clock = time.Now
	}
	if service.idProvider == nil {
		service.idProvider = NewUUIDProvider()
	}
	if service.logger == nil {
		service.logger = noOpLogger
	}
	if service.threshold <= 0 {
		service.threshold = DefaultStreakThreshold
	}
	if service.months <= 0 {
		service.months = DefaultMonthlyWindow
	}
	if service.classTimeout <= 0 {
		service.classTimeout = defaultClassTimeout
	}
	if service.concurrency <= 0 {
		service.concurrency = defaultConcurrency
	}
	return service, nil
}

// RecordInput is a raw attendance write.
type RecordInput struct {
	PersonID string
	ClassID  string
	Date     string
	Status   string
	Notes    string
}

// RecordAttendance upserts the (person, date) record and invalidates every
// cached view of the affected scopes before returning.
func (s *Service) RecordAttendance(ctx context.Context, input RecordInput, actor Actor) (AttendanceRecord, error) {
	if !actor.CanServe() {
		return AttendanceRecord{}, newServiceError(opRecordAttendance, reasonForbidden, ErrForbidden, errInsufficientRole)
	}
	personID, err := NewPersonID(input.PersonID)
	if err != nil {
		return AttendanceRecord{}, newServiceError(opRecordAttendance, reasonInvalidInput, ErrValidation, err)
	}
	date, err := ParseSessionDate(input.Date)
	if err != nil {
		return AttendanceRecord{}, newServiceError(opRecordAttendance, reasonInvalidInput, ErrValidation, err)
	}
	status, err := ParseStatus(input.Status)
	if err != nil {
		return AttendanceRecord{}, newServiceError(opRecordAttendance, reasonInvalidInput, ErrValidation, err)
	}

	person, err := s.store.GetPerson(ctx, personID)
	if err != nil {
		return AttendanceRecord{}, s.fail(opRecordAttendance, err, zap.String(columnPersonID, personID.String()))
	}

	classID := person.ClassID
	if strings.TrimSpace(input.ClassID) != "" {
		classID, err = NewClassID(input.ClassID)
		if err != nil {
			return AttendanceRecord{}, newServiceError(opRecordAttendance, reasonInvalidInput, ErrValidation, err)
		}
		if err := s.checkScope(ctx, opRecordAttendance, ClassScope(classID)); err != nil {
			return AttendanceRecord{}, err
		}
	}

	recordID, err := s.idProvider.NewID()
	if err != nil {
		return AttendanceRecord{}, s.fail(opRecordAttendance, err)
	}
	record := AttendanceRecord{
		ID:         recordID,
		PersonID:   person.ID,
		PersonType: person.PersonType,
		ClassID:    classID,
		Date:       date,
		Status:     status,
		Notes:      strings.TrimSpace(input.Notes),
		RecordedBy: actor.ID,
	}
	touch(&record, s.clock().UTC())

	stored, err := s.store.UpsertRecord(ctx, record)
	if err != nil {
		return AttendanceRecord{}, s.fail(opRecordAttendance, err, zap.String(columnPersonID, personID.String()))
	}

	s.invalidate(person.Scope(), ClassScope(classID))
	return stored, nil
}

// SessionDates returns the scope's session dates, newest first.
func (s *Service) SessionDates(ctx context.Context, scope Scope, dateRange DateRange) ([]SessionDate, error) {
	if err := s.checkScope(ctx, opSessionDates, scope); err != nil {
		return nil, err
	}
	key := viewcache.Key(scope.CacheKey(), reportSessions, dateRange.From.String(), dateRange.To.String())
	return cachedView(ctx, s, opSessionDates, key, func(ctx context.Context) ([]SessionDate, error) {
		records, err := s.store.ListRecords(ctx, scope, dateRange)
		if err != nil {
			return nil, err
		}
		return BuildSessionIndex(records), nil
	})
}

// GetPersonStatistics returns the summary of one person.
func (s *Service) GetPersonStatistics(ctx context.Context, personID PersonID) (PersonSummary, error) {
	person, err := s.store.GetPerson(ctx, personID)
	if err != nil {
		return PersonSummary{}, s.fail(opPersonStatistics, err, zap.String(columnPersonID, personID.String()))
	}
	key := viewcache.Key(person.Scope().CacheKey(), reportPersonStatistics, person.ID.String(), strconv.Itoa(s.months))
	return cachedView(ctx, s, opPersonStatistics, key, func(ctx context.Context) (PersonSummary, error) {
		return s.summarize(ctx, person)
	})
}

func (s *Service) summarize(ctx context.Context, person Person) (PersonSummary, error) {
	records, err := s.store.ListPersonRecords(ctx, person.ID)
	if err != nil {
		return PersonSummary{}, err
	}
	scopeRecords, err := s.store.ListRecords(ctx, person.Scope(), DateRange{})
	if err != nil {
		return PersonSummary{}, err
	}
	fence, err := s.store.ActiveFence(ctx, fenceScopeIDs(person.Scope())...)
	if err != nil {
		return PersonSummary{}, err
	}
	gift, err := s.store.LatestGiftDelivery(ctx, person.ID)
	if err != nil {
		return PersonSummary{}, err
	}

	summary := SummarizePerson(SummaryInput{
		Person:   person,
		Records:  records,
		Sessions: BuildSessionIndex(scopeRecords),
		Fence:    latestFenceDate(fence),
		AsOf:     DateOf(s.clock()),
		Months:   s.months,
	})
	if gift != nil {
		deliveredAt := gift.DeliveredAt
		summary.LastGiftAt = &deliveredAt
	}
	return summary, nil
}

// GetCohortConsecutive returns one report per class in scope. Organisation-wide
// reports are computed per class; a class that fails is marked unavailable
// instead of failing the whole report.
func (s *Service) GetCohortConsecutive(ctx context.Context, scope Scope, threshold int) ([]ClassReport, error) {
	if threshold <= 0 {
		threshold = s.threshold
	}
	if !scope.IsAll() {
		class, err := s.store.GetClass(ctx, scope.ClassID)
		if err != nil {
			return nil, s.fail(opCohortConsecutive, err, zap.String(columnClassID, scope.ClassID.String()))
		}
		report, err := s.classReport(ctx, class, threshold)
		if err != nil {
			return nil, err
		}
		return []ClassReport{report}, nil
	}

	classes, err := s.store.ListClasses(ctx)
	if err != nil {
		return nil, s.fail(opCohortConsecutive, err)
	}
	reports := make([]ClassReport, len(classes))
	var group errgroup.Group
	group.SetLimit(s.concurrency)
	for index, class := range classes {
		group.Go(func() error {
			classCtx, cancel := context.WithTimeout(ctx, s.classTimeout)
			defer cancel()
			report, err := s.classReport(classCtx, class, threshold)
			if err != nil {
				report = unavailableReport(class, threshold, err)
				s.loggerOrDefault().Warn("class report unavailable",
					zap.String(columnClassID, class.ID.String()),
					zap.String("code", report.ErrorCode),
					zap.Error(err))
			}
			reports[index] = report
			return nil
		})
	}
	_ = group.Wait()
	if err := ctx.Err(); err != nil {
		return nil, newServiceError(opCohortConsecutive, reasonRequestCanceled, ErrDataUnavailable, err)
	}
	return reports, nil
}

func (s *Service) classReport(ctx context.Context, class Class, threshold int) (ClassReport, error) {
	scope := ClassScope(class.ID)
	key := viewcache.Key(scope.CacheKey(), reportConsecutive, "n="+strconv.Itoa(threshold))
	return cachedView(ctx, s, opCohortConsecutive, key, func(ctx context.Context) (ClassReport, error) {
		persons, err := s.store.ListPersons(ctx, scope)
		if err != nil {
			return ClassReport{}, err
		}
		records, err := s.store.ListRecords(ctx, scope, DateRange{})
		if err != nil {
			return ClassReport{}, err
		}
		fence, err := s.store.ActiveFence(ctx, fenceScopeIDs(scope)...)
		if err != nil {
			return ClassReport{}, err
		}
		return BuildClassReport(ClassReportInput{
			Class:     class,
			Persons:   persons,
			Records:   records,
			Fence:     latestFenceDate(fence),
			Threshold: threshold,
		}), nil
	})
}

func unavailableReport(class Class, threshold int, err error) ClassReport {
	code := reasonStoreFailed
	var serviceErr *ServiceError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = "timeout"
	case errors.As(err, &serviceErr):
		code = serviceErr.Code()
	}
	return ClassReport{
		ClassID:     class.ID,
		ClassName:   class.Name,
		Threshold:   threshold,
		Consecutive: []LeaderboardEntry{},
		Unavailable: true,
		ErrorCode:   code,
	}
}

// GetFollowUpList returns persons whose latest session in their scope was missed.
func (s *Service) GetFollowUpList(ctx context.Context, scope Scope) ([]FollowUpEntry, error) {
	if !scope.IsAll() {
		if err := s.checkScope(ctx, opFollowUpList, scope); err != nil {
			return nil, err
		}
		return s.followUps(ctx, scope)
	}

	classes, err := s.store.ListClasses(ctx)
	if err != nil {
		return nil, s.fail(opFollowUpList, err)
	}
	scopes := make([]Scope, 0, len(classes)+2)
	for _, class := range classes {
		scopes = append(scopes, ClassScope(class.ID))
	}
	scopes = append(scopes, Scope{PersonType: PersonTypeChild}, Scope{PersonType: PersonTypeServant})

	lists := make([][]FollowUpEntry, len(scopes))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	for index, groupScope := range scopes {
		group.Go(func() error {
			entries, err := s.followUps(groupCtx, groupScope)
			if err != nil {
				return err
			}
			lists[index] = entries
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	merged := []FollowUpEntry{}
	for _, entries := range lists {
		merged = append(merged, entries...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].ConsecutiveAbsences != merged[j].ConsecutiveAbsences {
			return merged[i].ConsecutiveAbsences > merged[j].ConsecutiveAbsences
		}
		return merged[i].Name < merged[j].Name
	})
	return merged, nil
}

// followUps evaluates one scope. An organisation scope restricted to a person
// type covers only persons without a class.
func (s *Service) followUps(ctx context.Context, scope Scope) ([]FollowUpEntry, error) {
	key := viewcache.Key(scope.CacheKey(), reportFollowUp, string(scope.PersonType))
	return cachedView(ctx, s, opFollowUpList, key, func(ctx context.Context) ([]FollowUpEntry, error) {
		persons, err := s.store.ListPersons(ctx, scope)
		if err != nil {
			return nil, err
		}
		if scope.IsAll() {
			persons = unassigned(persons)
		}
		records, err := s.store.ListRecords(ctx, scope, DateRange{})
		if err != nil {
			return nil, err
		}
		resolved := map[PersonID]bool{}
		if latest, ok := latestSession(records); ok {
			ids := make([]PersonID, 0, len(persons))
			for _, person := range persons {
				ids = append(ids, person.ID)
			}
			resolved, err = s.store.ResolvedPersons(ctx, latest, ids)
			if err != nil {
				return nil, err
			}
		}
		return DetectFollowUps(FollowUpInput{Persons: persons, Records: records, Resolved: resolved}), nil
	})
}

func unassigned(persons []Person) []Person {
	filtered := make([]Person, 0, len(persons))
	for _, person := range persons {
		if person.ClassID == "" {
			filtered = append(filtered, person)
		}
	}
	return filtered
}

// ResetResult reports a fence write.
type ResetResult struct {
	Success   bool        `json:"success"`
	ScopeID   string      `json:"scope_id"`
	FenceDate SessionDate `json:"fence_date"`
}

// ResetStreaks moves the scope's fence to today. History is kept; only current
// streaks restart.
func (s *Service) ResetStreaks(ctx context.Context, scope Scope, actor Actor) (ResetResult, error) {
	if !actor.CanResetScope(scope) {
		s.loggerOrDefault().Warn("streak reset refused",
			zap.String("scope_id", scope.ID()),
			zap.String("actor_id", actor.ID),
			zap.String("actor_role", actor.Role))
		return ResetResult{}, newServiceError(opResetStreaks, reasonForbidden, ErrForbidden, errInsufficientRole)
	}
	if err := s.checkScope(ctx, opResetStreaks, scope); err != nil {
		return ResetResult{}, err
	}

	fenceID, err := s.idProvider.NewID()
	if err != nil {
		return ResetResult{}, s.fail(opResetStreaks, err)
	}
	now := s.clock()
	fence := ResetFence{
		ID:        fenceID,
		ScopeID:   scope.ID(),
		FenceDate: DateOf(now),
		SetBy:     actor.ID,
		SetAt:     now.UTC(),
	}
	if err := s.store.AppendFence(ctx, fence); err != nil {
		return ResetResult{}, s.fail(opResetStreaks, err, zap.String("scope_id", fence.ScopeID))
	}

	if scope.IsAll() {
		s.cache.InvalidateAll()
	} else {
		s.invalidate(scope)
	}
	s.loggerOrDefault().Info("streaks reset",
		zap.String("scope_id", fence.ScopeID),
		zap.String("fence_date", fence.FenceDate.String()),
		zap.String("actor_id", actor.ID))
	return ResetResult{Success: true, ScopeID: fence.ScopeID, FenceDate: fence.FenceDate}, nil
}

// GiftResult reports a gift delivery.
type GiftResult struct {
	Success                bool      `json:"success"`
	StreakLengthAtDelivery int       `json:"streak_length_at_delivery"`
	DeliveredAt            time.Time `json:"delivered_at"`
}

// DeliverGift logs a gift with the person's live streak. The streak is not reset.
func (s *Service) DeliverGift(ctx context.Context, personID PersonID, actor Actor) (GiftResult, error) {
	if !actor.CanServe() {
		return GiftResult{}, newServiceError(opDeliverGift, reasonForbidden, ErrForbidden, errInsufficientRole)
	}
	person, err := s.store.GetPerson(ctx, personID)
	if err != nil {
		return GiftResult{}, s.fail(opDeliverGift, err, zap.String(columnPersonID, personID.String()))
	}
	summary, err := s.summarize(ctx, person)
	if err != nil {
		return GiftResult{}, s.fail(opDeliverGift, err, zap.String(columnPersonID, personID.String()))
	}
	deliveryID, err := s.idProvider.NewID()
	if err != nil {
		return GiftResult{}, s.fail(opDeliverGift, err)
	}
	delivery := GiftDelivery{
		ID:                     deliveryID,
		PersonID:               person.ID,
		DeliveredAt:            s.clock().UTC(),
		StreakLengthAtDelivery: summary.Streak.CurrentStreakLength,
		DeliveredBy:            actor.ID,
	}
	if err := s.store.AppendGiftDelivery(ctx, delivery); err != nil {
		return GiftResult{}, s.fail(opDeliverGift, err, zap.String(columnPersonID, personID.String()))
	}

	s.invalidate(person.Scope())
	s.loggerOrDefault().Info("gift delivered",
		zap.String(columnPersonID, person.ID.String()),
		zap.Int("streak_length", delivery.StreakLengthAtDelivery),
		zap.String("actor_id", actor.ID))
	return GiftResult{
		Success:                true,
		StreakLengthAtDelivery: delivery.StreakLengthAtDelivery,
		DeliveredAt:            delivery.DeliveredAt,
	}, nil
}

// ResolveResult reports a follow-up resolution.
type ResolveResult struct {
	Success     bool        `json:"success"`
	AbsenceDate SessionDate `json:"absence_date"`
}

// ResolveFollowUp marks the absence on the person's latest session as handled.
// A later absence puts the person back on the list.
func (s *Service) ResolveFollowUp(ctx context.Context, personID PersonID, reason string, actor Actor) (ResolveResult, error) {
	person, err := s.store.GetPerson(ctx, personID)
	if err != nil {
		return ResolveResult{}, s.fail(opResolveFollowUp, err, zap.String(columnPersonID, personID.String()))
	}
	records, err := s.store.ListRecords(ctx, person.Scope(), DateRange{})
	if err != nil {
		return ResolveResult{}, s.fail(opResolveFollowUp, err, zap.String(columnPersonID, personID.String()))
	}
	latest, ok := latestSession(records)
	if !ok {
		return ResolveResult{}, newServiceError(opResolveFollowUp, reasonNoSessions, ErrValidation, errNoSessions)
	}
	for _, record := range records {
		if record.PersonID == person.ID && record.Date == latest && !isAbsence(record.Status) {
			return ResolveResult{}, newServiceError(opResolveFollowUp, reasonNotAbsent, ErrValidation, errNotAbsent)
		}
	}
	resolutionID, err := s.idProvider.NewID()
	if err != nil {
		return ResolveResult{}, s.fail(opResolveFollowUp, err)
	}
	resolution := FollowUpResolution{
		ID:          resolutionID,
		PersonID:    person.ID,
		AbsenceDate: latest,
		ResolvedAt:  s.clock().UTC(),
		Reason:      strings.TrimSpace(reason),
		ResolvedBy:  actor.ID,
	}
	if err := s.store.AppendResolution(ctx, resolution); err != nil {
		return ResolveResult{}, s.fail(opResolveFollowUp, err, zap.String(columnPersonID, personID.String()))
	}

	s.invalidate(person.Scope())
	return ResolveResult{Success: true, AbsenceDate: latest}, nil
}

func (s *Service) checkScope(ctx context.Context, operation string, scope Scope) error {
	if scope.IsAll() {
		return nil
	}
	if _, err := s.store.GetClass(ctx, scope.ClassID); err != nil {
		return s.fail(operation, err, zap.String(columnClassID, scope.ClassID.String()))
	}
	return nil
}

// invalidate purges the given scopes and the organisation-wide views, which
// fold over every class.
func (s *Service) invalidate(scopes ...Scope) {
	purged := map[string]struct{}{AllScopeID: {}}
	s.cache.Invalidate(AllScopeID)
	for _, scope := range scopes {
		key := scope.CacheKey()
		if _, done := purged[key]; done {
			continue
		}
		purged[key] = struct{}{}
		s.cache.Invalidate(key)
	}
}

func fenceScopeIDs(scope Scope) []string {
	if scope.IsAll() {
		return []string{AllScopeID}
	}
	return []string{scope.ClassID.String(), AllScopeID}
}

// cachedView serves a JSON-encoded view through the cache.
func cachedView[T any](ctx context.Context, s *Service, operation, key string, compute func(context.Context) (T, error)) (T, error) {
	var view T
	payload, err := s.cache.GetOrCompute(ctx, key, func(ctx context.Context) ([]byte, error) {
		fresh, err := compute(ctx)
		if err != nil {
			return nil, s.fail(operation, err, zap.String("cache_key", key))
		}
		encoded, err := json.Marshal(fresh)
		if err != nil {
			return nil, newServiceError(operation, reasonEncodeFailed, ErrDataUnavailable, err)
		}
		return encoded, nil
	})
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return view, err
		}
		return view, s.fail(operation, err, zap.String("cache_key", key))
	}
	if err := json.Unmarshal(payload, &view); err != nil {
		return view, newServiceError(operation, reasonEncodeFailed, ErrDataUnavailable, err)
	}
	return view, nil
}

// fail classifies err and logs it.
func (s *Service) fail(operation string, err error, fields ...zap.Field) error {
	classified := classify(operation, err)
	reason := reasonStoreFailed
	var serviceErr *ServiceError
	if errors.As(classified, &serviceErr) {
		reason = serviceErr.Reason()
	}
	if errors.Is(classified, ErrNotFound) {
		return classified
	}
	s.logError(operation, reason, err, fields...)
	return classified
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("attendance service error", attrs...)
}
