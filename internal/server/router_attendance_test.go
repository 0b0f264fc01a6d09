package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/attendance/backend/internal/attendance"
	"github.com/MarcoPoloResearchLab/attendance/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/attendance/backend/internal/database"
	"github.com/MarcoPoloResearchLab/attendance/backend/internal/viewcache"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

var testTokens = map[string]auth.SessionClaims{
	"admin":    {UserID: "admin-1", Role: attendance.RoleAdmin},
	"leader":   {UserID: "leader-1", Role: attendance.RoleServiceLeader},
	"servant":  {UserID: "servant-9", Role: attendance.RoleServant, ClassID: "class-a"},
	"outsider": {UserID: "servant-12", Role: attendance.RoleServant, ClassID: "class-b"},
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func newTestRouter(t *testing.T) (http.Handler, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "router.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := attendance.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	for _, class := range []attendance.Class{{ID: "class-a", Name: "Grade 3"}, {ID: "class-b", Name: "Grade 5"}} {
		if err := store.UpsertClass(ctx, class); err != nil {
			t.Fatalf("failed to seed class: %v", err)
		}
	}
	for _, person := range []attendance.Person{
		{ID: "child-1", Name: "Mina", ClassID: "class-a", PersonType: attendance.PersonTypeChild},
		{ID: "child-2", Name: "Sara", ClassID: "class-a", PersonType: attendance.PersonTypeChild},
		{ID: "servant-1", Name: "Kirolos", PersonType: attendance.PersonTypeServant, Role: attendance.RoleServant},
	} {
		if err := store.UpsertPerson(ctx, person); err != nil {
			t.Fatalf("failed to seed person: %v", err)
		}
	}

	clock := func() time.Time { return testNow }
	service, err := attendance.NewService(attendance.ServiceConfig{
		Store: store,
		Cache: viewcache.New(viewcache.Config{Clock: clock}),
		Clock: clock,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: stubSessionValidator{claims: testTokens},
		Attendance:       service,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler, db
}

func perform(t *testing.T, handler http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func markAttendance(t *testing.T, handler http.Handler, personID, date, status string) {
	t.Helper()
	recorder := perform(t, handler, http.MethodPost, "/attendance", "servant", map[string]string{
		"person_id": personID,
		"date":      date,
		"status":    status,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("record %s %s: unexpected status %d: %s", personID, date, recorder.Code, recorder.Body.String())
	}
}

func TestHealthzIsPublic(t *testing.T) {
	handler, _ := newTestRouter(t)
	if recorder := perform(t, handler, http.MethodGet, "/healthz", "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if recorder := perform(t, handler, http.MethodGet, "/reports/follow-up", "", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
}

func TestRecordAttendanceThenStatistics(t *testing.T) {
	handler, _ := newTestRouter(t)
	for _, date := range []string{"2026-09-11", "2026-09-18", "2026-09-25"} {
		markAttendance(t, handler, "child-1", date, "present")
	}

	recorder := perform(t, handler, http.MethodGet, "/persons/child-1/statistics", "servant", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var summary attendance.PersonSummary
	decode(t, recorder, &summary)
	if summary.Streak.CurrentStreakLength != 3 || summary.AttendanceRate != 100 || summary.TotalRecords != 3 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	markAttendance(t, handler, "child-1", "2026-09-25", "absent")
	decode(t, perform(t, handler, http.MethodGet, "/persons/child-1/statistics", "servant", nil), &summary)
	if summary.Streak.CurrentStreakLength != 0 || summary.Streak.CurrentAbsentStreak != 1 {
		t.Fatalf("expected correction to be visible immediately, got %+v", summary.Streak)
	}
}

func TestRecordAttendanceRejectsInvalidPayload(t *testing.T) {
	handler, _ := newTestRouter(t)
	testCases := []struct {
		name string
		body map[string]string
	}{
		{name: "missing person", body: map[string]string{"date": "2026-09-25", "status": "present"}},
		{name: "bad date", body: map[string]string{"person_id": "child-1", "date": "25/09/2026", "status": "present"}},
		{name: "bad status", body: map[string]string{"person_id": "child-1", "date": "2026-09-25", "status": "excused"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := perform(t, handler, http.MethodPost, "/attendance", "servant", testCase.body)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestErrorKindsMapToStatusCodes(t *testing.T) {
	handler, _ := newTestRouter(t)

	recorder := perform(t, handler, http.MethodGet, "/persons/ghost/statistics", "admin", nil)
	var payload errorPayload
	decode(t, recorder, &payload)
	if recorder.Code != http.StatusNotFound || payload.Code != "attendance.person_statistics.person_not_found" {
		t.Fatalf("expected 404 person_not_found, got %d %+v", recorder.Code, payload)
	}

	recorder = perform(t, handler, http.MethodGet, "/reports/consecutive?scope=class-z", "admin", nil)
	decode(t, recorder, &payload)
	if recorder.Code != http.StatusNotFound || payload.Error != "class_not_found" {
		t.Fatalf("expected 404 class_not_found, got %d %+v", recorder.Code, payload)
	}

	recorder = perform(t, handler, http.MethodPost, "/streaks/reset", "servant", map[string]string{"scope": "*all*"})
	decode(t, recorder, &payload)
	if recorder.Code != http.StatusForbidden || payload.Error != "forbidden" {
		t.Fatalf("expected 403, got %d %+v", recorder.Code, payload)
	}

	recorder = perform(t, handler, http.MethodPost, "/persons/child-1/follow-up/resolve", "admin", map[string]string{"reason": "called"})
	decode(t, recorder, &payload)
	if recorder.Code != http.StatusBadRequest || payload.Error != "no_sessions" {
		t.Fatalf("expected 400 no_sessions, got %d %+v", recorder.Code, payload)
	}

	recorder = perform(t, handler, http.MethodGet, "/sessions?scope=class-a&from=2026-09-30&to=2026-09-01", "admin", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected inverted range to be rejected, got %d", recorder.Code)
	}
}

func TestStoreOutageReturnsServiceUnavailable(t *testing.T) {
	handler, db := newTestRouter(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}

	recorder := perform(t, handler, http.MethodGet, "/persons/child-1/statistics", "admin", nil)
	var payload errorPayload
	decode(t, recorder, &payload)
	if recorder.Code != http.StatusServiceUnavailable || payload.Error != "store_unavailable" {
		t.Fatalf("expected 503 store_unavailable, got %d %+v", recorder.Code, payload)
	}
}

func TestResetStreaksRestartsCurrentStreak(t *testing.T) {
	handler, _ := newTestRouter(t)
	markAttendance(t, handler, "child-1", "2026-09-25", "present")

	if recorder := perform(t, handler, http.MethodPost, "/streaks/reset", "outsider", map[string]string{"scope": "class-a"}); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected servant of another class to be refused, got %d", recorder.Code)
	}

	recorder := perform(t, handler, http.MethodPost, "/streaks/reset", "servant", map[string]string{"scope": "class-a"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var result attendance.ResetResult
	decode(t, recorder, &result)
	if !result.Success || result.ScopeID != "class-a" || result.FenceDate != "2026-10-01" {
		t.Fatalf("unexpected reset result: %+v", result)
	}

	var summary attendance.PersonSummary
	decode(t, perform(t, handler, http.MethodGet, "/persons/child-1/statistics", "servant", nil), &summary)
	if summary.Streak.CurrentStreakLength != 0 || summary.Streak.MaxPresentStreak != 1 || summary.PresentCount != 1 {
		t.Fatalf("expected fenced streak with history intact, got %+v", summary)
	}
}

func TestFollowUpListAndResolve(t *testing.T) {
	handler, _ := newTestRouter(t)
	markAttendance(t, handler, "child-1", "2026-09-18", "present")
	markAttendance(t, handler, "child-1", "2026-09-25", "absent")
	markAttendance(t, handler, "child-2", "2026-09-25", "present")

	var listing struct {
		Scope    string                     `json:"scope"`
		FollowUp []attendance.FollowUpEntry `json:"follow_up"`
	}
	decode(t, perform(t, handler, http.MethodGet, "/reports/follow-up?scope=class-a", "leader", nil), &listing)
	if len(listing.FollowUp) != 1 || listing.FollowUp[0].PersonID != "child-1" {
		t.Fatalf("expected child-1 to need follow-up, got %+v", listing.FollowUp)
	}

	var rejected errorPayload
	recorder := perform(t, handler, http.MethodPost, "/persons/child-2/follow-up/resolve", "servant", map[string]string{"reason": "called"})
	decode(t, recorder, &rejected)
	if recorder.Code != http.StatusBadRequest || rejected.Error != "not_absent" {
		t.Fatalf("expected 400 not_absent for a present person, got %d %+v", recorder.Code, rejected)
	}

	recorder = perform(t, handler, http.MethodPost, "/persons/child-1/follow-up/resolve", "servant", map[string]string{"reason": "family travelling"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var resolved attendance.ResolveResult
	decode(t, recorder, &resolved)
	if !resolved.Success || resolved.AbsenceDate != "2026-09-25" {
		t.Fatalf("unexpected resolve result: %+v", resolved)
	}

	decode(t, perform(t, handler, http.MethodGet, "/reports/follow-up?scope=class-a", "leader", nil), &listing)
	if len(listing.FollowUp) != 0 {
		t.Fatalf("expected resolved absence to leave the list, got %+v", listing.FollowUp)
	}
}

func TestConsecutiveReportAndGift(t *testing.T) {
	handler, _ := newTestRouter(t)
	for _, date := range []string{"2026-09-18", "2026-09-25"} {
		markAttendance(t, handler, "child-1", date, "present")
		markAttendance(t, handler, "child-2", date, "absent")
	}

	var report struct {
		Classes []attendance.ClassReport `json:"classes"`
	}
	decode(t, perform(t, handler, http.MethodGet, "/reports/consecutive?scope=class-a&n=2", "admin", nil), &report)
	if len(report.Classes) != 1 {
		t.Fatalf("expected one class report, got %+v", report.Classes)
	}
	leaderboard := report.Classes[0].Consecutive
	if len(leaderboard) != 1 || leaderboard[0].PersonID != "child-1" || leaderboard[0].Badge != "gold" {
		t.Fatalf("unexpected leaderboard: %+v", leaderboard)
	}

	if recorder := perform(t, handler, http.MethodGet, "/reports/consecutive?n=0", "admin", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected n=0 to fall back to the default, got %d", recorder.Code)
	}
	if recorder := perform(t, handler, http.MethodGet, "/reports/consecutive?n=abc", "admin", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected non-numeric n to be rejected, got %d", recorder.Code)
	}

	recorder := perform(t, handler, http.MethodPost, "/persons/child-1/gifts", "servant", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var gift attendance.GiftResult
	decode(t, recorder, &gift)
	if !gift.Success || gift.StreakLengthAtDelivery != 2 {
		t.Fatalf("unexpected gift result: %+v", gift)
	}

	var summary attendance.PersonSummary
	decode(t, perform(t, handler, http.MethodGet, "/persons/child-1/statistics", "servant", nil), &summary)
	if summary.Streak.CurrentStreakLength != 2 || summary.LastGiftAt == nil {
		t.Fatalf("gift must not reset the streak, got %+v", summary)
	}
}

func TestSessionDatesNewestFirst(t *testing.T) {
	handler, _ := newTestRouter(t)
	markAttendance(t, handler, "child-1", "2026-09-18", "present")
	markAttendance(t, handler, "child-2", "2026-09-25", "late")

	var listing struct {
		Sessions []string `json:"sessions"`
	}
	decode(t, perform(t, handler, http.MethodGet, "/sessions?scope=class-a", "servant", nil), &listing)
	if len(listing.Sessions) != 2 || listing.Sessions[0] != "2026-09-25" || listing.Sessions[1] != "2026-09-18" {
		t.Fatalf("unexpected sessions: %v", listing.Sessions)
	}

	decode(t, perform(t, handler, http.MethodGet, "/sessions?scope=class-a&from=2026-09-20", "servant", nil), &listing)
	if len(listing.Sessions) != 1 || listing.Sessions[0] != "2026-09-25" {
		t.Fatalf("unexpected filtered sessions: %v", listing.Sessions)
	}
}
