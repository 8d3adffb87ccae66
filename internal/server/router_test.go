package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/endurotracker/backend/internal/assignment"
	"github.com/endurotracker/backend/internal/auth"
	"github.com/endurotracker/backend/internal/ingest"
	"github.com/endurotracker/backend/internal/track"
)

const testOperatorKey = "race-control-key"

type routerFixture struct {
	handler http.Handler
	db      *gorm.DB
	tracks  *track.Store
}

func newRouterFixture(testContext *testing.T) *routerFixture {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	err = db.AutoMigrate(&ingest.RawUpload{}, &assignment.Binding{}, &track.CanonicalPoint{}, &track.TrackCache{}, &track.TrackHist{})
	if err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	assignments, err := assignment.NewService(assignment.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("unexpected assignment service error: %v", err)
	}
	tracks, err := track.NewStore(track.StoreConfig{
		Database:     db,
		ETagProvider: track.NewUUIDETagProvider(),
	})
	if err != nil {
		testContext.Fatalf("unexpected track store error: %v", err)
	}
	ingestService, err := ingest.NewService(ingest.ServiceConfig{
		Database:    db,
		Assignments: assignments,
		Tracks:      tracks,
	})
	if err != nil {
		testContext.Fatalf("unexpected ingest service error: %v", err)
	}
	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		OperatorKey:   testOperatorKey,
		SigningSecret: []byte("test-secret"),
		Issuer:        "tracker-auth",
		Audience:      "tracker-api",
	})
	if err != nil {
		testContext.Fatalf("unexpected authenticator error: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		IngestService:     ingestService,
		TrackStore:        tracks,
		AssignmentService: assignments,
		TokenManager:      authenticator,
		Location:          time.UTC,
	})
	if err != nil {
		testContext.Fatalf("unexpected handler error: %v", err)
	}
	return &routerFixture{handler: handler, db: db, tracks: tracks}
}

func (f *routerFixture) request(testContext *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	testContext.Helper()
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *routerFixture) operatorToken(testContext *testing.T) string {
	testContext.Helper()
	recorder := f.request(testContext, http.MethodPost, "/auth/token", `{"operator_key":"`+testOperatorKey+`"}`, nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("token issue failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode token response: %v", err)
	}
	token, _ := payload["access_token"].(string)
	if token == "" {
		testContext.Fatalf("empty access token in %s", recorder.Body.String())
	}
	return token
}

func decodeBody(testContext *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	testContext.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	return payload
}

func TestHandleUploadAcceptsCompactBatch(testContext *testing.T) {
	fixture := newRouterFixture(testContext)

	body := `{"device_id":"pi-001","f":[[1710000000,45123456,-73000000,null,null,null,null,null,null],[1710000010,45123500,-73000100,null,null,null,null,null,null]]}`
	recorder := fixture.request(testContext, http.MethodPost, "/api/v1/upload", body, nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(testContext, recorder)
	if payload["accepted"] != float64(2) {
		testContext.Fatalf("expected 2 accepted fixes, got %v", payload["accepted"])
	}

	var count int64
	if err := fixture.db.Model(&ingest.RawUpload{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected 1 staged row, got %d", count)
	}
}

func TestHandleUploadStatusCodes(testContext *testing.T) {
	fixture := newRouterFixture(testContext)

	recorder := fixture.request(testContext, http.MethodPost, "/api/v1/upload", `not json`, nil)
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request for unparsable body, got %d", recorder.Code)
	}

	recorder = fixture.request(testContext, http.MethodPost, "/api/v1/upload", `{"device_id":"","f":[[1,2,3]]}`, nil)
	if recorder.Code != http.StatusUnprocessableEntity {
		testContext.Fatalf("expected unprocessable entity for empty device id, got %d", recorder.Code)
	}
	payload := decodeBody(testContext, recorder)
	if payload["field"] != "device_id" {
		testContext.Fatalf("expected device_id field in error, got %v", payload["field"])
	}

	recorder = fixture.request(testContext, http.MethodPost, "/api/v1/upload", `{"device_id":"pi-001","f":[]}`, nil)
	if recorder.Code != http.StatusUnprocessableEntity {
		testContext.Fatalf("expected unprocessable entity for empty fix list, got %d", recorder.Code)
	}
}

func TestHandleMarkerValidation(testContext *testing.T) {
	fixture := newRouterFixture(testContext)

	recorder := fixture.request(testContext, http.MethodPost, "/api/v1/marker", `{"epoch":1710000000,"device_id":"pi-001","phase":"start","source":"rfid"}`, nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(testContext, recorder)
	if payload["accepted"] != true {
		testContext.Fatalf("expected accepted marker, got %v", payload)
	}

	recorder = fixture.request(testContext, http.MethodPost, "/api/v1/marker", `{"epoch":1710000000,"device_id":"pi-001","phase":"midway","source":"rfid"}`, nil)
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request for unknown phase, got %d", recorder.Code)
	}
	payload = decodeBody(testContext, recorder)
	if payload["field"] != "phase" {
		testContext.Fatalf("expected phase field in error, got %v", payload["field"])
	}
}

func TestHandleUploadTextArchivesSnapshot(testContext *testing.T) {
	fixture := newRouterFixture(testContext)

	binding := assignment.Binding{RiderName: "Alice", DeviceID: "pi-001", Active: true}
	if err := fixture.db.Create(&binding).Error; err != nil {
		testContext.Fatalf("seed failed: %v", err)
	}

	body := `{"device_id":"pi-001","log":"{\"utc\":1710000000,\"lat\":45.1,\"lon\":-73.0}\n{\"utc\":1710000010,\"lat\":45.2,\"lon\":-73.1}"}`
	recorder := fixture.request(testContext, http.MethodPost, "/api/v1/upload-text", body, nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(testContext, recorder)
	if payload["fixes"] != float64(2) || payload["binding_id"] != float64(binding.ID) {
		testContext.Fatalf("unexpected result payload: %v", payload)
	}

	var count int64
	if err := fixture.db.Model(&track.TrackHist{}).Where("binding_id = ?", binding.ID).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected 1 archived snapshot, got %d", count)
	}
}

func TestHandleUploadTextRejectsUnboundDevice(testContext *testing.T) {
	fixture := newRouterFixture(testContext)
	body := `{"device_id":"pi-404","log":"{\"utc\":1710000000,\"lat\":45.1,\"lon\":-73.0}"}`
	recorder := fixture.request(testContext, http.MethodPost, "/api/v1/upload-text", body, nil)
	if recorder.Code != http.StatusUnprocessableEntity {
		testContext.Fatalf("expected unprocessable entity, got %d", recorder.Code)
	}
}

func TestHandleDeviceTrackWindowedQuery(testContext *testing.T) {
	fixture := newRouterFixture(testContext)

	points := []track.CanonicalPoint{
		{DeviceID: "pi-001", Epoch: 1710000000, Lat: 45.1, Lon: -73.0},
		{DeviceID: "pi-001", Epoch: 1710000010, Lat: 45.2, Lon: -73.1},
		{DeviceID: "pi-001", Epoch: 1710000020, Lat: 45.3, Lon: -73.2},
	}
	if _, err := fixture.tracks.InsertPoints(testRequestContext(), points); err != nil {
		testContext.Fatalf("seed failed: %v", err)
	}

	recorder := fixture.request(testContext, http.MethodGet, "/api/v1/devices/pi-001/track", "", nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), "45.3") {
		testContext.Fatalf("full track missing last point: %s", recorder.Body.String())
	}

	recorder = fixture.request(testContext, http.MethodGet, "/api/v1/devices/pi-001/track?start=1710000005&finish=1710000015", "", nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d", recorder.Code)
	}
	body := recorder.Body.String()
	if strings.Contains(body, "45.1") || !strings.Contains(body, "45.2") || strings.Contains(body, "45.3") {
		testContext.Fatalf("window not applied: %s", body)
	}

	recorder = fixture.request(testContext, http.MethodGet, "/api/v1/devices/pi-999/track", "", nil)
	if recorder.Code != http.StatusNotFound {
		testContext.Fatalf("expected not found for pointless device, got %d", recorder.Code)
	}

	recorder = fixture.request(testContext, http.MethodGet, "/api/v1/devices/pi-001/track?start=abc", "", nil)
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request for junk bound, got %d", recorder.Code)
	}
}

func TestHandleBindingTrackPreference(testContext *testing.T) {
	fixture := newRouterFixture(testContext)
	ctx := testRequestContext()

	binding := assignment.Binding{RiderName: "Alice", DeviceID: "pi-001", Active: true}
	if err := fixture.db.Create(&binding).Error; err != nil {
		testContext.Fatalf("seed failed: %v", err)
	}
	if err := fixture.tracks.UpsertLiveTrack(ctx, binding.ID, `{"live":true}`); err != nil {
		testContext.Fatalf("seed live failed: %v", err)
	}
	if _, err := fixture.tracks.AppendHistory(ctx, track.TrackHist{BindingID: binding.ID, GeoJSON: `{"hist":true}`}); err != nil {
		testContext.Fatalf("seed history failed: %v", err)
	}

	path := fmt.Sprintf("/api/v1/bindings/%d/track", binding.ID)
	recorder := fixture.request(testContext, http.MethodGet, path, "", nil)
	if recorder.Code != http.StatusOK || recorder.Body.String() != `{"live":true}` {
		testContext.Fatalf("expected live snapshot, got %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder.Header().Get("X-Track-Source") != "live" {
		testContext.Fatalf("expected live source header, got %q", recorder.Header().Get("X-Track-Source"))
	}

	recorder = fixture.request(testContext, http.MethodGet, path+"?prefer=history", "", nil)
	if recorder.Code != http.StatusOK || recorder.Body.String() != `{"hist":true}` {
		testContext.Fatalf("expected history snapshot, got %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.request(testContext, http.MethodGet, path+"?prefer=cached", "", nil)
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request for unknown preference, got %d", recorder.Code)
	}

	recorder = fixture.request(testContext, http.MethodGet, "/api/v1/bindings/999/track", "", nil)
	if recorder.Code != http.StatusNotFound {
		testContext.Fatalf("expected not found for unknown binding, got %d", recorder.Code)
	}
}

func TestHandleManualTimesRequiresToken(testContext *testing.T) {
	fixture := newRouterFixture(testContext)

	recorder := fixture.request(testContext, http.MethodPost, "/api/v1/bindings/1/manual-times", `{"start_time":"2024-03-09T16:00"}`, nil)
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized without token, got %d", recorder.Code)
	}

	recorder = fixture.request(testContext, http.MethodPost, "/api/v1/bindings/1/manual-times", `{"start_time":"2024-03-09T16:00"}`, map[string]string{
		"Authorization": "Bearer garbage",
	})
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized with junk token, got %d", recorder.Code)
	}
}

func TestHandleManualTimesRetrimsFromRawText(testContext *testing.T) {
	fixture := newRouterFixture(testContext)
	token := fixture.operatorToken(testContext)
	headers := map[string]string{"Authorization": "Bearer " + token}

	binding := assignment.Binding{RiderName: "Alice", DeviceID: "pi-001", Active: true}
	if err := fixture.db.Create(&binding).Error; err != nil {
		testContext.Fatalf("seed failed: %v", err)
	}
	rawText := "{\"utc\":1710000000,\"lat\":45.1,\"lon\":-73.0}\n{\"utc\":1710000010,\"lat\":45.2,\"lon\":-73.1}"
	if _, err := fixture.tracks.AppendHistory(testRequestContext(), track.TrackHist{BindingID: binding.ID, RawText: rawText}); err != nil {
		testContext.Fatalf("seed history failed: %v", err)
	}

	path := fmt.Sprintf("/api/v1/bindings/%d/manual-times", binding.ID)
	body := `{"start_time":"2024-03-09T16:00:05","end_time":""}`
	recorder := fixture.request(testContext, http.MethodPost, path, body, headers)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(testContext, recorder)
	if payload["retrimmed"] != true {
		testContext.Fatalf("expected a retrim, got %v", payload)
	}
	// 2024-03-09T16:00:05 UTC is epoch 1710000005: the first fix falls out.
	if payload["start_epoch"] != float64(1710000005) || payload["finish_epoch"] != nil {
		testContext.Fatalf("unexpected window in response: %v", payload)
	}

	latest, err := fixture.tracks.LatestHistory(testRequestContext(), binding.ID)
	if err != nil || latest == nil {
		testContext.Fatalf("expected retrimmed snapshot: %v", err)
	}
	if strings.Contains(latest.GeoJSON, "45.1]") || !strings.Contains(latest.GeoJSON, "45.2") {
		testContext.Fatalf("snapshot not retrimmed: %s", latest.GeoJSON)
	}
	if latest.RawText != rawText {
		testContext.Fatalf("raw text must carry over to the new snapshot")
	}
}

func TestHandleManualTimesRejectsZonedInput(testContext *testing.T) {
	fixture := newRouterFixture(testContext)
	token := fixture.operatorToken(testContext)

	binding := assignment.Binding{RiderName: "Alice", DeviceID: "pi-001", Active: true}
	if err := fixture.db.Create(&binding).Error; err != nil {
		testContext.Fatalf("seed failed: %v", err)
	}

	path := fmt.Sprintf("/api/v1/bindings/%d/manual-times", binding.ID)
	recorder := fixture.request(testContext, http.MethodPost, path, `{"start_time":"2024-03-09T16:00:00Z"}`, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request for zoned timestamp, got %d", recorder.Code)
	}
}

func TestHandlePointDelete(testContext *testing.T) {
	fixture := newRouterFixture(testContext)
	token := fixture.operatorToken(testContext)
	headers := map[string]string{"Authorization": "Bearer " + token}

	points := []track.CanonicalPoint{
		{DeviceID: "pi-001", Epoch: 1710000000, Lat: 45.1, Lon: -73.0},
		{DeviceID: "pi-001", Epoch: 1710000010, Lat: 45.2, Lon: -73.1},
		{DeviceID: "pi-001", Epoch: 1710000020, Lat: 45.3, Lon: -73.2},
	}
	if _, err := fixture.tracks.InsertPoints(testRequestContext(), points); err != nil {
		testContext.Fatalf("seed failed: %v", err)
	}

	recorder := fixture.request(testContext, http.MethodDelete, "/api/v1/devices/pi-001/points?start=1710000005&finish=1710000015", "", headers)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(testContext, recorder)
	if payload["deleted"] != float64(1) {
		testContext.Fatalf("expected 1 deleted point, got %v", payload["deleted"])
	}

	recorder = fixture.request(testContext, http.MethodDelete, "/api/v1/devices/pi-001/points?start=20&finish=10", "", headers)
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request for inverted range, got %d", recorder.Code)
	}

	recorder = fixture.request(testContext, http.MethodDelete, "/api/v1/devices/pi-001/points?start=10", "", headers)
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request for missing finish, got %d", recorder.Code)
	}

	recorder = fixture.request(testContext, http.MethodDelete, "/api/v1/devices/pi-001/points?start=1&finish=2", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized without token, got %d", recorder.Code)
	}
}

func TestHandleRouteConvert(testContext *testing.T) {
	fixture := newRouterFixture(testContext)

	gpxBody := `<?xml version="1.0"?><gpx version="1.1"><trk><trkseg><trkpt lat="45.100000" lon="-73.000000"></trkpt><trkpt lat="45.200000" lon="-73.100000"></trkpt></trkseg></trk></gpx>`
	recorder := fixture.request(testContext, http.MethodPost, "/api/v1/routes/convert", gpxBody, nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), "LineString") {
		testContext.Fatalf("expected a LineString feature: %s", recorder.Body.String())
	}

	recorder = fixture.request(testContext, http.MethodPost, "/api/v1/routes/convert", "not gpx at all", nil)
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request for junk body, got %d", recorder.Code)
	}
}

func testRequestContext() context.Context {
	return context.Background()
}

func TestHandleTokenIssueRejectsWrongKey(testContext *testing.T) {
	fixture := newRouterFixture(testContext)
	recorder := fixture.request(testContext, http.MethodPost, "/auth/token", `{"operator_key":"guess"}`, nil)
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized for wrong key, got %d", recorder.Code)
	}
}
