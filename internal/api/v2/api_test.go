package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RGBOARD/webapp/internal/conf"
	"github.com/RGBOARD/webapp/internal/datastore"
	"github.com/RGBOARD/webapp/internal/rotation"
)

// newTestController spins up the full API on a temporary SQLite database.
func newTestController(t *testing.T) (*Controller, datastore.Interface) {
	t.Helper()

	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = t.TempDir() + "/test.db"
	settings.Rotation = conf.RotationSettings{
		DefaultDuration:  30,
		MinDuration:      5,
		DefaultTTLHours:  24,
		PageSize:         6,
		SuggestionStep:   5,
		SuggestionWindow: 120,
		MaxWorkers:       10,
	}

	ds := datastore.New(settings)
	require.NoError(t, ds.Open())
	t.Cleanup(func() { assert.NoError(t, ds.Close()) })

	engine := rotation.New(ds, settings, nil, nil)
	require.NoError(t, engine.Restore())

	e := echo.New()
	controller := New(e, ds, settings, engine, nil)
	return controller, ds
}

func seedDesign(t *testing.T, ds datastore.Interface, approved bool) uint {
	t.Helper()

	design := &datastore.Design{
		UserID:     1,
		Title:      "test design",
		PixelData:  `{"pixels":[[0,0,"#0000ff"]]}`,
		IsApproved: approved,
	}
	require.NoError(t, ds.SaveDesign(design))
	return design.ID
}

func doRequest(t *testing.T, c *Controller, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, http.NoBody)
	}
	rec := httptest.NewRecorder()
	c.Echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGetCurrentImageEmptyRotationIs404(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)

	rec := doRequest(t, c, http.MethodGet, "/api/v2/rotation/current", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["correlation_id"])
}

func TestRotateEmptyRotationIs404(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)

	rec := doRequest(t, c, http.MethodPost, "/api/v2/rotation/rotate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddAndGetCurrentImage(t *testing.T) {
	t.Parallel()
	c, ds := newTestController(t)
	designID := seedDesign(t, ds, true)

	rec := doRequest(t, c, http.MethodPost, "/api/v2/rotation/items",
		fmt.Sprintf(`{"design_id":%d,"duration":45}`, designID))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotZero(t, decodeBody(t, rec)["item_id"])

	rec = doRequest(t, c, http.MethodGet, "/api/v2/rotation/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	image, ok := body["image"].(map[string]any)
	require.True(t, ok, "expected an image object")
	assert.Equal(t, "test design", image["title"])
	assert.EqualValues(t, 45, image["duration"])
	assert.NotNil(t, image["time_left"])

	left, ok := body["time_left"].(float64)
	require.True(t, ok, "expected a top-level time_left")
	assert.InDelta(t, 45, left, 1)
}

func TestAddRejectsMissingDesign(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)

	rec := doRequest(t, c, http.MethodPost, "/api/v2/rotation/items",
		`{"design_id":9999,"duration":30}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["correlation_id"])
	assert.EqualValues(t, http.StatusNotFound, body["code"])
}

func TestAddRejectsInvalidDuration(t *testing.T) {
	t.Parallel()
	c, ds := newTestController(t)
	designID := seedDesign(t, ds, true)

	rec := doRequest(t, c, http.MethodPost, "/api/v2/rotation/items",
		fmt.Sprintf(`{"design_id":%d,"duration":1}`, designID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveUnknownItemIs404(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)

	rec := doRequest(t, c, http.MethodDelete, "/api/v2/rotation/items/9999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRotateEndpoint(t *testing.T) {
	t.Parallel()
	c, ds := newTestController(t)
	designID := seedDesign(t, ds, true)

	for i := 0; i < 2; i++ {
		rec := doRequest(t, c, http.MethodPost, "/api/v2/rotation/items",
			fmt.Sprintf(`{"design_id":%d,"duration":30}`, designID))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doRequest(t, c, http.MethodPost, "/api/v2/rotation/rotate", "")
	require.Equal(t, http.StatusOK, rec.Code)

	active, ok := decodeBody(t, rec)["active_item"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, active["display_order"])
}

func TestScheduleConflictReturns409WithSuggestion(t *testing.T) {
	t.Parallel()
	c, ds := newTestController(t)
	designID := seedDesign(t, ds, true)

	start := time.Now().UTC().Add(time.Hour).Truncate(time.Minute)
	body := fmt.Sprintf(`{"design_id":%d,"duration":30,"start_time":%q}`,
		designID, start.Format(time.RFC3339))

	rec := doRequest(t, c, http.MethodPost, "/api/v2/rotation/schedule", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, c, http.MethodPost, "/api/v2/rotation/schedule", body)
	require.Equal(t, http.StatusConflict, rec.Code)

	details, ok := decodeBody(t, rec)["details"].(map[string]any)
	require.True(t, ok, "conflict response should carry details")
	suggested, err := time.Parse(time.RFC3339, details["suggested_time"].(string))
	require.NoError(t, err)
	assert.True(t, suggested.Equal(start.Add(5*time.Minute)))
}

func TestScheduleRequiresStartTime(t *testing.T) {
	t.Parallel()
	c, ds := newTestController(t)
	designID := seedDesign(t, ds, true)

	rec := doRequest(t, c, http.MethodPost, "/api/v2/rotation/schedule",
		fmt.Sprintf(`{"design_id":%d,"duration":30}`, designID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleLifecycle(t *testing.T) {
	t.Parallel()
	c, ds := newTestController(t)
	designID := seedDesign(t, ds, true)

	start := time.Now().UTC().Add(time.Hour).Truncate(time.Minute)
	rec := doRequest(t, c, http.MethodPost, "/api/v2/rotation/schedule",
		fmt.Sprintf(`{"design_id":%d,"duration":30,"start_time":%q}`,
			designID, start.Format(time.RFC3339)))
	require.Equal(t, http.StatusCreated, rec.Code)
	scheduleID := decodeBody(t, rec)["schedule_id"]

	rec = doRequest(t, c, http.MethodGet,
		fmt.Sprintf("/api/v2/rotation/schedule/%v", scheduleID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, c, http.MethodPut,
		fmt.Sprintf("/api/v2/rotation/schedule/%v", scheduleID),
		fmt.Sprintf(`{"design_id":%d,"duration":60,"start_time":%q}`,
			designID, start.Add(10*time.Minute).Format(time.RFC3339)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, c, http.MethodDelete,
		fmt.Sprintf("/api/v2/rotation/schedule/%v", scheduleID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, c, http.MethodGet,
		fmt.Sprintf("/api/v2/rotation/schedule/%v", scheduleID), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRotationItemsPaginated(t *testing.T) {
	t.Parallel()
	c, ds := newTestController(t)
	designID := seedDesign(t, ds, true)

	for i := 0; i < 4; i++ {
		rec := doRequest(t, c, http.MethodPost, "/api/v2/rotation/items",
			fmt.Sprintf(`{"design_id":%d,"duration":30}`, designID))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doRequest(t, c, http.MethodGet, "/api/v2/rotation/items?page=2&page_size=3", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.EqualValues(t, 4, body["total"])
	assert.EqualValues(t, 2, body["pages"])
	items, ok := body["items"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)

	rec := doRequest(t, c, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}
