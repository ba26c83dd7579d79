package rotation

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RGBOARD/webapp/internal/conf"
	"github.com/RGBOARD/webapp/internal/datastore"
	"github.com/RGBOARD/webapp/internal/errors"
)

// newTestEngine builds an engine on a temporary SQLite database with a
// controllable clock. Advance the clock through the returned pointer.
func newTestEngine(t *testing.T) (*Engine, datastore.Interface, *time.Time) {
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

	engine := New(ds, settings, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.nowFn = func() time.Time { return clock }

	return engine, ds, &clock
}

func seedDesign(t *testing.T, ds datastore.Interface, userID uint, approved bool) uint {
	t.Helper()

	design := &datastore.Design{
		UserID:     userID,
		Title:      "test design",
		PixelData:  `{"pixels":[[0,0,"#00ff00"]]}`,
		IsApproved: approved,
	}
	require.NoError(t, ds.SaveDesign(design))
	return design.ID
}

func activeItemID(t *testing.T, ds datastore.Interface) *uint {
	t.Helper()

	state, err := ds.GetActiveState()
	require.NoError(t, err)
	return state.ItemID
}

func TestAddUnscheduledRoundTrip(t *testing.T) {
	t.Parallel()
	engine, ds, _ := newTestEngine(t)
	designID := seedDesign(t, ds, 3, true)

	itemID, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 45})
	require.NoError(t, err)

	item, err := ds.GetRotationItem(itemID)
	require.NoError(t, err)
	assert.Equal(t, designID, item.DesignID)
	assert.Equal(t, 45, item.Duration)
	assert.Equal(t, 1, item.DisplayOrder)

	// The first item in an empty rotation goes on screen immediately.
	active := activeItemID(t, ds)
	require.NotNil(t, active)
	assert.Equal(t, itemID, *active)

	// The insertion leaves a successful history record.
	history, err := ds.GetUserHistory(3)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "active", history[0].Status)
}

func TestAddUsesDefaultDuration(t *testing.T) {
	t.Parallel()
	engine, ds, _ := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	itemID, err := engine.AddUnscheduled(AddRequest{DesignID: designID})
	require.NoError(t, err)

	item, err := ds.GetRotationItem(itemID)
	require.NoError(t, err)
	assert.Equal(t, 30, item.Duration)
}

func TestAddRejectsShortDuration(t *testing.T) {
	t.Parallel()
	engine, ds, _ := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	_, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 2})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))
}

func TestAddRejectsUnapprovedDesign(t *testing.T) {
	t.Parallel()
	engine, ds, _ := newTestEngine(t)
	designID := seedDesign(t, ds, 1, false)

	_, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))
}

func TestAddRejectsMissingDesign(t *testing.T) {
	t.Parallel()
	engine, _, _ := newTestEngine(t)

	_, err := engine.AddUnscheduled(AddRequest{DesignID: 9999, Duration: 30})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryNotFound, errors.CategoryOf(err))
}

func TestOverrideAddTakesScreenImmediately(t *testing.T) {
	t.Parallel()
	engine, ds, _ := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	_, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30})
	require.NoError(t, err)
	_, err = engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30})
	require.NoError(t, err)

	overrideID, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30, OverrideCurrent: true})
	require.NoError(t, err)

	active := activeItemID(t, ds)
	require.NotNil(t, active)
	assert.Equal(t, overrideID, *active)

	item, err := ds.GetRotationItem(overrideID)
	require.NoError(t, err)
	assert.Equal(t, 2, item.DisplayOrder, "override should slot in right behind the interrupted item")
}

func TestTimeLeftCountsDownAndClamps(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	_, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30})
	require.NoError(t, err)

	left := engine.TimeLeft()
	require.NotNil(t, left)
	assert.InDelta(t, 30, *left, 0.01, "a freshly activated item has its full slot left")

	*clock = clock.Add(10 * time.Second)
	left = engine.TimeLeft()
	require.NotNil(t, left)
	assert.InDelta(t, 20, *left, 0.01)

	*clock = clock.Add(5 * time.Minute)
	left = engine.TimeLeft()
	require.NotNil(t, left)
	assert.Zero(t, *left, "time left never goes negative")
}

func TestTimeLeftNilWhenEmpty(t *testing.T) {
	t.Parallel()
	engine, _, _ := newTestEngine(t)

	assert.Nil(t, engine.TimeLeft())
}

func TestEnsureActiveIsIdempotent(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	_, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30})
	require.NoError(t, err)

	before, err := ds.GetActiveState()
	require.NoError(t, err)

	*clock = clock.Add(7 * time.Second)
	require.NoError(t, engine.EnsureActive())

	after, err := ds.GetActiveState()
	require.NoError(t, err)
	assert.True(t, before.ActivatedAt.Equal(after.ActivatedAt), "re-ensuring must not reset the activation timestamp")

	left := engine.TimeLeft()
	require.NotNil(t, left)
	assert.InDelta(t, 23, *left, 0.01)
}

func TestRotateAdvancesAndWraps(t *testing.T) {
	t.Parallel()
	engine, ds, _ := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	var ids []uint
	for i := 0; i < 3; i++ {
		id, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// First item is active; rotating walks 2, 3, then wraps back to 1.
	for _, want := range []uint{ids[1], ids[2], ids[0]} {
		item, err := engine.RotateToNext()
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, want, item.ID)

		active := activeItemID(t, ds)
		require.NotNil(t, active)
		assert.Equal(t, want, *active)
	}
}

func TestRotateOnEmptyRotation(t *testing.T) {
	t.Parallel()
	engine, _, _ := newTestEngine(t)

	item, err := engine.RotateToNext()
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestRotateResetsTimeLeft(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	_, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30})
	require.NoError(t, err)
	_, err = engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 60})
	require.NoError(t, err)

	*clock = clock.Add(25 * time.Second)
	_, err = engine.RotateToNext()
	require.NoError(t, err)

	left := engine.TimeLeft()
	require.NotNil(t, left)
	assert.InDelta(t, 60, *left, 0.01, "the new item starts with its own full slot")
}

func TestCheckRotationAdvancesExpiredSlot(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	first, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30})
	require.NoError(t, err)
	second, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30})
	require.NoError(t, err)

	// Slot not used up yet, nothing happens.
	*clock = clock.Add(10 * time.Second)
	require.NoError(t, engine.CheckRotation())
	active := activeItemID(t, ds)
	require.NotNil(t, active)
	assert.Equal(t, first, *active)

	// Slot exhausted, the check advances.
	*clock = clock.Add(30 * time.Second)
	require.NoError(t, engine.CheckRotation())
	active = activeItemID(t, ds)
	require.NotNil(t, active)
	assert.Equal(t, second, *active)
}

func TestRemoveActiveItemSelectsReplacement(t *testing.T) {
	t.Parallel()
	engine, ds, _ := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	first, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30})
	require.NoError(t, err)
	second, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30})
	require.NoError(t, err)

	require.NoError(t, engine.RemoveItem(first))

	active := activeItemID(t, ds)
	require.NotNil(t, active)
	assert.Equal(t, second, *active)

	left := engine.TimeLeft()
	require.NotNil(t, left)
	assert.InDelta(t, 30, *left, 0.01)
}

func TestSweepExpiredReselectsActive(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	soon := clock.Add(30 * time.Second)
	first, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30, EndTime: &soon})
	require.NoError(t, err)
	second, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30})
	require.NoError(t, err)

	*clock = clock.Add(time.Minute)
	removed, err := engine.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = ds.GetRotationItem(first)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryNotFound, errors.CategoryOf(err))

	active := activeItemID(t, ds)
	require.NotNil(t, active)
	assert.Equal(t, second, *active)
}

func TestSweepExpiredEmptiesRotation(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	soon := clock.Add(30 * time.Second)
	_, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30, EndTime: &soon})
	require.NoError(t, err)

	*clock = clock.Add(time.Minute)
	removed, err := engine.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.Nil(t, activeItemID(t, ds))
	assert.Nil(t, engine.TimeLeft())

	image, left, err := engine.CurrentImage()
	require.NoError(t, err)
	assert.Nil(t, image)
	assert.Nil(t, left)
}

func TestScheduleTruncatesToMinute(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	start := clock.Add(time.Hour).Add(42 * time.Second)
	scheduleID, err := engine.ScheduleDesign(ScheduleRequest{
		DesignID:  designID,
		Duration:  30,
		StartTime: start,
	})
	require.NoError(t, err)

	item, err := ds.GetScheduledItem(scheduleID)
	require.NoError(t, err)
	assert.True(t, item.StartTime.Equal(start.Truncate(time.Minute)))
}

func TestScheduleConflictSuggestsNextSlot(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	start := clock.Add(time.Hour).Truncate(time.Minute)
	_, err := engine.ScheduleDesign(ScheduleRequest{DesignID: designID, Duration: 30, StartTime: start})
	require.NoError(t, err)

	// Same minute, different seconds, still a conflict.
	_, err = engine.ScheduleDesign(ScheduleRequest{
		DesignID:  designID,
		Duration:  30,
		StartTime: start.Add(20 * time.Second),
	})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryConflict, errors.CategoryOf(err))

	var conflict *ScheduleConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.SuggestedTime.Equal(start.Add(5*time.Minute)))
}

func TestScheduleConflictSkipsTakenSlots(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	start := clock.Add(time.Hour).Truncate(time.Minute)
	for _, offset := range []time.Duration{0, 5 * time.Minute} {
		_, err := engine.ScheduleDesign(ScheduleRequest{
			DesignID:  designID,
			Duration:  30,
			StartTime: start.Add(offset),
		})
		require.NoError(t, err)
	}

	_, err := engine.ScheduleDesign(ScheduleRequest{DesignID: designID, Duration: 30, StartTime: start})
	require.Error(t, err)

	var conflict *ScheduleConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.SuggestedTime.Equal(start.Add(10*time.Minute)))
}

func TestScheduleConflictFallsBackToNextDay(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	start := clock.Add(time.Hour).Truncate(time.Minute)
	for offset := 0; offset <= 120; offset += 5 {
		_, err := engine.ScheduleDesign(ScheduleRequest{
			DesignID:  designID,
			Duration:  30,
			StartTime: start.Add(time.Duration(offset) * time.Minute),
		})
		require.NoError(t, err)
	}

	_, err := engine.ScheduleDesign(ScheduleRequest{DesignID: designID, Duration: 30, StartTime: start})
	require.Error(t, err)

	var conflict *ScheduleConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.SuggestedTime.Equal(start.Add(24*time.Hour)))
}

func TestScheduleRejectsEndBeforeStart(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	start := clock.Add(time.Hour)
	end := start.Add(-time.Minute)
	_, err := engine.ScheduleDesign(ScheduleRequest{
		DesignID:  designID,
		Duration:  30,
		StartTime: start,
		EndTime:   &end,
	})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))
}

func TestUpdateScheduledIgnoresOwnSlot(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	start := clock.Add(time.Hour).Truncate(time.Minute)
	scheduleID, err := engine.ScheduleDesign(ScheduleRequest{DesignID: designID, Duration: 30, StartTime: start})
	require.NoError(t, err)

	// Re-saving with the same start time is not a conflict with itself.
	err = engine.UpdateScheduled(scheduleID, ScheduleRequest{
		DesignID:  designID,
		Duration:  60,
		StartTime: start,
	})
	require.NoError(t, err)

	item, err := ds.GetScheduledItem(scheduleID)
	require.NoError(t, err)
	assert.Equal(t, 60, item.Duration)
}

func TestUpdateScheduledUnknownIsNotFound(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	err := engine.UpdateScheduled(9999, ScheduleRequest{
		DesignID:  designID,
		Duration:  30,
		StartTime: clock.Add(time.Hour),
	})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryNotFound, errors.CategoryOf(err))
}

func TestProcessDuePromotesAndActivates(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 4, true)

	start := clock.Add(time.Minute)
	scheduleID, err := engine.ScheduleDesign(ScheduleRequest{
		DesignID:        designID,
		Duration:        30,
		StartTime:       start,
		OverrideCurrent: true,
	})
	require.NoError(t, err)

	// Not due yet.
	promoted, err := engine.ProcessDue()
	require.NoError(t, err)
	assert.Zero(t, promoted)

	*clock = clock.Add(2 * time.Minute)
	promoted, err = engine.ProcessDue()
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	// Schedule row consumed, item on screen with a full slot.
	_, err = ds.GetScheduledItem(scheduleID)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryNotFound, errors.CategoryOf(err))

	require.NotNil(t, activeItemID(t, ds))
	left := engine.TimeLeft()
	require.NotNil(t, left)
	assert.InDelta(t, 30, *left, 0.01)

	history, err := ds.GetUserHistory(4)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "active", history[0].Status)
}

func TestRestoreResumesActiveState(t *testing.T) {
	t.Parallel()
	engine, ds, clock := newTestEngine(t)
	designID := seedDesign(t, ds, 1, true)

	itemID, err := engine.AddUnscheduled(AddRequest{DesignID: designID, Duration: 30})
	require.NoError(t, err)

	*clock = clock.Add(12 * time.Second)

	// A second engine on the same database picks up where the first left off.
	restored := New(ds, engine.settings, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	restored.nowFn = engine.nowFn
	require.NoError(t, restored.Restore())

	image, left, err := restored.CurrentImage()
	require.NoError(t, err)
	require.NotNil(t, image)
	assert.Equal(t, itemID, image.Item.ID)
	require.NotNil(t, left)
	assert.InDelta(t, 18, *left, 0.01, "time left continues from the persisted activation")
}
