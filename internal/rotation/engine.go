// Package rotation implements the display rotation engine: the ordered
// queue of designs shown on the panels, the promotion of scheduled items
// into it, and the active-item state machine that decides what is on
// screen right now.
package rotation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RGBOARD/webapp/internal/conf"
	"github.com/RGBOARD/webapp/internal/datastore"
	"github.com/RGBOARD/webapp/internal/errors"
)

// ScheduleConflictError is returned when a schedule request collides with an
// existing scheduled item at minute precision. It carries the next free slot
// so the API can hand it back to the caller.
type ScheduleConflictError struct {
	StartTime     time.Time
	SuggestedTime time.Time
}

func (e *ScheduleConflictError) Error() string {
	return fmt.Sprintf("another item is already scheduled for %s", e.StartTime.Format(time.RFC3339))
}

// ErrorCategory marks the error as a conflict for HTTP status mapping.
func (e *ScheduleConflictError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryConflict
}

// AddRequest describes a direct, unscheduled insertion into the rotation.
type AddRequest struct {
	DesignID        uint
	Duration        int // seconds; zero means the configured default
	EndTime         *time.Time
	OverrideCurrent bool
}

// ScheduleRequest describes a future insertion.
type ScheduleRequest struct {
	DesignID        uint
	Duration        int
	StartTime       time.Time
	EndTime         *time.Time
	OverrideCurrent bool
}

// Engine owns the rotation state. It is the single writer for the active
// item pointer: HTTP handlers and the background maintenance jobs all go
// through it, and its mutex serializes them. Persistence happens through the
// datastore so the state survives restarts.
type Engine struct {
	ds       datastore.Interface
	settings *conf.Settings
	logger   *slog.Logger
	metrics  *Metrics

	mu             sync.Mutex
	activeID       *uint
	activatedAt    time.Time
	activeDuration int

	nowFn func() time.Time
}

// New creates a rotation engine on top of the given datastore. The metrics
// argument may be nil.
func New(ds datastore.Interface, settings *conf.Settings, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ds:       ds,
		settings: settings,
		logger:   logger.With("service", "rotation"),
		metrics:  metrics,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// Restore loads the persisted active pointer so the engine resumes where the
// previous process stopped. A pointer at a vanished item is cleared.
func (e *Engine) Restore() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.ds.GetActiveState()
	if err != nil {
		return err
	}
	if state.ItemID == nil {
		e.activeID = nil
		return e.ensureActiveLocked()
	}

	item, err := e.ds.GetRotationItem(*state.ItemID)
	if err != nil {
		if errors.CategoryOf(err) == errors.CategoryNotFound {
			e.activeID = nil
			if err := e.ds.SetActiveItem(nil, e.nowFn()); err != nil {
				return err
			}
			return e.ensureActiveLocked()
		}
		return err
	}

	e.activeID = state.ItemID
	e.activatedAt = state.ActivatedAt
	e.activeDuration = item.Duration
	e.logger.Info("restored active item", "item_id", *state.ItemID, "activated_at", state.ActivatedAt)
	return nil
}

// CurrentImage returns the item on screen joined with its design, plus the
// seconds left in its slot. Both are nil when the rotation is empty.
func (e *Engine) CurrentImage() (*datastore.ActiveImage, *float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeID == nil {
		return nil, nil, nil
	}

	image, err := e.ds.GetActiveImage()
	if err != nil {
		return nil, nil, err
	}
	if image == nil {
		return nil, nil, nil
	}

	left := e.timeLeftLocked()
	return image, left, nil
}

// TimeLeft returns the seconds remaining for the active item, clamped at
// zero, or nil when nothing is active.
func (e *Engine) TimeLeft() *float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeLeftLocked()
}

func (e *Engine) timeLeftLocked() *float64 {
	if e.activeID == nil {
		return nil
	}
	elapsed := e.nowFn().Sub(e.activatedAt).Seconds()
	left := float64(e.activeDuration) - elapsed
	if left < 0 {
		left = 0
	}
	return &left
}

// AddUnscheduled inserts a design straight into the rotation queue and
// returns the new item ID. With OverrideCurrent set the item is placed right
// after the active one and takes the screen immediately.
func (e *Engine) AddUnscheduled(req AddRequest) (uint, error) {
	duration := req.Duration
	if duration == 0 {
		duration = e.settings.Rotation.DefaultDuration
	}
	if err := e.validateDesign(req.DesignID, duration); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowFn()
	expiry := now.Add(e.settings.Rotation.DefaultTTL())
	if req.EndTime != nil {
		expiry = req.EndTime.UTC()
	}

	item, activeChanged, err := e.ds.InsertRotationItem(req.DesignID, duration, expiry, req.OverrideCurrent)
	if err != nil {
		e.recordAttempt(req.DesignID, datastore.UploadStatusFailed)
		return 0, err
	}

	if activeChanged {
		e.setMirror(&item.ID, now, item.Duration)
		e.metrics.rotation()
	}
	if err := e.ensureActiveLocked(); err != nil {
		e.logger.Error("failed to ensure active item after add", "error", err)
	}

	e.recordAttempt(req.DesignID, datastore.UploadStatusSuccessful)
	e.updateQueueGauge()

	e.logger.Info("added design to rotation",
		"design_id", req.DesignID,
		"item_id", item.ID,
		"display_order", item.DisplayOrder,
		"override", req.OverrideCurrent)
	return item.ID, nil
}

// ScheduleDesign validates and stores a future insertion request. Start and
// end times are truncated to the minute; a request whose start minute is
// already taken is rejected with a ScheduleConflictError carrying the next
// free slot.
func (e *Engine) ScheduleDesign(req ScheduleRequest) (uint, error) {
	item, err := e.prepareSchedule(req, 0)
	if err != nil {
		return 0, err
	}

	if err := e.ds.InsertScheduledItem(item); err != nil {
		e.recordAttempt(req.DesignID, datastore.UploadStatusFailed)
		return 0, err
	}

	e.updateScheduleGauge()
	e.logger.Info("scheduled design",
		"design_id", req.DesignID,
		"schedule_id", item.ID,
		"start_time", item.StartTime)
	return item.ID, nil
}

// RemoveScheduled deletes a pending scheduled item.
func (e *Engine) RemoveScheduled(scheduleID uint) error {
	if err := e.ds.RemoveScheduledItem(scheduleID); err != nil {
		return err
	}
	e.updateScheduleGauge()
	return nil
}

// UpdateScheduled applies new values to an existing scheduled item, running
// the same validation and conflict scan but ignoring the item itself.
func (e *Engine) UpdateScheduled(scheduleID uint, req ScheduleRequest) error {
	// Ensure the item exists before validating, so callers get a 404
	// rather than a conflict for a bogus ID.
	if _, err := e.ds.GetScheduledItem(scheduleID); err != nil {
		return err
	}

	item, err := e.prepareSchedule(req, scheduleID)
	if err != nil {
		return err
	}
	item.ID = scheduleID

	return e.ds.UpdateScheduledItem(item)
}

// prepareSchedule validates a schedule request and builds the row to store.
// excludeID is skipped in the conflict scan (used by updates).
func (e *Engine) prepareSchedule(req ScheduleRequest, excludeID uint) (*datastore.ScheduledItem, error) {
	if err := e.validateDesign(req.DesignID, req.Duration); err != nil {
		return nil, err
	}

	start := req.StartTime.UTC().Truncate(time.Minute)

	var end *time.Time
	if req.EndTime != nil {
		t := req.EndTime.UTC().Truncate(time.Minute)
		if !t.After(start) {
			return nil, errors.Newf("end_time must be after start_time").
				Component("rotation").
				Category(errors.CategoryValidation).
				Build()
		}
		end = &t
	}

	existing, err := e.ds.GetScheduledItems()
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].ID == excludeID {
			continue
		}
		if existing[i].StartTime.UTC().Truncate(time.Minute).Equal(start) {
			e.metrics.conflict()
			suggested := suggestNextAvailableTime(start, existing,
				e.settings.Rotation.SuggestionStep, e.settings.Rotation.SuggestionWindow)
			return nil, &ScheduleConflictError{StartTime: start, SuggestedTime: suggested}
		}
	}

	return &datastore.ScheduledItem{
		DesignID:        req.DesignID,
		Duration:        req.Duration,
		StartTime:       start,
		EndTime:         end,
		OverrideCurrent: req.OverrideCurrent,
	}, nil
}

// RemoveItem takes an item out of the rotation. When the item was on screen
// a replacement is selected in the same transaction.
func (e *Engine) RemoveItem(itemID uint) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.ds.RemoveRotationItem(itemID)
	if err != nil {
		return err
	}
	if result.WasActive {
		e.applyReselect(result.NewActiveItemID, result.ActivatedAt)
	}
	e.updateQueueGauge()
	e.logger.Info("removed rotation item", "item_id", itemID, "was_active", result.WasActive)
	return nil
}

// Reorder moves an item to a new display position.
func (e *Engine) Reorder(itemID uint, newOrder int) error {
	if newOrder < 1 {
		return errors.Newf("display order must be positive").
			Component("rotation").
			Category(errors.CategoryValidation).
			Context("new_order", newOrder).
			Build()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ds.ReorderRotationItem(itemID, newOrder)
}

// EnsureActive promotes the lowest ordered item to the screen when the
// rotation has items but nothing is active. Calling it while something is
// already active is a no-op and does not touch the activation timestamp.
func (e *Engine) EnsureActive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensureActiveLocked()
}

func (e *Engine) ensureActiveLocked() error {
	if e.activeID != nil {
		return nil
	}
	first, err := e.ds.GetFirstRotationItem()
	if err != nil {
		return err
	}
	if first == nil {
		return nil
	}

	now := e.nowFn()
	if err := e.ds.SetActiveItem(&first.ID, now); err != nil {
		return err
	}
	e.setMirror(&first.ID, now, first.Duration)
	e.logger.Info("activated item", "item_id", first.ID, "display_order", first.DisplayOrder)
	return nil
}

// RotateToNext advances the screen to the item with the next display order,
// wrapping to the head of the queue at the tail. Returns the newly active
// item, or nil when the rotation is empty.
func (e *Engine) RotateToNext() (*datastore.RotationItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rotateToNextLocked()
}

func (e *Engine) rotateToNextLocked() (*datastore.RotationItem, error) {
	now := e.nowFn()

	if e.activeID == nil {
		if err := e.ensureActiveLocked(); err != nil {
			return nil, err
		}
		if e.activeID == nil {
			return nil, nil
		}
		item, err := e.ds.GetRotationItem(*e.activeID)
		if err != nil {
			return nil, err
		}
		return item, nil
	}

	current, err := e.ds.GetRotationItem(*e.activeID)
	if err != nil {
		if errors.CategoryOf(err) == errors.CategoryNotFound {
			// The active item vanished underneath us; start over from the
			// head of the queue.
			e.activeID = nil
			if err := e.ds.SetActiveItem(nil, now); err != nil {
				return nil, err
			}
			return e.rotateToNextLocked()
		}
		return nil, err
	}

	next, err := e.ds.GetNextRotationItem(current.DisplayOrder)
	if err != nil {
		return nil, err
	}
	if next == nil {
		// At the tail, wrap around.
		next, err = e.ds.GetFirstRotationItem()
		if err != nil {
			return nil, err
		}
	}
	if next == nil {
		e.setMirror(nil, now, 0)
		if err := e.ds.SetActiveItem(nil, now); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := e.ds.SetActiveItem(&next.ID, now); err != nil {
		return nil, err
	}
	e.setMirror(&next.ID, now, next.Duration)
	e.metrics.rotation()
	return next, nil
}

// CheckRotation advances the rotation when the active item has used up its
// slot. It is also the self-healing path: with nothing active it behaves
// like EnsureActive.
func (e *Engine) CheckRotation() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	left := e.timeLeftLocked()
	if left == nil {
		return e.ensureActiveLocked()
	}
	if *left > 0 {
		return nil
	}
	_, err := e.rotateToNextLocked()
	return err
}

// ProcessDue runs one promotion pass: every scheduled item whose start time
// has arrived is moved into the rotation as a single transaction. Returns
// the number of items promoted.
func (e *Engine) ProcessDue() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowFn()
	result, err := e.ds.PromoteDueScheduledItems(now, e.settings.Rotation.DefaultTTL())
	if err != nil {
		return 0, err
	}
	if len(result.Promoted) == 0 {
		return 0, nil
	}

	if result.OverrideApplied {
		item, err := e.ds.GetRotationItem(*result.ActiveItemID)
		if err == nil {
			e.setMirror(result.ActiveItemID, result.ActivatedAt, item.Duration)
			e.metrics.rotation()
		} else {
			e.logger.Error("promoted override item vanished", "item_id", *result.ActiveItemID, "error", err)
		}
	}

	for i := range result.Promoted {
		e.recordAttempt(result.Promoted[i].DesignID, datastore.UploadStatusSuccessful)
	}

	if err := e.ensureActiveLocked(); err != nil {
		e.logger.Error("failed to ensure active item after promotion", "error", err)
	}

	e.metrics.promotions(len(result.Promoted))
	e.updateQueueGauge()
	e.updateScheduleGauge()
	e.logger.Info("promoted scheduled items", "count", len(result.Promoted))
	return len(result.Promoted), nil
}

// SweepExpired runs one expiry pass, deleting every rotation item whose
// display window has closed. Returns the number removed.
func (e *Engine) SweepExpired() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.ds.RemoveExpiredItems(e.nowFn())
	if err != nil {
		return 0, err
	}
	if len(result.RemovedIDs) == 0 {
		return 0, nil
	}

	if result.WasActive {
		e.applyReselect(result.NewActiveItemID, result.ActivatedAt)
	}

	e.metrics.expired(len(result.RemovedIDs))
	e.updateQueueGauge()
	e.logger.Info("expired rotation items cleaned", "count", len(result.RemovedIDs))
	return len(result.RemovedIDs), nil
}

// applyReselect syncs the in-memory mirror after the datastore picked a new
// active item inside a removal or sweep transaction.
func (e *Engine) applyReselect(itemID *uint, activatedAt time.Time) {
	if itemID == nil {
		e.setMirror(nil, activatedAt, 0)
		return
	}
	item, err := e.ds.GetRotationItem(*itemID)
	if err != nil {
		e.logger.Error("reselected item vanished", "item_id", *itemID, "error", err)
		e.setMirror(nil, activatedAt, 0)
		return
	}
	e.setMirror(itemID, activatedAt, item.Duration)
	e.metrics.rotation()
}

// setMirror updates the in-memory copy of the active state. Callers must
// hold the mutex and have already persisted the change.
func (e *Engine) setMirror(itemID *uint, activatedAt time.Time, duration int) {
	e.activeID = itemID
	e.activatedAt = activatedAt
	e.activeDuration = duration
}

// validateDesign checks the design can go on the panels.
func (e *Engine) validateDesign(designID uint, duration int) error {
	if duration < e.settings.Rotation.MinDuration {
		return errors.Newf("duration must be at least %d seconds", e.settings.Rotation.MinDuration).
			Component("rotation").
			Category(errors.CategoryValidation).
			Context("duration", duration).
			Build()
	}

	design, err := e.ds.GetDesign(designID)
	if err != nil {
		if errors.CategoryOf(err) == errors.CategoryNotFound {
			e.recordAttempt(designID, datastore.UploadStatusFailed)
		}
		return err
	}
	if !design.IsApproved {
		e.recordAttempt(designID, datastore.UploadStatusFailed)
		return errors.Newf("design %d is not approved for display", designID).
			Component("rotation").
			Category(errors.CategoryValidation).
			Context("design_id", designID).
			Build()
	}
	return nil
}

// recordAttempt writes an upload history row. Failures are logged and
// swallowed; history is informational and must never abort the operation.
func (e *Engine) recordAttempt(designID uint, status string) {
	if err := e.ds.RecordUploadAttempt(designID, e.nowFn(), status); err != nil {
		e.logger.Warn("failed to record upload attempt", "design_id", designID, "status", status, "error", err)
	}
}

func (e *Engine) updateQueueGauge() {
	if e.metrics == nil {
		return
	}
	if count, err := e.ds.CountRotationItems(); err == nil {
		e.metrics.queueLength(count)
	}
}

func (e *Engine) updateScheduleGauge() {
	if e.metrics == nil {
		return
	}
	if items, err := e.ds.GetScheduledItems(); err == nil {
		e.metrics.scheduledLength(int64(len(items)))
	}
}
