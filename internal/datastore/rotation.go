// rotation.go: rotation queue and active item database operations
package datastore

import (
	"time"

	"github.com/RGBOARD/webapp/internal/errors"
	"gorm.io/gorm"
)

// activeRowID is the fixed primary key of the active-item singleton row.
const activeRowID = 1

// GetDesign retrieves a design by its ID.
func (ds *DataStore) GetDesign(id uint) (*Design, error) {
	var design Design
	if err := ds.DB.First(&design, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Newf("design %d not found", id).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Context("design_id", id).
				Build()
		}
		return nil, databaseError(err, "get design")
	}
	return &design, nil
}

// DesignExists reports whether a design row exists.
func (ds *DataStore) DesignExists(id uint) (bool, error) {
	var count int64
	if err := ds.DB.Model(&Design{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, databaseError(err, "check design existence")
	}
	return count > 0, nil
}

// SaveDesign inserts or updates a design row.
func (ds *DataStore) SaveDesign(design *Design) error {
	if err := ds.DB.Save(design).Error; err != nil {
		return databaseError(err, "save design")
	}
	return nil
}

// RecordUploadAttempt writes an upload history row. Callers treat this as
// fire-and-forget; a failure here must never abort the operation that
// produced it.
func (ds *DataStore) RecordUploadAttempt(designID uint, attemptTime time.Time, status string) error {
	entry := UploadHistory{
		DesignID:    designID,
		AttemptTime: attemptTime,
		Status:      status,
	}
	if err := ds.DB.Create(&entry).Error; err != nil {
		return databaseError(err, "record upload attempt")
	}
	return nil
}

// GetRotationItem retrieves a rotation item by its ID.
func (ds *DataStore) GetRotationItem(itemID uint) (*RotationItem, error) {
	var item RotationItem
	if err := ds.DB.First(&item, itemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, itemNotFound(itemID)
		}
		return nil, databaseError(err, "get rotation item")
	}
	return &item, nil
}

// GetFirstRotationItem returns the item with the lowest display order, or nil
// when the rotation is empty.
func (ds *DataStore) GetFirstRotationItem() (*RotationItem, error) {
	var item RotationItem
	err := ds.DB.Order("display_order ASC").First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, databaseError(err, "get first rotation item")
	}
	return &item, nil
}

// GetNextRotationItem returns the item with the smallest display order
// strictly greater than afterOrder, or nil if none exists.
func (ds *DataStore) GetNextRotationItem(afterOrder int) (*RotationItem, error) {
	var item RotationItem
	err := ds.DB.Where("display_order > ?", afterOrder).
		Order("display_order ASC").
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, databaseError(err, "get next rotation item")
	}
	return &item, nil
}

// GetAllRotationItems returns all rotation items with their designs in
// display order.
func (ds *DataStore) GetAllRotationItems() ([]RotationItem, error) {
	var items []RotationItem
	err := ds.DB.Preload("Design").
		Order("display_order ASC").
		Find(&items).Error
	if err != nil {
		return nil, databaseError(err, "get all rotation items")
	}
	return items, nil
}

// CountRotationItems returns the number of items in the rotation queue.
func (ds *DataStore) CountRotationItems() (int64, error) {
	var count int64
	if err := ds.DB.Model(&RotationItem{}).Count(&count).Error; err != nil {
		return 0, databaseError(err, "count rotation items")
	}
	return count, nil
}

// GetRotationItemsPaginated returns one page of the rotation queue joined
// with design metadata, ordered by display order.
func (ds *DataStore) GetRotationItemsPaginated(page, pageSize int) (*RotationPage, error) {
	var total int64
	if err := ds.DB.Model(&RotationItem{}).Count(&total).Error; err != nil {
		return nil, databaseError(err, "count rotation items")
	}

	offset := (page - 1) * pageSize

	var items []RotationItem
	err := ds.DB.Preload("Design").
		Order("display_order ASC").
		Limit(pageSize).
		Offset(offset).
		Find(&items).Error
	if err != nil {
		return nil, databaseError(err, "get rotation items page")
	}

	return &RotationPage{
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		Pages:    pageCount(total, pageSize),
		Items:    items,
	}, nil
}

// InsertRotationItem inserts a new item into the rotation queue as a single
// transaction. With overrideCurrent set, every item ordered after the active
// item is shifted up by one, the new item takes the freed slot and becomes
// active immediately. Otherwise the item is appended at MAX(display_order)+1.
// The returned bool reports whether the active pointer was changed.
func (ds *DataStore) InsertRotationItem(designID uint, duration int, expiry time.Time, overrideCurrent bool) (*RotationItem, bool, error) {
	now := time.Now().UTC()
	var inserted RotationItem
	activeChanged := false

	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		displayOrder, err := insertionOrder(tx, overrideCurrent, now)
		if err != nil {
			return err
		}

		inserted = RotationItem{
			DesignID:     designID,
			Duration:     duration,
			DisplayOrder: displayOrder,
			ExpiryTime:   expiry,
		}
		if err := tx.Create(&inserted).Error; err != nil {
			return err
		}

		if overrideCurrent {
			if err := setActiveTx(tx, &inserted.ID, now); err != nil {
				return err
			}
			activeChanged = true
		}
		return nil
	})
	if err != nil {
		return nil, false, databaseError(err, "insert rotation item")
	}
	return &inserted, activeChanged, nil
}

// insertionOrder computes the display order for a new item and, for override
// inserts, shifts the items behind the active one out of the way. Must run
// inside a transaction.
func insertionOrder(tx *gorm.DB, overrideCurrent bool, now time.Time) (int, error) {
	if overrideCurrent {
		activeID, err := activeItemIDTx(tx)
		if err != nil {
			return 0, err
		}
		if activeID != nil {
			var active RotationItem
			if err := tx.First(&active, *activeID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, err
			}
			currentOrder := active.DisplayOrder

			err = tx.Model(&RotationItem{}).
				Where("display_order > ?", currentOrder).
				Updates(map[string]any{
					"display_order": gorm.Expr("display_order + 1"),
					"updated_at":    now,
				}).Error
			if err != nil {
				return 0, err
			}
			return currentOrder + 1, nil
		}
		// No active item, the override insert simply leads the queue.
		return 1, nil
	}

	var maxOrder int
	err := tx.Model(&RotationItem{}).
		Select("COALESCE(MAX(display_order), 0)").
		Scan(&maxOrder).Error
	if err != nil {
		return 0, err
	}
	return maxOrder + 1, nil
}

// ReorderRotationItem moves an item to a new display order, shifting every
// item strictly between the old and new positions by one. Orders beyond the
// end of the queue clamp to the last slot so the 1..N sequence stays
// contiguous.
func (ds *DataStore) ReorderRotationItem(itemID uint, newOrder int) error {
	now := time.Now().UTC()

	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		var item RotationItem
		if err := tx.First(&item, itemID).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&RotationItem{}).Count(&count).Error; err != nil {
			return err
		}
		if newOrder > int(count) {
			newOrder = int(count)
		}

		oldOrder := item.DisplayOrder
		if newOrder == oldOrder {
			return nil
		}

		shift := tx.Model(&RotationItem{})
		if newOrder < oldOrder {
			// Moving up: everything from newOrder up to (not including)
			// oldOrder moves one slot down the queue.
			shift = shift.Where("display_order >= ? AND display_order < ?", newOrder, oldOrder).
				Updates(map[string]any{
					"display_order": gorm.Expr("display_order + 1"),
					"updated_at":    now,
				})
		} else {
			// Moving down: everything after oldOrder up to newOrder moves
			// one slot up the queue.
			shift = shift.Where("display_order <= ? AND display_order > ?", newOrder, oldOrder).
				Updates(map[string]any{
					"display_order": gorm.Expr("display_order - 1"),
					"updated_at":    now,
				})
		}
		if shift.Error != nil {
			return shift.Error
		}

		return tx.Model(&RotationItem{}).
			Where("id = ?", itemID).
			Updates(map[string]any{
				"display_order": newOrder,
				"updated_at":    now,
			}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return itemNotFound(itemID)
		}
		return databaseError(err, "reorder rotation item")
	}
	return nil
}

// RemoveRotationItem deletes an item, renumbers the remaining queue back to a
// contiguous 1..N sequence and, when the deleted item was on screen, selects
// a replacement. All of it commits as one transaction.
func (ds *DataStore) RemoveRotationItem(itemID uint) (*RemovalResult, error) {
	now := time.Now().UTC()
	result := &RemovalResult{}

	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		activeID, err := activeItemIDTx(tx)
		if err != nil {
			return err
		}

		res := tx.Delete(&RotationItem{}, itemID)
		if res.Error != nil {
			return res.Error
		}
		result.Removed = res.RowsAffected > 0
		if !result.Removed {
			return nil
		}

		if err := renumberTx(tx, now); err != nil {
			return err
		}

		if activeID != nil && *activeID == itemID {
			result.WasActive = true
			newActive, activatedAt, err := selectNewActiveTx(tx, now)
			if err != nil {
				return err
			}
			result.NewActiveItemID = newActive
			result.ActivatedAt = activatedAt
		}
		return nil
	})
	if err != nil {
		return nil, databaseError(err, "remove rotation item")
	}
	if !result.Removed {
		return nil, itemNotFound(itemID)
	}
	return result, nil
}

// RemoveExpiredItems deletes every rotation item whose expiry time has
// passed, renumbers the survivors and reselects the active item when the one
// on screen was swept away. Returns the IDs removed.
func (ds *DataStore) RemoveExpiredItems(now time.Time) (*SweepResult, error) {
	result := &SweepResult{}

	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		activeID, err := activeItemIDTx(tx)
		if err != nil {
			return err
		}

		var expired []RotationItem
		if err := tx.Where("expiry_time <= ?", now).Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		if err := tx.Where("expiry_time <= ?", now).Delete(&RotationItem{}).Error; err != nil {
			return err
		}

		for i := range expired {
			result.RemovedIDs = append(result.RemovedIDs, expired[i].ID)
			if activeID != nil && *activeID == expired[i].ID {
				result.WasActive = true
			}
		}

		if err := renumberTx(tx, now); err != nil {
			return err
		}

		if result.WasActive {
			newActive, activatedAt, err := selectNewActiveTx(tx, now)
			if err != nil {
				return err
			}
			result.NewActiveItemID = newActive
			result.ActivatedAt = activatedAt
		}
		return nil
	})
	if err != nil {
		return nil, databaseError(err, "remove expired items")
	}
	return result, nil
}

// GetActiveState reads the active-item singleton row.
func (ds *DataStore) GetActiveState() (*ActiveItem, error) {
	var state ActiveItem
	if err := ds.DB.First(&state, activeRowID).Error; err != nil {
		return nil, databaseError(err, "get active state")
	}
	return &state, nil
}

// SetActiveItem points the active-item row at the given rotation item.
// Passing nil marks the rotation as empty.
func (ds *DataStore) SetActiveItem(itemID *uint, activatedAt time.Time) error {
	err := ds.DB.Model(&ActiveItem{}).
		Where("id = ?", activeRowID).
		Updates(map[string]any{
			"item_id":      itemID,
			"activated_at": activatedAt,
		}).Error
	if err != nil {
		return databaseError(err, "set active item")
	}
	return nil
}

// GetActiveImage returns the currently displayed item joined with its design,
// or nil when nothing is active.
func (ds *DataStore) GetActiveImage() (*ActiveImage, error) {
	state, err := ds.GetActiveState()
	if err != nil {
		return nil, err
	}
	if state.ItemID == nil {
		return nil, nil
	}

	var item RotationItem
	err = ds.DB.Preload("Design").First(&item, *state.ItemID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Stale pointer, treat as empty; the next rotation pass heals it.
			return nil, nil
		}
		return nil, databaseError(err, "get active image")
	}

	return &ActiveImage{
		Item:        item,
		Design:      item.Design,
		ActivatedAt: state.ActivatedAt,
	}, nil
}

// GetUserHistory returns the rotation queue history for designs submitted by
// the given user, most recent first.
func (ds *DataStore) GetUserHistory(userID uint) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := ds.DB.Model(&RotationItem{}).
		Select(`rotation_items.id AS item_id,
			rotation_items.created_at AS created_at,
			rotation_items.duration AS duration,
			rotation_items.display_order AS display_order,
			rotation_items.expiry_time AS expiry_time,
			CASE WHEN rotation_items.expiry_time > ? THEN 'active' ELSE 'expired' END AS status,
			designs.title AS title,
			designs.pixel_data AS pixel_data`, time.Now().UTC()).
		Joins("JOIN designs ON designs.id = rotation_items.design_id").
		Where("designs.user_id = ?", userID).
		Order("rotation_items.created_at DESC").
		Scan(&entries).Error
	if err != nil {
		return nil, databaseError(err, "get user history")
	}
	return entries, nil
}

// activeItemIDTx reads the active item pointer inside a transaction.
func activeItemIDTx(tx *gorm.DB) (*uint, error) {
	var state ActiveItem
	if err := tx.First(&state, activeRowID).Error; err != nil {
		return nil, err
	}
	return state.ItemID, nil
}

// setActiveTx updates the active pointer inside a transaction.
func setActiveTx(tx *gorm.DB, itemID *uint, activatedAt time.Time) error {
	return tx.Model(&ActiveItem{}).
		Where("id = ?", activeRowID).
		Updates(map[string]any{
			"item_id":      itemID,
			"activated_at": activatedAt,
		}).Error
}

// selectNewActiveTx points the active row at the item with the lowest display
// order, or clears it when the queue is empty. Must run inside a transaction.
func selectNewActiveTx(tx *gorm.DB, now time.Time) (*uint, time.Time, error) {
	var first RotationItem
	err := tx.Order("display_order ASC").First(&first).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := setActiveTx(tx, nil, now); err != nil {
				return nil, now, err
			}
			return nil, now, nil
		}
		return nil, now, err
	}

	if err := setActiveTx(tx, &first.ID, now); err != nil {
		return nil, now, err
	}
	return &first.ID, now, nil
}

// renumberTx rewrites display orders to a contiguous 1..N sequence keeping
// the current relative order. Must run inside a transaction.
func renumberTx(tx *gorm.DB, now time.Time) error {
	var items []RotationItem
	if err := tx.Order("display_order ASC").Find(&items).Error; err != nil {
		return err
	}
	for i := range items {
		if items[i].DisplayOrder == i+1 {
			continue
		}
		err := tx.Model(&RotationItem{}).
			Where("id = ?", items[i].ID).
			Updates(map[string]any{
				"display_order": i + 1,
				"updated_at":    now,
			}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// pageCount computes the number of pages for a total row count.
func pageCount(total int64, pageSize int) int {
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}

// itemNotFound builds the canonical not-found error for rotation items.
func itemNotFound(itemID uint) error {
	return errors.Newf("rotation item %d not found", itemID).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context("item_id", itemID).
		Build()
}

// databaseError wraps a gorm error with the database category.
func databaseError(err error, operation string) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Build()
}
