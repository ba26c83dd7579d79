// schedule.go: scheduled item database operations and the promotion pass
package datastore

import (
	"time"

	"github.com/RGBOARD/webapp/internal/errors"
	"gorm.io/gorm"
)

// InsertScheduledItem creates a new scheduled item row.
func (ds *DataStore) InsertScheduledItem(item *ScheduledItem) error {
	if err := ds.DB.Create(item).Error; err != nil {
		return databaseError(err, "insert scheduled item")
	}
	return nil
}

// UpdateScheduledItem updates an existing scheduled item row.
func (ds *DataStore) UpdateScheduledItem(item *ScheduledItem) error {
	res := ds.DB.Model(&ScheduledItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{
			"design_id":        item.DesignID,
			"duration":         item.Duration,
			"start_time":       item.StartTime,
			"end_time":         item.EndTime,
			"override_current": item.OverrideCurrent,
		})
	if res.Error != nil {
		return databaseError(res.Error, "update scheduled item")
	}
	if res.RowsAffected == 0 {
		return scheduleNotFound(item.ID)
	}
	return nil
}

// GetScheduledItem retrieves a scheduled item with its design by ID.
func (ds *DataStore) GetScheduledItem(id uint) (*ScheduledItem, error) {
	var item ScheduledItem
	if err := ds.DB.Preload("Design").First(&item, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, scheduleNotFound(id)
		}
		return nil, databaseError(err, "get scheduled item")
	}
	return &item, nil
}

// GetScheduledItems returns all pending scheduled items ordered by start time.
func (ds *DataStore) GetScheduledItems() ([]ScheduledItem, error) {
	var items []ScheduledItem
	err := ds.DB.Preload("Design").
		Order("start_time ASC").
		Find(&items).Error
	if err != nil {
		return nil, databaseError(err, "get scheduled items")
	}
	return items, nil
}

// GetScheduledItemsPaginated returns one page of the scheduled items joined
// with design metadata, ordered by start time.
func (ds *DataStore) GetScheduledItemsPaginated(page, pageSize int) (*SchedulePage, error) {
	var total int64
	if err := ds.DB.Model(&ScheduledItem{}).Count(&total).Error; err != nil {
		return nil, databaseError(err, "count scheduled items")
	}

	offset := (page - 1) * pageSize

	var items []ScheduledItem
	err := ds.DB.Preload("Design").
		Order("start_time ASC").
		Limit(pageSize).
		Offset(offset).
		Find(&items).Error
	if err != nil {
		return nil, databaseError(err, "get scheduled items page")
	}

	return &SchedulePage{
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		Pages:    pageCount(total, pageSize),
		Items:    items,
	}, nil
}

// RemoveScheduledItem deletes a scheduled item row.
func (ds *DataStore) RemoveScheduledItem(id uint) error {
	res := ds.DB.Delete(&ScheduledItem{}, id)
	if res.Error != nil {
		return databaseError(res.Error, "remove scheduled item")
	}
	if res.RowsAffected == 0 {
		return scheduleNotFound(id)
	}
	return nil
}

// PromoteDueScheduledItems moves every scheduled item whose start time has
// arrived into the rotation queue. The whole pass commits as one
// transaction: rotation inserts, override shifts, active pointer changes and
// scheduled-item deletions either all land or none do. Items are processed
// in start time order, so when several override items are due at once the
// latest one ends up on screen, matching how the insertions would have
// applied one at a time.
func (ds *DataStore) PromoteDueScheduledItems(now time.Time, defaultTTL time.Duration) (*PromotionResult, error) {
	result := &PromotionResult{}

	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		var due []ScheduledItem
		err := tx.Where("start_time <= ?", now).
			Order("start_time ASC").
			Find(&due).Error
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		for i := range due {
			item := &due[i]

			expiry := now.Add(defaultTTL)
			if item.EndTime != nil {
				expiry = *item.EndTime
			}

			displayOrder, err := insertionOrder(tx, item.OverrideCurrent, now)
			if err != nil {
				return err
			}

			inserted := RotationItem{
				DesignID:     item.DesignID,
				Duration:     item.Duration,
				DisplayOrder: displayOrder,
				ExpiryTime:   expiry,
			}
			if err := tx.Create(&inserted).Error; err != nil {
				return err
			}

			if item.OverrideCurrent {
				if err := setActiveTx(tx, &inserted.ID, now); err != nil {
					return err
				}
				id := inserted.ID
				result.ActiveItemID = &id
				result.ActivatedAt = now
				result.OverrideApplied = true
			}

			if err := tx.Delete(&ScheduledItem{}, item.ID).Error; err != nil {
				return err
			}

			result.Promoted = append(result.Promoted, PromotedItem{
				ScheduleID: item.ID,
				ItemID:     inserted.ID,
				DesignID:   item.DesignID,
				Override:   item.OverrideCurrent,
			})
		}
		return nil
	})
	if err != nil {
		return nil, databaseError(err, "promote due scheduled items")
	}
	return result, nil
}

// scheduleNotFound builds the canonical not-found error for scheduled items.
func scheduleNotFound(id uint) error {
	return errors.Newf("scheduled item %d not found", id).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context("schedule_id", id).
		Build()
}
