package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RGBOARD/webapp/internal/conf"
)

// createDatabase initializes a temporary SQLite database for testing.
func createDatabase(t *testing.T) Interface {
	t.Helper()

	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = t.TempDir() + "/test.db"

	store := New(settings)
	require.NoError(t, store.Open(), "Failed to open database")

	t.Cleanup(func() {
		assert.NoError(t, store.Close(), "Failed to close datastore")
	})

	return store
}

// seedDesign stores an approved design for userID and returns its ID.
func seedDesign(t *testing.T, ds Interface, userID uint) uint {
	t.Helper()

	design := &Design{
		UserID:     userID,
		Title:      "test design",
		PixelData:  `{"pixels":[[0,0,"#ff0000"]]}`,
		IsApproved: true,
	}
	require.NoError(t, ds.SaveDesign(design))
	return design.ID
}

// addItem inserts a rotation item expiring an hour from now.
func addItem(t *testing.T, ds Interface, designID uint) *RotationItem {
	t.Helper()

	item, _, err := ds.InsertRotationItem(designID, 30, time.Now().UTC().Add(time.Hour), false)
	require.NoError(t, err)
	return item
}

// displayOrders returns the queue's display orders in queue order.
func displayOrders(t *testing.T, ds Interface) []int {
	t.Helper()

	items, err := ds.GetAllRotationItems()
	require.NoError(t, err)

	orders := make([]int, len(items))
	for i := range items {
		orders[i] = items[i].DisplayOrder
	}
	return orders
}
