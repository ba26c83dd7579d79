package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/RGBOARD/webapp/internal/rotation"
)

// initScheduleRoutes registers the scheduled-item endpoints.
func (c *Controller) initScheduleRoutes() {
	g := c.Group.Group("/rotation/schedule")

	g.GET("", c.GetScheduledItems)
	g.POST("", c.ScheduleDesign)
	g.GET("/:id", c.GetScheduledItem)
	g.PUT("/:id", c.UpdateScheduledItem)
	g.DELETE("/:id", c.RemoveScheduledItem)
}

// scheduleRequest is the body for creating or updating a scheduled item.
type scheduleRequest struct {
	DesignID        uint       `json:"design_id"`
	Duration        int        `json:"duration"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	OverrideCurrent bool       `json:"override_current"`
}

// GetScheduledItems returns one page of pending scheduled items ordered by
// start time.
func (c *Controller) GetScheduledItems(ctx echo.Context) error {
	page := queryInt(ctx, "page", 1)
	pageSize := queryInt(ctx, "page_size", c.Settings.Rotation.PageSize)

	result, err := c.DS.GetScheduledItemsPaginated(page, pageSize)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list scheduled items")
	}
	return ctx.JSON(http.StatusOK, result)
}

// ScheduleDesign queues a design for future insertion. A start-minute
// collision yields 409 with a suggested alternative slot.
func (c *Controller) ScheduleDesign(ctx echo.Context) error {
	req, err := bindScheduleRequest(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid request body")
	}

	scheduleID, err := c.Engine.ScheduleDesign(*req)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to schedule design")
	}
	return ctx.JSON(http.StatusCreated, map[string]any{"schedule_id": scheduleID})
}

// GetScheduledItem returns a single scheduled item with its design.
func (c *Controller) GetScheduledItem(ctx echo.Context) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid schedule ID")
	}

	item, err := c.DS.GetScheduledItem(id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get scheduled item")
	}
	return ctx.JSON(http.StatusOK, item)
}

// UpdateScheduledItem replaces the values of a pending scheduled item,
// re-running validation and the conflict scan.
func (c *Controller) UpdateScheduledItem(ctx echo.Context) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid schedule ID")
	}

	req, err := bindScheduleRequest(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid request body")
	}

	if err := c.Engine.UpdateScheduled(id, *req); err != nil {
		return c.HandleError(ctx, err, "Failed to update scheduled item")
	}
	return ctx.JSON(http.StatusOK, map[string]any{"schedule_id": id})
}

// RemoveScheduledItem deletes a pending scheduled item.
func (c *Controller) RemoveScheduledItem(ctx echo.Context) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid schedule ID")
	}

	if err := c.Engine.RemoveScheduled(id); err != nil {
		return c.HandleError(ctx, err, "Failed to remove scheduled item")
	}
	return ctx.JSON(http.StatusOK, map[string]any{"removed": id})
}

func bindScheduleRequest(ctx echo.Context) (*rotation.ScheduleRequest, error) {
	var req scheduleRequest
	if err := ctx.Bind(&req); err != nil {
		return nil, badRequest("invalid request body")
	}
	if req.DesignID == 0 {
		return nil, badRequest("design_id is required")
	}
	if req.StartTime.IsZero() {
		return nil, badRequest("start_time is required")
	}
	return &rotation.ScheduleRequest{
		DesignID:        req.DesignID,
		Duration:        req.Duration,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		OverrideCurrent: req.OverrideCurrent,
	}, nil
}
