package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/RGBOARD/webapp/internal/errors"
	"github.com/RGBOARD/webapp/internal/rotation"
)

const currentImageCacheKey = "current-image"

// initRotationRoutes registers the rotation queue endpoints.
func (c *Controller) initRotationRoutes() {
	g := c.Group.Group("/rotation")

	g.GET("/current", c.GetCurrentImage)
	g.POST("/rotate", c.RotateToNext)

	g.GET("/items", c.GetRotationItems)
	g.POST("/items", c.AddRotationItem)
	g.DELETE("/items/:id", c.RemoveRotationItem)
	g.POST("/items/:id/reorder", c.ReorderRotationItem)

	g.GET("/history/:userID", c.GetUserHistory)
}

// currentImageResponse is what the panels poll for.
type currentImageResponse struct {
	ItemID      uint     `json:"item_id"`
	DesignID    uint     `json:"design_id"`
	Title       string   `json:"title"`
	PixelData   string   `json:"pixel_data"`
	Duration    int      `json:"duration"`
	ActivatedAt string   `json:"activated_at"`
	TimeLeft    *float64 `json:"time_left"`
}

// GetCurrentImage returns the design on screen and how long it has left,
// or 404 while the rotation is empty.
func (c *Controller) GetCurrentImage(ctx echo.Context) error {
	if cached, found := c.currentCache.Get(currentImageCacheKey); found {
		return ctx.JSON(http.StatusOK, cached)
	}

	image, timeLeft, err := c.Engine.CurrentImage()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get current image")
	}
	if image == nil {
		return c.HandleError(ctx, noActiveImage(), "No image is currently active")
	}

	resp := map[string]any{
		"image": currentImageResponse{
			ItemID:      image.Item.ID,
			DesignID:    image.Design.ID,
			Title:       image.Design.Title,
			PixelData:   image.Design.PixelData,
			Duration:    image.Item.Duration,
			ActivatedAt: image.ActivatedAt.Format(time.RFC3339),
			TimeLeft:    timeLeft,
		},
		"time_left": timeLeft,
	}

	c.currentCache.SetDefault(currentImageCacheKey, resp)
	return ctx.JSON(http.StatusOK, resp)
}

// RotateToNext forces an immediate advance to the next item. 404 when the
// rotation has nothing to rotate to.
func (c *Controller) RotateToNext(ctx echo.Context) error {
	item, err := c.Engine.RotateToNext()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to rotate")
	}
	c.currentCache.Delete(currentImageCacheKey)

	if item == nil {
		return c.HandleError(ctx, noActiveImage(), "Nothing to rotate to")
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"active_item": map[string]any{
			"item_id":       item.ID,
			"design_id":     item.DesignID,
			"display_order": item.DisplayOrder,
			"duration":      item.Duration,
		},
	})
}

// GetRotationItems returns one page of the queue in display order.
func (c *Controller) GetRotationItems(ctx echo.Context) error {
	page := queryInt(ctx, "page", 1)
	pageSize := queryInt(ctx, "page_size", c.Settings.Rotation.PageSize)

	result, err := c.DS.GetRotationItemsPaginated(page, pageSize)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list rotation items")
	}
	return ctx.JSON(http.StatusOK, result)
}

// addItemRequest is the body for POST /rotation/items.
type addItemRequest struct {
	DesignID        uint       `json:"design_id"`
	Duration        int        `json:"duration"`
	EndTime         *time.Time `json:"end_time"`
	OverrideCurrent bool       `json:"override_current"`
}

// AddRotationItem inserts a design directly into the queue.
func (c *Controller) AddRotationItem(ctx echo.Context) error {
	var req addItemRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, badRequest("invalid request body"), "Invalid request body")
	}
	if req.DesignID == 0 {
		return c.HandleError(ctx, badRequest("design_id is required"), "design_id is required")
	}

	itemID, err := c.Engine.AddUnscheduled(toAddRequest(req))
	if err != nil {
		return c.HandleError(ctx, err, "Failed to add design to rotation")
	}
	c.currentCache.Delete(currentImageCacheKey)

	return ctx.JSON(http.StatusCreated, map[string]any{"item_id": itemID})
}

// RemoveRotationItem deletes a queue item.
func (c *Controller) RemoveRotationItem(ctx echo.Context) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid item ID")
	}

	if err := c.Engine.RemoveItem(id); err != nil {
		return c.HandleError(ctx, err, "Failed to remove rotation item")
	}
	c.currentCache.Delete(currentImageCacheKey)

	return ctx.JSON(http.StatusOK, map[string]any{"removed": id})
}

// ReorderRotationItem moves an item to a new display position.
func (c *Controller) ReorderRotationItem(ctx echo.Context) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid item ID")
	}

	var req struct {
		NewOrder int `json:"new_order"`
	}
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, badRequest("invalid request body"), "Invalid request body")
	}

	if err := c.Engine.Reorder(id, req.NewOrder); err != nil {
		return c.HandleError(ctx, err, "Failed to reorder rotation item")
	}
	return ctx.JSON(http.StatusOK, map[string]any{"item_id": id, "new_order": req.NewOrder})
}

// GetUserHistory lists a user's rotation items, past and present.
func (c *Controller) GetUserHistory(ctx echo.Context) error {
	userID, err := pathID(ctx, "userID")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid user ID")
	}

	entries, err := c.DS.GetUserHistory(userID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get user history")
	}
	return ctx.JSON(http.StatusOK, map[string]any{"history": entries})
}

func toAddRequest(req addItemRequest) rotation.AddRequest {
	return rotation.AddRequest{
		DesignID:        req.DesignID,
		Duration:        req.Duration,
		EndTime:         req.EndTime,
		OverrideCurrent: req.OverrideCurrent,
	}
}

func queryInt(ctx echo.Context, name string, def int) int {
	raw := ctx.QueryParam(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func pathID(ctx echo.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(ctx.Param(name), 10, 32)
	if err != nil {
		return 0, badRequest("invalid ID in path")
	}
	return uint(v), nil
}

func noActiveImage() error {
	return errors.Newf("the rotation is empty").
		Component("api").
		Category(errors.CategoryNotFound).
		Build()
}

func badRequest(msg string) error {
	return errors.Newf("%s", msg).
		Component("api").
		Category(errors.CategoryValidation).
		Build()
}
