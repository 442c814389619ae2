package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dispatch/pkg/models"
)

// enqueueReviewHandler handles POST /reviews. Idempotent per work
// unit: resubmitting while an open review exists returns the open one.
func (s *Server) enqueueReviewHandler(c *echo.Context) error {
	var req models.EnqueueReviewRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	item, err := s.svc.Reviews.Enqueue(c.Request().Context(), req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, item)
}

// listReviewsHandler handles GET /reviews.
func (s *Server) listReviewsHandler(c *echo.Context) error {
	f := models.ReviewFilters{Status: c.QueryParam("status")}
	if v := c.QueryParam("project_number"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return badRequest(c, "invalid project_number")
		}
		f.ProjectNumber = n
	}
	items, err := s.svc.Reviews.List(c.Request().Context(), f)
	if err != nil {
		return s.respondError(c, err)
	}
	if items == nil {
		items = []*models.ReviewItem{}
	}
	return c.JSON(http.StatusOK, items)
}

// reviewStatsHandler handles GET /reviews/stats.
func (s *Server) reviewStatsHandler(c *echo.Context) error {
	stats, err := s.svc.Reviews.Stats(c.Request().Context())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// claimReviewHandler handles POST /reviews/:id/claim. First reviewer
// wins; the loser gets a ReviewAlreadyClaimed conflict.
func (s *Server) claimReviewHandler(c *echo.Context) error {
	reviewID := c.Param("id")
	if reviewID == "" {
		return badRequest(c, "review id is required")
	}
	item, err := s.svc.Reviews.Claim(c.Request().Context(), reviewID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, item)
}

// reviewStatusHandler handles POST /reviews/:id/status. Rejection
// requires feedback; a rejected review re-enters the queue as pending.
func (s *Server) reviewStatusHandler(c *echo.Context) error {
	reviewID := c.Param("id")
	if reviewID == "" {
		return badRequest(c, "review id is required")
	}
	var req models.UpdateReviewStatusRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	item, err := s.svc.Reviews.UpdateStatus(c.Request().Context(), reviewID, req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, item)
}

// releaseReviewHandler handles POST /reviews/:id/release. Returns a
// claimed review to pending without a verdict.
func (s *Server) releaseReviewHandler(c *echo.Context) error {
	reviewID := c.Param("id")
	if reviewID == "" {
		return badRequest(c, "review id is required")
	}
	item, err := s.svc.Reviews.ReleaseClaim(c.Request().Context(), reviewID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, item)
}
