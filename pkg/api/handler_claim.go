package api

import (
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dispatch/pkg/models"
)

// claimHandler handles POST /claims. Idempotent for the holding agent;
// a different agent gets a DuplicateClaim conflict naming the holder.
func (s *Server) claimHandler(c *echo.Context) error {
	var req models.ClaimRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	claim, err := s.svc.Claims.Claim(c.Request().Context(), req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, claim)
}

// listClaimsHandler handles GET /claims.
func (s *Server) listClaimsHandler(c *echo.Context) error {
	var f models.ClaimFilters
	if v := c.QueryParam("project_number"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return badRequest(c, "invalid project_number")
		}
		f.ProjectNumber = n
	}
	f.AgentID = c.QueryParam("agent_id")

	claims, err := s.svc.Claims.List(c.Request().Context(), f)
	if err != nil {
		return s.respondError(c, err)
	}
	if claims == nil {
		claims = []*models.ProjectClaim{}
	}
	return c.JSON(http.StatusOK, claims)
}

// getClaimHandler handles GET /claims/:projectNumber/:issueNumber.
func (s *Server) getClaimHandler(c *echo.Context) error {
	projectNumber, issueNumber, err := claimKey(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	claim, err := s.svc.Claims.Get(c.Request().Context(), projectNumber, issueNumber)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, claim)
}

// releaseClaimHandler handles DELETE /claims/:projectNumber/:issueNumber.
// Idempotent: releasing an unclaimed unit succeeds.
func (s *Server) releaseClaimHandler(c *echo.Context) error {
	projectNumber, issueNumber, err := claimKey(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.svc.Claims.Release(c.Request().Context(), projectNumber, issueNumber); err != nil {
		return s.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func claimKey(c *echo.Context) (int, int, error) {
	projectNumber, err := strconv.Atoi(c.Param("projectNumber"))
	if err != nil || projectNumber <= 0 {
		return 0, 0, errors.New("invalid project number")
	}
	issueNumber, err := strconv.Atoi(c.Param("issueNumber"))
	if err != nil || issueNumber <= 0 {
		return 0, 0, errors.New("invalid issue number")
	}
	return projectNumber, issueNumber, nil
}
