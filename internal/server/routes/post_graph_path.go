package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/RhizApp/rhizproto/internal/server/middleware"
	"github.com/RhizApp/rhizproto/pkg/common"
	"github.com/RhizApp/rhizproto/pkg/logger"
	"github.com/RhizApp/rhizproto/pkg/pathfinder"

	_ "github.com/go-playground/validator"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// FindPathsHandler runs a trust path query against the current graph
// snapshot and returns up to max_paths ranked paths.
func FindPathsHandler(c echo.Context) error {
	type findPathsBody struct {
		From              string   `json:"from" validate:"required"`
		To                string   `json:"to" validate:"required"`
		MaxHops           int      `json:"max_hops" validate:"omitempty,min=1"`
		MaxPaths          int      `json:"max_paths" validate:"omitempty,min=1"`
		MinStrength       *int     `json:"min_strength" validate:"omitempty,min=0,max=100"`
		RelationshipTypes []string `json:"relationship_types"`
		ExcludeIds        []string `json:"exclude_ids"`
	}

	type findPathsResponse struct {
		QueryID string             `json:"query_id"`
		Paths   []common.GraphPath `json:"paths"`
	}

	data := new(findPathsBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	minStrength := 50
	if data.MinStrength != nil {
		minStrength = *data.MinStrength
	}

	types := make([]common.RelationshipType, 0, len(data.RelationshipTypes))
	for _, t := range data.RelationshipTypes {
		rt := common.RelationshipType(t)
		if !common.ValidRelationshipType(rt) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Unknown relationship type: " + t})
		}
		types = append(types, rt)
	}

	queryID := uuid.NewString()
	snap := c.(*middleware.AppContext).App.Graph.Snapshot()
	logger.Debug("Path query",
		"query_id", queryID, "from", data.From, "to", data.To,
		"generation", snap.Generation())

	paths, err := pathfinder.FindPaths(c.Request().Context(), snap, data.From, data.To, pathfinder.Options{
		MaxHops:     data.MaxHops,
		MaxPaths:    data.MaxPaths,
		MinStrength: minStrength,
		Types:       types,
		Exclude:     data.ExcludeIds,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return c.JSON(http.StatusRequestTimeout, map[string]string{"error": "Query cancelled"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusOK, findPathsResponse{QueryID: queryID, Paths: paths})
}
