package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/RhizApp/rhizproto/internal/server/middleware"
	"github.com/RhizApp/rhizproto/pkg/common"
	"github.com/RhizApp/rhizproto/pkg/graphstore"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
)

// GetNeighborsHandler lists the direct edges of an entity from the current
// graph snapshot, strongest first, with keyset pagination on rid.
func GetNeighborsHandler(c echo.Context) error {
	type getNeighborsParams struct {
		Did         string `param:"did" validate:"required"`
		MinStrength int    `query:"min_strength" validate:"omitempty,min=0,max=100"`
		Types       string `query:"types"`
		Limit       int    `query:"limit" validate:"omitempty,min=1,max=200"`
		Cursor      string `query:"cursor"`
	}

	type neighbor struct {
		Did             string    `json:"did"`
		Rid             string    `json:"rid"`
		Type            string    `json:"type"`
		Strength        int       `json:"strength"`
		Conviction      int       `json:"conviction"`
		EffectiveWeight float64   `json:"effective_weight"`
		LastInteraction time.Time `json:"last_interaction"`
	}

	type getNeighborsResponse struct {
		Neighbors []neighbor `json:"neighbors"`
		Cursor    string     `json:"cursor,omitempty"`
	}

	params := new(getNeighborsParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if params.Limit == 0 {
		params.Limit = 50
	}

	var types []common.RelationshipType
	if params.Types != "" {
		for _, t := range strings.Split(params.Types, ",") {
			rt := common.RelationshipType(strings.TrimSpace(t))
			if !common.ValidRelationshipType(rt) {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Unknown relationship type: " + t})
			}
			types = append(types, rt)
		}
	}

	snap := c.(*middleware.AppContext).App.Graph.Snapshot()
	edges := snap.Neighbors(params.Did, graphstore.NeighborFilter{
		Types:       types,
		MinStrength: params.MinStrength,
	})

	// The snapshot ordering is stable, so the cursor is the last rid of the
	// previous page.
	if params.Cursor != "" {
		skip := 0
		for i, e := range edges {
			if e.RID == params.Cursor {
				skip = i + 1
				break
			}
		}
		edges = edges[skip:]
	}

	next := ""
	if len(edges) > params.Limit {
		edges = edges[:params.Limit]
		next = edges[len(edges)-1].RID
	}

	neighbors := make([]neighbor, 0, len(edges))
	for _, e := range edges {
		neighbors = append(neighbors, neighbor{
			Did:             e.Other(params.Did),
			Rid:             e.RID,
			Type:            string(e.Type),
			Strength:        e.Strength,
			Conviction:      e.Conviction,
			EffectiveWeight: e.EffectiveWeight(),
			LastInteraction: e.LastInteraction,
		})
	}

	return c.JSON(http.StatusOK, getNeighborsResponse{
		Neighbors: neighbors,
		Cursor:    next,
	})
}
