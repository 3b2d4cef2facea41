package routes

import (
	"errors"
	"net/http"

	"github.com/RhizApp/rhizproto/internal/server/middleware"
	"github.com/RhizApp/rhizproto/pkg/common"
	pgdb "github.com/RhizApp/rhizproto/pkg/db/pgx"

	_ "github.com/go-playground/validator"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
)

// GetConvictionHandler returns the persisted conviction score for a
// relationship. A target without indexed attestations has no score row.
func GetConvictionHandler(c echo.Context) error {
	type getConvictionParams struct {
		Rid string `param:"rid" validate:"required"`
	}

	params := new(getConvictionParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	ctx := c.Request().Context()
	conn := c.(*middleware.AppContext).App.DBConn
	q := pgdb.New(conn)

	score, err := q.GetConvictionScore(ctx, params.Rid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "No conviction score for " + params.Rid})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusOK, score)
}

// GetAttestationsHandler lists the attestations indexed against a
// relationship, newest keyset page first.
func GetAttestationsHandler(c echo.Context) error {
	type getAttestationsParams struct {
		Rid           string `param:"rid" validate:"required"`
		Type          string `query:"type"`
		MinConfidence int32  `query:"min_confidence" validate:"omitempty,min=0,max=100"`
		Limit         int32  `query:"limit" validate:"omitempty,min=1,max=200"`
		Cursor        string `query:"cursor"`
	}

	type getAttestationsResponse struct {
		Attestations []pgdb.Attestation `json:"attestations"`
		Cursor       string             `json:"cursor,omitempty"`
	}

	params := new(getAttestationsParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if params.Limit == 0 {
		params.Limit = 50
	}
	if params.Type != "" && !common.ValidAttestationType(common.AttestationType(params.Type)) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Unknown attestation type: " + params.Type})
	}

	ctx := c.Request().Context()
	conn := c.(*middleware.AppContext).App.DBConn
	q := pgdb.New(conn)

	// Fetch one extra row to decide whether another page exists.
	rows, err := q.ListAttestationsFiltered(ctx, pgdb.ListAttestationsFilteredParams{
		TargetRid:     params.Rid,
		Type:          params.Type,
		MinConfidence: params.MinConfidence,
		AfterAid:      params.Cursor,
		Limit:         params.Limit + 1,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	next := ""
	if int32(len(rows)) > params.Limit {
		rows = rows[:params.Limit]
		next = rows[len(rows)-1].Aid
	}

	return c.JSON(http.StatusOK, getAttestationsResponse{
		Attestations: rows,
		Cursor:       next,
	})
}
