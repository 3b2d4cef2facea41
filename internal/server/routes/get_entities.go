package routes

import (
	"errors"
	"net/http"

	"github.com/RhizApp/rhizproto/internal/server/middleware"
	pgdb "github.com/RhizApp/rhizproto/pkg/db/pgx"

	_ "github.com/go-playground/validator"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
)

func GetEntityHandler(c echo.Context) error {
	type getEntityParams struct {
		Did string `param:"did" validate:"required"`
	}

	params := new(getEntityParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	ctx := c.Request().Context()
	conn := c.(*middleware.AppContext).App.DBConn
	q := pgdb.New(conn)

	entity, err := q.GetEntity(ctx, params.Did)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Unknown entity " + params.Did})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusOK, entity)
}

func GetEntityRelationshipsHandler(c echo.Context) error {
	type getEntityRelationshipsParams struct {
		Did   string `param:"did" validate:"required"`
		Limit int32  `query:"limit" validate:"omitempty,min=1,max=200"`
	}

	type getEntityRelationshipsResponse struct {
		Relationships []pgdb.Relationship `json:"relationships"`
	}

	params := new(getEntityRelationshipsParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if params.Limit == 0 {
		params.Limit = 50
	}

	ctx := c.Request().Context()
	conn := c.(*middleware.AppContext).App.DBConn
	q := pgdb.New(conn)

	rows, err := q.ListRelationshipsByParticipant(ctx, params.Did, params.Limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusOK, getEntityRelationshipsResponse{Relationships: rows})
}
