package routes

import (
	"net/http"

	"github.com/RhizApp/rhizproto/internal/server/middleware"
	pgdb "github.com/RhizApp/rhizproto/pkg/db/pgx"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
)

// GetDeadLettersHandler lists recently dead-lettered log records for
// operator inspection. Admin only.
func GetDeadLettersHandler(c echo.Context) error {
	type getDeadLettersParams struct {
		Limit int32 `query:"limit" validate:"omitempty,min=1,max=500"`
	}

	type getDeadLettersResponse struct {
		DeadLetters []pgdb.DeadLetter `json:"dead_letters"`
	}

	user := c.(*middleware.AppContext).User
	if user == nil || user.Role != "admin" {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden"})
	}

	params := new(getDeadLettersParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if params.Limit == 0 {
		params.Limit = 100
	}

	ctx := c.Request().Context()
	conn := c.(*middleware.AppContext).App.DBConn
	q := pgdb.New(conn)

	rows, err := q.ListDeadLetters(ctx, params.Limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusOK, getDeadLettersResponse{DeadLetters: rows})
}
