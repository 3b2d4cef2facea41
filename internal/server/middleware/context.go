package middleware

import (
	"github.com/MicahParks/keyfunc/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/RhizApp/rhizproto/pkg/graphstore"
)

type AppUser struct {
	Subject string
	Role    string
}

type App struct {
	DBConn       *pgxpool.Pool
	Graph        *graphstore.Index
	Key          *keyfunc.Keyfunc
	MasterAPIKey string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(
	db *pgxpool.Pool,
	graph *graphstore.Index,
	key *keyfunc.Keyfunc,
	masterAPIKey string,
) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			app := &App{
				DBConn:       db,
				Graph:        graph,
				Key:          key,
				MasterAPIKey: masterAPIKey,
			}
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
