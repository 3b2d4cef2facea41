package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mid "github.com/RhizApp/rhizproto/internal/server/middleware"
	"github.com/RhizApp/rhizproto/internal/util"
	pgdb "github.com/RhizApp/rhizproto/pkg/db/pgx"
	"github.com/RhizApp/rhizproto/pkg/graphstore"
	"github.com/RhizApp/rhizproto/pkg/logger"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/RhizApp/rhizproto/internal/ingest"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

func Init() {
	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}

	jwksUrl := util.GetEnv("AUTH_URL") + "/jwks"
	k, err := keyfunc.NewDefault([]string{jwksUrl})
	if err != nil {
		logger.Fatal("Failed to load jwks keys", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runMigrations()

	conn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer conn.Close()

	graph := graphstore.NewIndex()
	q := pgdb.New(conn)
	if err := ingest.LoadGraphIndex(ctx, q, graph); err != nil {
		logger.Fatal("Failed to load graph index", "err", err)
	}
	go refreshIndex(ctx, q, graph)

	masterAPIKey := util.GetEnv("MASTER_API_KEY")

	e.Use(mid.AppContextMiddleware(conn, graph, &k, masterAPIKey))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	RegisterRoutes(e)

	go func() {
		port := util.GetEnv("PORT")
		if port == "" {
			port = "8080"
		}
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}

func runMigrations() {
	dir := util.GetEnvString("MIGRATIONS_DIR", "db/migrations")
	m, err := migrate.New("file://"+dir, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Failed to open migrations", "err", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("Failed to run migrations", "err", err)
	}
}

// refreshIndex periodically rebuilds the in-memory graph from Postgres so a
// query node converges on writes made by the ingest worker.
func refreshIndex(ctx context.Context, q *pgdb.Queries, graph *graphstore.Index) {
	interval := time.Duration(util.GetEnvNumeric("GRAPH_REFRESH_SEC", 15)) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ingest.LoadGraphIndex(ctx, q, graph); err != nil {
				logger.Error("Failed to refresh graph index", "err", err)
			}
		}
	}
}
