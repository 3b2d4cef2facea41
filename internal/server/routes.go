package server

import (
	"github.com/RhizApp/rhizproto/internal/server/middleware"
	"github.com/RhizApp/rhizproto/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Graph routes
	apiRoutes.POST("/graph/path", routes.FindPathsHandler)
	apiRoutes.GET("/graph/neighbors/:did", routes.GetNeighborsHandler)

	// Conviction routes
	apiRoutes.GET("/conviction/:rid", routes.GetConvictionHandler)
	apiRoutes.GET("/conviction/:rid/attestations", routes.GetAttestationsHandler)

	// Entity routes
	apiRoutes.GET("/entities/:did", routes.GetEntityHandler)
	apiRoutes.GET("/entities/:did/relationships", routes.GetEntityRelationshipsHandler)

	// Operator routes
	apiRoutes.GET("/dead-letters", routes.GetDeadLettersHandler)
}
