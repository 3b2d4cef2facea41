package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}

		token := strings.Split(authHeader, " ")[1]
		app := c.(*AppContext).App

		// Master API Key bypass
		if app.MasterAPIKey != "" && token == app.MasterAPIKey {
			c.(*AppContext).User = &AppUser{
				Subject: "master",
				Role:    "admin",
			}
			return next(c)
		}

		// Parse JWT token
		k := *c.(*AppContext).App.Key
		parsed, err := jwt.Parse(token, k.Keyfunc)
		if err != nil || !parsed.Valid {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}

		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}

		subject, ok := claims["sub"].(string)
		if !ok || subject == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid subject"})
		}

		role := "user"
		if roleClaim, ok := claims["role"].(string); ok {
			role = roleClaim
		}

		c.(*AppContext).User = &AppUser{
			Subject: subject,
			Role:    role,
		}

		return next(c)
	}
}
