package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/sykell/url-monitor/internal/middleware"
	"github.com/sykell/url-monitor/internal/service"
)

// LoginRequest represents the login request payload
type LoginRequest struct {
	Username string `json:"username" binding:"required,min=3,max=100"`
	Password string `json:"password" binding:"required,min=6"`
}

// LoginResponse represents the login response payload
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    uint      `json:"user_id"`
	Username  string    `json:"username"`
}

// LoginHandler handles user authentication
func LoginHandler(dbConn *gorm.DB, cfg middleware.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}

		req.Username = strings.TrimSpace(req.Username)
		user, err := service.Authenticate(c.Request.Context(), dbConn, req.Username, req.Password)
		if errors.Is(err, service.ErrInvalidCredentials) {
			log.Warn().Str("username", req.Username).Msg("Failed login attempt")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("Database error during login")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		token, expiresAt, err := middleware.GenerateToken(cfg, user.ID, user.Username, time.Now())
		if err != nil {
			log.Error().Err(err).Msg("Failed to sign JWT token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		log.Info().Str("username", user.Username).Msg("Successful login")
		c.JSON(http.StatusOK, LoginResponse{
			Token:     token,
			ExpiresAt: expiresAt,
			UserID:    user.ID,
			Username:  user.Username,
		})
	}
}
