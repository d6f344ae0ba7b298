package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jwt "github.com/golang-jwt/jwt/v5"
)

const anonTokenTTL = 72 * time.Hour

// generateAnonToken signs a JWT carrying the anonymous id. The token is
// not end-user authentication; it only lets a client keep a stable id
// across reconnects.
func (h *Handler) generateAnonToken(anonID string) (string, error) {
	claims := jwt.MapClaims{
		"anon_id": anonID,
		"exp":     time.Now().Add(anonTokenTTL).Unix(),
		"iss":     "strangertalk",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(h.Cfg.JWTSecret))
}

// parseAnonToken validates tokenString and extracts the anonymous id.
func (h *Handler) parseAnonToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(h.Cfg.JWTSecret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	anonID, ok := claims["anon_id"].(string)
	if !ok || anonID == "" {
		return "", errors.New("anon_id missing")
	}
	return anonID, nil
}

// GetAnonID creates a fresh anonymous id and returns it with a signed
// token the WebSocket handshake accepts.
func (h *Handler) GetAnonID(c *gin.Context) {
	anonID := uuid.NewString()
	token, err := h.generateAnonToken(anonID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "anon_id": anonID})
}
