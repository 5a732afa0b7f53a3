package handler

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer    = "grouparchive"
	tokenTTL       = 72 * time.Hour
	operatorKey    = "operator"
	adminKeyHeader = "X-Admin-Key"
)

var ErrInvalidToken = errors.New("invalid token")

// Auth signs and verifies operator tokens.
type Auth struct {
	Secret []byte
	// AdminKey guards token issuance. Empty disables the endpoint.
	AdminKey string
}

// GenerateToken issues an HS256 token naming the operator.
func (a Auth) GenerateToken(operator string, now time.Time) (string, error) {
	if operator == "" {
		return "", fmt.Errorf("%w: empty operator", ErrInvalidToken)
	}
	claims := jwt.MapClaims{
		operatorKey: operator,
		"exp":       now.Add(tokenTTL).Unix(),
		"iat":       now.Unix(),
		"iss":       tokenIssuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.Secret)
}

// ParseToken validates the token and returns its operator.
func (a Auth) ParseToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	operator, _ := claims[operatorKey].(string)
	if operator == "" {
		return "", fmt.Errorf("%w: missing operator", ErrInvalidToken)
	}
	return operator, nil
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return header[len("Bearer "):]
	}
	return ""
}

// RequireOperator rejects requests without a valid bearer token.
func (h *Handler) RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
			return
		}
		operator, err := h.Auth.ParseToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
			return
		}
		c.Set(operatorKey, operator)
		c.Next()
	}
}

func operatorFrom(c *gin.Context) string {
	return c.GetString(operatorKey)
}

type tokenRequest struct {
	Operator string `json:"operator" binding:"required"`
}

// IssueToken returns an operator JWT in exchange for the admin key.
func (h *Handler) IssueToken(c *gin.Context) {
	key := c.GetHeader(adminKeyHeader)
	if h.Auth.AdminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.Auth.AdminKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid admin key"})
		return
	}
	var body tokenRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := h.Auth.GenerateToken(body.Operator, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "operator": body.Operator})
}
