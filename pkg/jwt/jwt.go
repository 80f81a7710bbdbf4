package jwt

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType represents the type of JWT token
type TokenType string

const (
	AccessToken  TokenType = "access"  // customer-facing booking API
	ServiceToken TokenType = "service" // booking service calling the route service
)

const issuer = "smarttransit-booking"

// Claims represents the JWT claims structure
type Claims struct {
	UserID    uuid.UUID `json:"user_id,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	Service   string    `json:"service,omitempty"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// Service handles JWT operations
type Service struct {
	accessSecret       string
	serviceSecret      string
	accessTokenExpiry  time.Duration
	serviceTokenExpiry time.Duration
}

// NewService creates a new JWT service
func NewService(accessSecret, serviceSecret string, accessExpiry, serviceExpiry time.Duration) *Service {
	return &Service{
		accessSecret:       accessSecret,
		serviceSecret:      serviceSecret,
		accessTokenExpiry:  accessExpiry,
		serviceTokenExpiry: serviceExpiry,
	}
}

// GenerateAccessToken generates a new customer access token
func (s *Service) GenerateAccessToken(userID uuid.UUID, roles []string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		Roles:     roles,
		TokenType: AccessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.accessSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}

	return tokenString, nil
}

// GenerateServiceToken generates a token identifying the calling service
func (s *Service) GenerateServiceToken(serviceName string) (string, error) {
	now := time.Now()
	claims := Claims{
		Service:   serviceName,
		TokenType: ServiceToken,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.serviceTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   serviceName,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.serviceSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}

	return tokenString, nil
}

// ValidateAccessToken validates and parses a customer access token
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.validateToken(tokenString, s.accessSecret, AccessToken)
}

// ValidateServiceToken validates and parses a service token
func (s *Service) ValidateServiceToken(tokenString string) (*Claims, error) {
	return s.validateToken(tokenString, s.serviceSecret, ServiceToken)
}

// validateToken validates a token with the given secret and type
func (s *Service) validateToken(tokenString, secret string, expectedType TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	// Verify token type
	if claims.TokenType != expectedType {
		return nil, fmt.Errorf("invalid token type: expected %s, got %s", expectedType, claims.TokenType)
	}

	return claims, nil
}

// ExtractClaims extracts claims from a token without validation (for debugging)
func (s *Service) ExtractClaims(tokenString string) (*Claims, error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// IsTokenExpired checks if a token is expired
func (s *Service) IsTokenExpired(tokenString string) bool {
	claims, err := s.ExtractClaims(tokenString)
	if err != nil {
		return true
	}

	if claims.ExpiresAt == nil {
		return true
	}

	return claims.ExpiresAt.Time.Before(time.Now())
}

// GetTokenExpiry returns the expiry time of a token
func (s *Service) GetTokenExpiry(tokenString string) (time.Time, error) {
	claims, err := s.ExtractClaims(tokenString)
	if err != nil {
		return time.Time{}, err
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("token has no expiry time")
	}

	return claims.ExpiresAt.Time, nil
}

// ServiceTokenSource hands out a cached service token and renews it
// shortly before it expires.
type ServiceTokenSource struct {
	jwt         *Service
	serviceName string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewServiceTokenSource creates a token source for serviceName
func NewServiceTokenSource(s *Service, serviceName string) *ServiceTokenSource {
	return &ServiceTokenSource{jwt: s, serviceName: serviceName}
}

// Token returns a valid service token
func (ts *ServiceTokenSource) Token() (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Until(ts.expiresAt) > 30*time.Second {
		return ts.token, nil
	}

	token, err := ts.jwt.GenerateServiceToken(ts.serviceName)
	if err != nil {
		return "", err
	}
	expiresAt, err := ts.jwt.GetTokenExpiry(token)
	if err != nil {
		return "", err
	}
	ts.token, ts.expiresAt = token, expiresAt
	return token, nil
}
