package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
)

const (
	TokenExpirationHours = 1
	BcryptCost           = 10
	clientSecretBytes    = 24
)

type AuthService struct {
	clientRepo   repository.ClientRepository
	jwtSecret    string
	jwtAlgorithm string
}

func NewAuthService(clientRepo repository.ClientRepository, jwtSecret string, jwtAlgorithm string) *AuthService {
	return &AuthService{
		clientRepo:   clientRepo,
		jwtSecret:    jwtSecret,
		jwtAlgorithm: jwtAlgorithm,
	}
}

// HashSecret hashes a client secret using bcrypt
func (s *AuthService) HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret verifies a secret against a hash
func (s *AuthService) VerifySecret(secret, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	return err == nil
}

// CreateClient registers an API client and returns it together with the
// plaintext secret, which is not stored and cannot be recovered later.
func (s *AuthService) CreateClient(ctx context.Context, label string, scopes []string) (*domain.APIClient, string, error) {
	if label == "" {
		return nil, "", invalid("client label is required")
	}
	for _, scope := range scopes {
		if scope != domain.ScopeRead && scope != domain.ScopeControl && scope != domain.ScopeAll {
			return nil, "", invalid(fmt.Sprintf("unknown scope %q", scope))
		}
	}
	if len(scopes) == 0 {
		scopes = []string{domain.ScopeRead}
	}

	raw := make([]byte, clientSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	hash, err := s.HashSecret(secret)
	if err != nil {
		return nil, "", err
	}

	client := domain.NewAPIClient(label, hash, scopes, time.Now().UTC())
	if err := s.clientRepo.Create(ctx, client); err != nil {
		return nil, "", err
	}
	return client, secret, nil
}

func (s *AuthService) ListClients(ctx context.Context) ([]*domain.APIClient, error) {
	return s.clientRepo.List(ctx)
}

func (s *AuthService) DeleteClient(ctx context.Context, id string) error {
	return s.clientRepo.Delete(ctx, id)
}

// AuthenticateClient authenticates a client and returns a JWT token
func (s *AuthService) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (string, error) {
	// Find client
	client, err := s.clientRepo.FindByID(ctx, clientID)
	if err != nil {
		return "", fmt.Errorf("invalid client credentials")
	}

	// Verify secret
	if !s.VerifySecret(clientSecret, client.Secret) {
		return "", fmt.Errorf("invalid client credentials")
	}

	// Generate JWT
	token, err := s.generateJWT(clientID, "client", client.Scopes)
	if err != nil {
		return "", err
	}

	return token, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *AuthService) ValidateToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if token.Method.Alg() != s.jwtAlgorithm {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token claims")
}

// generateJWT generates a JWT token
func (s *AuthService) generateJWT(subject, subjectType string, scopes []string) (string, error) {
	now := time.Now()
	expiresAt := now.Add(TokenExpirationHours * time.Hour)

	claims := TokenClaims{
		Subject:     subject,
		SubjectType: subjectType,
		Scopes:      scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "tasker",
		},
	}

	var signingMethod jwt.SigningMethod
	switch s.jwtAlgorithm {
	case "HS256":
		signingMethod = jwt.SigningMethodHS256
	case "HS384":
		signingMethod = jwt.SigningMethodHS384
	case "HS512":
		signingMethod = jwt.SigningMethodHS512
	default:
		signingMethod = jwt.SigningMethodHS256
	}

	token := jwt.NewWithClaims(signingMethod, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// HasScope reports whether the token grants scope.
func (c *TokenClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope || s == domain.ScopeAll {
			return true
		}
	}
	return false
}

// TokenClaims represents JWT claims
type TokenClaims struct {
	Subject     string   `json:"sub"`
	SubjectType string   `json:"sub_type"` // always "client"
	Scopes      []string `json:"scopes"`
	jwt.RegisteredClaims
}
