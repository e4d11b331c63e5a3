package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"sync"
	"time"

	"couple-sync/internal/models"
	"couple-sync/internal/remotestore"
	"couple-sync/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const (
	codeLength        = 6
	codeChars         = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	jwtExpDays        = 365
	minPasswordLength = 6
)

var ErrWeakPassword = errors.New("password must be at least 6 characters")

// AccountStore is the credential storage AuthService needs
type AccountStore interface {
	Create(ctx context.Context, account *models.Account) error
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	CodeExists(ctx context.Context, code string) (bool, error)
}

// TokenRevoker remembers signed out tokens until they expire
type TokenRevoker interface {
	Revoke(jti string, ttl time.Duration) error
	IsRevoked(jti string) (bool, error)
}

// RedisRevoker stores revoked token ids in Redis with a TTL
type RedisRevoker struct {
	client *redis.Client
	prefix string
}

// NewRedisRevoker creates a Redis backed revoker
func NewRedisRevoker(client *redis.Client, prefix string) *RedisRevoker {
	return &RedisRevoker{client: client, prefix: prefix}
}

func (r *RedisRevoker) key(jti string) string {
	return r.prefix + "revoked:" + jti
}

// Revoke marks jti as revoked for ttl
func (r *RedisRevoker) Revoke(jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return r.client.Set(ctx, r.key(jti), "1", ttl).Err()
}

// IsRevoked checks whether jti has been revoked
func (r *RedisRevoker) IsRevoked(jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n, err := r.client.Exists(ctx, r.key(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Principal is a signed in user
type Principal struct {
	UserID  string         `json:"user_id"`
	Token   string         `json:"token"`
	Profile models.Profile `json:"profile"`
}

// AuthService handles accounts, tokens and the profile records kept in the store
type AuthService struct {
	accounts  AccountStore
	store     remotestore.Store
	revoker   TokenRevoker
	jwtSecret string

	mu        sync.Mutex
	listeners map[int]func(*Principal)
	nextID    int
}

// NewAuthService creates a new auth service. revoker may be nil, in which case
// signing out does not invalidate tokens.
func NewAuthService(accounts AccountStore, store remotestore.Store, revoker TokenRevoker, jwtSecret string) *AuthService {
	return &AuthService{
		accounts:  accounts,
		store:     store,
		revoker:   revoker,
		jwtSecret: jwtSecret,
		listeners: make(map[int]func(*Principal)),
	}
}

// OnAuthChange calls fn with the principal after every sign up or sign in and
// with nil after every sign out
func (s *AuthService) OnAuthChange(fn func(*Principal)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *AuthService) notify(p *Principal) {
	s.mu.Lock()
	fns := make([]func(*Principal), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

// SignUp creates an account and its profile record
func (s *AuthService) SignUp(ctx context.Context, email, password, displayName string) (*Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidCredentials
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	code, err := s.GenerateUniqueCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	account := &models.Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  strings.TrimSpace(displayName),
		Code:         code,
		CreatedAt:    time.Now(),
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	profile := models.Profile{
		UID:         account.ID,
		Email:       account.Email,
		DisplayName: account.DisplayName,
		Code:        account.Code,
	}
	if err := s.store.Write(ctx, remotestore.Join(UsersCollection, account.ID), profile); err != nil {
		return nil, fmt.Errorf("failed to write profile: %w", err)
	}

	p, err := s.principal(account.ID, profile)
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", account.ID).Msg("Account created")
	s.notify(p)
	return p, nil
}

// SignIn checks the credentials and returns a fresh token
func (s *AuthService) SignIn(ctx context.Context, email, password string) (*Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	profile, err := readProfile(ctx, s.store, account.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to load profile: %w", err)
		}
		profile = &models.Profile{UID: account.ID, Email: account.Email, DisplayName: account.DisplayName, Code: account.Code}
		if err := s.store.Write(ctx, remotestore.Join(UsersCollection, account.ID), profile); err != nil {
			return nil, fmt.Errorf("failed to write profile: %w", err)
		}
	}

	p, err := s.principal(account.ID, *profile)
	if err != nil {
		return nil, err
	}
	s.notify(p)
	return p, nil
}

// SignOut revokes token until it would have expired
func (s *AuthService) SignOut(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}
	if s.revoker != nil {
		jti, _ := claims["jti"].(string)
		exp, err := claims.GetExpirationTime()
		if err != nil || exp == nil {
			return fmt.Errorf("invalid token expiry")
		}
		if err := s.revoker.Revoke(jti, time.Until(exp.Time)); err != nil {
			return fmt.Errorf("failed to revoke token: %w", err)
		}
	}
	userID, _ := claims["user_id"].(string)
	log.Info().Str("user_id", userID).Msg("Signed out")
	s.notify(nil)
	return nil
}

func (s *AuthService) principal(userID string, profile models.Profile) (*Principal, error) {
	token, err := s.GenerateJWT(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	return &Principal{UserID: userID, Token: token, Profile: profile}, nil
}

// GenerateUniqueCode generates a unique 6-character pairing code
func (s *AuthService) GenerateUniqueCode(ctx context.Context) (string, error) {
	maxAttempts := 10
	for i := 0; i < maxAttempts; i++ {
		code := generateCode()
		exists, err := s.accounts.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check code existence: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique code after %d attempts", maxAttempts)
}

func generateCode() string {
	code := make([]byte, codeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

// GenerateJWT generates a JWT token for a user
func (s *AuthService) GenerateJWT(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     now.AddDate(0, 0, jwtExpDays).Unix(),
		"iat":     now.Unix(),
		"jti":     uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func (s *AuthService) parse(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// ValidateJWT validates a JWT token and returns the user ID
func (s *AuthService) ValidateJWT(tokenString string) (string, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", err
	}
	userID, ok := claims["user_id"].(string)
	if !ok {
		return "", fmt.Errorf("user_id not found in token")
	}
	if s.revoker != nil {
		jti, _ := claims["jti"].(string)
		revoked, err := s.revoker.IsRevoked(jti)
		if err != nil {
			return "", fmt.Errorf("failed to check token revocation: %w", err)
		}
		if revoked {
			return "", ErrTokenRevoked
		}
	}
	return userID, nil
}

// TokenSubject reads the user id of a token without verifying it. Clients use
// it to learn who they signed in as; the gateway still validates the token.
func TokenSubject(tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	userID, ok := claims["user_id"].(string)
	if !ok {
		return "", fmt.Errorf("user_id not found in token")
	}
	return userID, nil
}
