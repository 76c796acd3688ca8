package service

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"canteen-service/internal/models"
	"canteen-service/internal/store"
	"canteen-service/internal/util"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var pinPattern = regexp.MustCompile(`^\d{6}$`)

// Claims carried by a session token. The API layer trusts only this verified
// pair, never caller-supplied identity fields.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Auth issues and verifies server-side sessions. Passwords and PINs are
// stored as bcrypt hashes only.
type Auth struct {
	store     *store.Store
	jwtSecret []byte
	tokenTTL  time.Duration
	logger    *zap.Logger
}

// NewAuth creates a new auth service
func NewAuth(store *store.Store, jwtSecret string, tokenTTL time.Duration) *Auth {
	return &Auth{
		store:     store,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		logger:    util.GetLogger(),
	}
}

// Register creates an account with hashed credentials
func (a *Auth) Register(ctx context.Context, name, email, password, pin, role string) (*models.Account, error) {
	switch role {
	case models.RoleStudent, models.RoleOwner, models.RoleAdmin:
	default:
		return nil, ErrInvalidRole
	}
	if !pinPattern.MatchString(pin) {
		return nil, ErrInvalidPin
	}

	existing, err := a.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	pinHash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash pin: %w", err)
	}

	account := &models.Account{
		ID:           uuid.New().String(),
		Name:         name,
		Email:        email,
		Role:         role,
		PasswordHash: string(passwordHash),
		PinHash:      string(pinHash),
	}
	if err := a.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	a.logger.Info("Account registered",
		zap.String("account_id", account.ID),
		zap.String("role", role))
	return account, nil
}

// Login verifies credentials and issues a session token
func (a *Auth) Login(ctx context.Context, email, password string) (string, *models.Account, error) {
	account, err := a.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return "", nil, fmt.Errorf("failed to look up account: %w", err)
	}
	if account == nil {
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := a.IssueToken(account)
	if err != nil {
		return "", nil, err
	}
	return token, account, nil
}

// IssueToken signs a session token for an account
func (a *Auth) IssueToken(account *models.Account) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: account.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses a session token and returns the verified identity
func (a *Auth) VerifyToken(tokenString string) (accountID, role string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", "", ErrInvalidCredentials
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", "", ErrInvalidCredentials
	}
	return claims.Subject, claims.Role, nil
}

// ChangePin replaces the account's PIN hash after verifying the current PIN
func (a *Auth) ChangePin(ctx context.Context, accountID, currentPin, newPin string) error {
	if !pinPattern.MatchString(newPin) {
		return ErrInvalidPin
	}

	account, err := a.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PinHash), []byte(currentPin)); err != nil {
		return ErrWrongPin
	}

	pinHash, err := bcrypt.GenerateFromPassword([]byte(newPin), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash pin: %w", err)
	}
	hash := string(pinHash)
	return a.store.UpdateAccountSettings(ctx, accountID, &hash, nil, false)
}
