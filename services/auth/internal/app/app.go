package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookloan/internal/util"
	"bookloan/internal/validation"
	"bookloan/pkg/auth"
	"bookloan/pkg/domain"
	"bookloan/pkg/store"
)

// MemoryDatabaseURL selects the in-process user store.
const MemoryDatabaseURL = "memory"

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL         string
	SessionTTL          time.Duration
	RefreshTTL          time.Duration
	JWTPrivateKeyPath   string
	JWTKeyID            string
	JWTVerifyPublicKeys map[string]string
	JWTIssuer           string
	JWTAudience         string
	JWTLeeway           time.Duration
	// Revoker records logged-out access tokens. Defaults to in-memory.
	Revoker       store.TokenRevoker
	Store         store.UserStore
	Sessions      store.SessionStore
	RefreshTokens store.RefreshTokenStore
}

// TokenPair is the access/refresh pair handed to clients.
type TokenPair struct {
	Refresh string `json:"refresh"`
	Access  string `json:"access"`
}

// Credentials is the register and token request body.
type Credentials struct {
	Username string `json:"username" validate:"required,max=150"`
	Password string `json:"password" validate:"required"`
}

// App is the core application service wiring together storage and auth logic.
type App struct {
	store         store.UserStore
	sessions      store.SessionStore
	refreshTokens store.RefreshTokenStore
	refreshTTL    time.Duration
	validator     *validation.Validator
}

// New constructs the application with user storage and session management.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}

	dataStore := cfg.Store
	if dataStore == nil {
		switch dsn := strings.TrimSpace(cfg.DatabaseURL); dsn {
		case "":
			return nil, fmt.Errorf("database URL required")
		case MemoryDatabaseURL:
			dataStore = store.NewMemoryStore()
		default:
			gormStore, err := store.NewGormStore(dsn)
			if err != nil {
				return nil, fmt.Errorf("init postgres store: %w", err)
			}
			dataStore = gormStore
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		if strings.TrimSpace(cfg.JWTPrivateKeyPath) == "" {
			return nil, fmt.Errorf("jwtPrivateKeyPath is required")
		}
		revoker := cfg.Revoker
		if revoker == nil {
			revoker = store.NewMemoryTokenRevoker()
		}
		rsStore, err := store.NewJWTSessionStoreFromPEM(
			cfg.JWTPrivateKeyPath,
			cfg.JWTKeyID,
			cfg.JWTVerifyPublicKeys,
			cfg.SessionTTL,
			revoker,
			store.JWTOptions{
				Issuer:   cfg.JWTIssuer,
				Audience: cfg.JWTAudience,
				Leeway:   cfg.JWTLeeway,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("init rs256 jwt session store: %w", err)
		}
		sessionStore = rsStore
	}

	refreshStore := cfg.RefreshTokens
	if refreshStore == nil {
		refreshStore = store.NewMemoryRefreshTokenStore()
	}

	return &App{
		store:         dataStore,
		sessions:      sessionStore,
		refreshTokens: refreshStore,
		refreshTTL:    cfg.RefreshTTL,
		validator: validation.New(map[string]string{
			"username.required": ErrUsernameRequired.Error(),
			"username.max":      ErrUsernameTooLong.Error(),
			"password.required": ErrPasswordRequired.Error(),
		}),
	}, nil
}

// SignUp registers a user and issues a token pair. The first account
// becomes admin.
func (a *App) SignUp(ctx context.Context, creds Credentials) (TokenPair, error) {
	creds.Username = strings.TrimSpace(creds.Username)
	if err := a.validateCredentials(creds); err != nil {
		return TokenPair{}, err
	}
	if err := auth.ValidatePassword(creds.Password); err != nil {
		return TokenPair{}, err
	}
	_, exists, err := a.store.GetUserByUsername(ctx, creds.Username)
	if err != nil {
		return TokenPair{}, fmt.Errorf("check username: %w", err)
	}
	if exists {
		return TokenPair{}, ErrUserAlreadyExists
	}
	count, err := a.store.UserCount(ctx)
	if err != nil {
		return TokenPair{}, fmt.Errorf("count users: %w", err)
	}
	role := domain.RoleUser
	if count == 0 {
		role = domain.RoleAdmin
	}
	passwordHash, err := auth.HashPassword(creds.Password)
	if err != nil {
		return TokenPair{}, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Username:     creds.Username,
		PasswordHash: passwordHash,
		Role:         role,
		Status:       domain.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return TokenPair{}, ErrUserAlreadyExists
		}
		return TokenPair{}, fmt.Errorf("save user: %w", err)
	}
	return a.issueTokens(user)
}

// Login validates credentials and issues a token pair.
func (a *App) Login(ctx context.Context, creds Credentials) (TokenPair, error) {
	creds.Username = strings.TrimSpace(creds.Username)
	if err := a.validateCredentials(creds); err != nil {
		return TokenPair{}, err
	}
	user, ok, err := a.store.GetUserByUsername(ctx, creds.Username)
	if err != nil {
		return TokenPair{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(creds.Password, user.PasswordHash) {
		return TokenPair{}, ErrInvalidCredentials
	}
	if user.Status == domain.StatusDisabled {
		return TokenPair{}, ErrUserDisabled
	}
	return a.issueTokens(user)
}

// Refresh rotates the refresh token and issues a new pair.
func (a *App) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, ErrRefreshTokenRequired
	}
	userID, newRefreshToken, err := a.refreshTokens.RotateToken(refreshToken, a.refreshTTL)
	if err != nil {
		if errors.Is(err, store.ErrInvalidRefreshToken) || errors.Is(err, store.ErrRefreshTokenReplay) {
			return TokenPair{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, fmt.Errorf("resolve refresh token: %w", err)
	}
	user, found, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found || user.Status == domain.StatusDisabled {
		_ = a.refreshTokens.DeleteToken(newRefreshToken)
		return TokenPair{}, ErrInvalidRefreshToken
	}
	accessToken, err := a.sessions.NewSession(user)
	if err != nil {
		_ = a.refreshTokens.DeleteToken(newRefreshToken)
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	return TokenPair{Refresh: newRefreshToken, Access: accessToken}, nil
}

// UserFromToken resolves a user from an access token.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(ctx, uid)
	if err != nil || !found {
		return domain.User{}, false
	}
	if user.Status == domain.StatusDisabled {
		return domain.User{}, false
	}
	return user, true
}

// Logout invalidates the access token and the optional refresh token.
func (a *App) Logout(accessToken, refreshToken string) error {
	if err := a.sessions.DeleteSession(accessToken); err != nil {
		return err
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	return a.refreshTokens.DeleteToken(refreshToken)
}

// JWKS returns public signing keys when session store supports it.
func (a *App) JWKS() []store.JWK {
	provider, ok := a.sessions.(store.JWKSProvider)
	if !ok {
		return nil
	}
	return provider.JWKS()
}

func (a *App) validateCredentials(creds Credentials) error {
	err := a.validator.Validate(creds)
	var fieldErr *validation.FieldError
	if !errors.As(err, &fieldErr) {
		return err
	}
	switch fieldErr.Field + "." + fieldErr.Tag {
	case "username.required":
		return ErrUsernameRequired
	case "username.max":
		return ErrUsernameTooLong
	case "password.required":
		return ErrPasswordRequired
	}
	return fieldErr
}

func (a *App) issueTokens(user domain.User) (TokenPair, error) {
	accessToken, err := a.sessions.NewSession(user)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	refreshToken, err := a.refreshTokens.NewToken(user.ID, a.refreshTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return TokenPair{Refresh: refreshToken, Access: accessToken}, nil
}
