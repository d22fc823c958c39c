package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	internaldb "crewtrain/internal/db"
	"crewtrain/internal/platform/clock"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUsernameTaken      = errors.New("username already taken")
)

const (
	RoleStaff   = "staff"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

type User struct {
	ID        int64   `json:"id"`
	Username  string  `json:"username"`
	Email     *string `json:"email,omitempty"`
	FullName  string  `json:"full_name"`
	Role      string  `json:"role"`
	StoreCode *string `json:"store_code,omitempty"`
	IsActive  bool    `json:"is_active"`
}

// IsPrivileged reports whether the user may act on behalf of other staff.
func (u *User) IsPrivileged() bool {
	return u != nil && (u.Role == RoleAdmin || u.Role == RoleManager)
}

type Service struct {
	db         *sql.DB
	clock      clock.Clock
	sessionTTL time.Duration
	bcryptCost int
}

type ServiceConfig struct {
	SessionTTL time.Duration
	BcryptCost int
	Clock      clock.Clock
}

type CreateUserInput struct {
	Username  string
	Email     string
	Password  string
	FullName  string
	Role      string
	StoreCode string
}

func NewService(db *sql.DB, cfg ServiceConfig) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Service{
		db:         db,
		clock:      cfg.Clock,
		sessionTTL: cfg.SessionTTL,
		bcryptCost: cfg.BcryptCost,
	}
}

func (s *Service) AuthenticatePassword(ctx context.Context, identifier, password string) (*User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, full_name, role, store_code, is_active, password_hash
		FROM users
		WHERE username = $1 OR email = $1
		LIMIT 1
	`, identifier)

	var passwordHash string
	u, err := scanUser(row, &passwordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if !u.IsActive {
		return nil, ErrForbidden
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	in.Username = strings.ToLower(strings.TrimSpace(in.Username))
	in.Role = strings.TrimSpace(in.Role)
	if in.Role == "" {
		in.Role = RoleStaff
	}
	if in.Username == "" || len(in.Password) < 8 || !isValidRole(in.Role) {
		return nil, ErrInvalidInput
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, full_name, role, store_code, password_hash, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		RETURNING id, username, email, full_name, role, store_code, is_active
	`, in.Username, nullableString(in.Email), strings.TrimSpace(in.FullName), in.Role, nullableString(in.StoreCode), string(hash), s.clock.Now())
	u, err := scanUser(row, nil)
	if err != nil {
		if internaldb.IsUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *Service) CreateSession(ctx context.Context, userID int64, ipAddress, userAgent string) (string, time.Time, error) {
	token, err := generateToken(32)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate session token: %w", err)
	}
	now := s.clock.Now()
	expiresAt := now.Add(s.sessionTTL)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (
			user_id, session_token_hash, expires_at, ip_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, userID, hashToken(token), expiresAt, nullableString(ipAddress), nullableString(userAgent), now)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("insert session: %w", err)
	}
	return token, expiresAt, nil
}

func (s *Service) GetSessionUser(ctx context.Context, token string) (*User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthorized
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.email, u.full_name, u.role, u.store_code, u.is_active
		FROM auth_sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.session_token_hash = $1
		  AND s.revoked_at IS NULL
		  AND s.expires_at > $2
		LIMIT 1
	`, hashToken(token), s.clock.Now())

	u, err := scanUser(row, nil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("query session user: %w", err)
	}
	if !u.IsActive {
		return nil, ErrUnauthorized
	}
	return u, nil
}

func (s *Service) RevokeSession(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET revoked_at = $2
		WHERE session_token_hash = $1
		  AND revoked_at IS NULL
	`, hashToken(token), s.clock.Now())
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(r rowScanner, passwordHash *string) (*User, error) {
	var (
		u         User
		email     sql.NullString
		storeCode sql.NullString
	)
	dest := []interface{}{&u.ID, &u.Username, &email, &u.FullName, &u.Role, &storeCode, &u.IsActive}
	if passwordHash != nil {
		dest = append(dest, passwordHash)
	}
	if err := r.Scan(dest...); err != nil {
		return nil, err
	}
	if email.Valid {
		u.Email = &email.String
	}
	if storeCode.Valid {
		u.StoreCode = &storeCode.String
	}
	return &u, nil
}

func isValidRole(role string) bool {
	switch role {
	case RoleStaff, RoleManager, RoleAdmin:
		return true
	default:
		return false
	}
}

func nullableString(s string) interface{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
