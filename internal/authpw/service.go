// Package authpw provides account registration and email/password login.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trellis/internal/auth"
	"trellis/internal/store"
	"trellis/internal/util"

	"golang.org/x/crypto/bcrypt"
)

// Hasher is the password hashing boundary.
type Hasher interface {
	Hash(plain string) (string, error)
	Compare(plain, digest string) bool
}

// BcryptHasher is the default Hasher.
type BcryptHasher struct{}

func (BcryptHasher) Hash(plain string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(digest), nil
}

func (BcryptHasher) Compare(plain, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plain)) == nil
}

// UserStore is the storage surface accounts need.
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, id string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CountUsers(ctx context.Context) (int, error)
	UpdateUser(ctx context.Context, user store.User) error
	SearchUsers(ctx context.Context, fragment string, limit int) ([]store.User, error)
}

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

const apiTokenTTL = 2 * 365 * 24 * time.Hour

type Service struct {
	store       UserStore
	hasher      Hasher
	tokenSecret []byte
}

func NewService(userStore UserStore, hasher Hasher, tokenSecret string) *Service {
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	return &Service{store: userStore, hasher: hasher, tokenSecret: []byte(tokenSecret)}
}

type RegisterRequest struct {
	Email    string
	Password string
	Name     string
	Surname  string
	Company  string
}

// Register creates a new account. The very first account becomes admin.
// A long-lived api token is issued at creation for non-interactive clients.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return store.User{}, errors.New("email and password are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, fmt.Errorf("lookup email: %w", err)
	}

	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return store.User{}, fmt.Errorf("count users: %w", err)
	}

	digest, err := s.hasher.Hash(req.Password)
	if err != nil {
		return store.User{}, err
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Name:         strings.TrimSpace(req.Name),
		Surname:      strings.TrimSpace(req.Surname),
		Email:        email,
		PasswordHash: digest,
		Role:         "user",
		Company:      strings.TrimSpace(req.Company),
	}
	if count == 0 {
		user.Role = "admin"
	}

	apiToken, err := auth.IssueToken(s.tokenSecret, auth.NewClaims(user.ID, user.Name, user.Role, util.NewID("jti"), apiTokenTTL))
	if err != nil {
		return store.User{}, fmt.Errorf("issue api token: %w", err)
	}
	user.APIToken = apiToken

	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and returns the account.
func (s *Service) Login(ctx context.Context, email, password string) (store.User, error) {
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if !s.hasher.Compare(password, user.PasswordHash) {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) GetProfile(ctx context.Context, userID string) (store.User, error) {
	return s.store.GetUserByID(ctx, userID)
}

type ProfileUpdate struct {
	Name    *string
	Surname *string
	Company *string
}

// UpdateProfile applies a sparse update to a user's own record. Role and
// email changes do not go through here.
func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return store.User{}, err
	}
	if update.Name != nil {
		user.Name = strings.TrimSpace(*update.Name)
	}
	if update.Surname != nil {
		user.Surname = strings.TrimSpace(*update.Surname)
	}
	if update.Company != nil {
		user.Company = strings.TrimSpace(*update.Company)
	}
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return store.User{}, err
	}
	return user, nil
}

// SetPassword replaces a user's password hash after verifying the current one.
func (s *Service) SetPassword(ctx context.Context, userID, current, next string) error {
	if len(next) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !s.hasher.Compare(current, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	digest, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	user.PasswordHash = digest
	return s.store.UpdateUser(ctx, user)
}

// SearchUsers matches a name/surname/email fragment, capped at 10 results.
func (s *Service) SearchUsers(ctx context.Context, fragment string) ([]store.User, error) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return []store.User{}, nil
	}
	return s.store.SearchUsers(ctx, fragment, 10)
}
