package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"trellis/internal/auth"
	"trellis/internal/authpw"
	"trellis/internal/config"
	"trellis/internal/perm"
	"trellis/internal/session"
	"trellis/internal/store"
	"trellis/internal/util"
)

// dataStore is the persistence surface the service needs. *store.PostgresStore
// satisfies it; tests substitute an in-memory fake.
type dataStore interface {
	// accounts
	CreateUser(ctx context.Context, u store.User) error
	GetUserByID(ctx context.Context, id string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CountUsers(ctx context.Context) (int, error)
	UpdateUser(ctx context.Context, u store.User) error
	SearchUsers(ctx context.Context, query string, limit int) ([]store.User, error)

	// objects
	InsertObjects(ctx context.Context, objs []store.Object) error
	GetObject(ctx context.Context, id string) (store.Object, error)
	ListObjectsByIDs(ctx context.Context, ids []string) ([]store.Object, error)
	ListObjectsByHashes(ctx context.Context, hashes []string) ([]store.Object, error)
	UpdateObjectProperties(ctx context.Context, id string, properties map[string]any) error
	DeleteObjects(ctx context.Context, ids []string) error

	// streams
	InsertStream(ctx context.Context, s store.Stream) error
	GetStream(ctx context.Context, streamID string) (store.Stream, error)
	ListStreamsByIDs(ctx context.Context, streamIDs []string) ([]store.Stream, error)
	ListStreamsForUser(ctx context.Context, userID string) ([]store.Stream, error)
	ListAllStreams(ctx context.Context) ([]store.Stream, error)
	UpdateStream(ctx context.Context, s store.Stream) error
	DeleteStreams(ctx context.Context, streamIDs []string) error

	// projects
	InsertProject(ctx context.Context, p store.Project) error
	GetProject(ctx context.Context, id string) (store.Project, error)
	ListProjectsForUser(ctx context.Context, userID string) ([]store.Project, error)
	ListAllProjects(ctx context.Context) ([]store.Project, error)
	ListProjectsReferencingStreams(ctx context.Context, streamIDs []string, excludeProjectID string) ([]store.Project, error)
	UpdateProject(ctx context.Context, p store.Project) error
	DeleteProject(ctx context.Context, id string) error

	// comments
	InsertComment(ctx context.Context, c store.Comment) error
	GetComment(ctx context.Context, id string) (store.Comment, error)
	ListCommentsByIDs(ctx context.Context, ids []string) ([]store.Comment, error)
	ListCommentsByAssignee(ctx context.Context, userID string) ([]store.Comment, error)
	UpdateComment(ctx context.Context, c store.Comment) error
	DeleteComment(ctx context.Context, id string) error
	AppendResourceComment(ctx context.Context, resource store.CommentResource, commentID string) error

	// clients
	InsertClient(ctx context.Context, c store.Client) error
	GetClient(ctx context.Context, id string) (store.Client, error)
	ListClientsByOwner(ctx context.Context, userID string) ([]store.Client, error)
	ListClientsByStream(ctx context.Context, streamID string) ([]store.Client, error)
	UpdateClient(ctx context.Context, c store.Client) error
	DeleteClient(ctx context.Context, id string) error

	// sessions
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions. By default it is the relational store
// itself; when Redis is configured the session package takes over.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// blobStore archives canonical object payloads, keyed by content hash.
// Optional: a nil blob store keeps everything relational.
type blobStore interface {
	Put(ctx context.Context, hash string, payload []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
	Remove(ctx context.Context, hash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	blobs    blobStore
	accounts *authpw.Service
}

func New(cfg config.Config, st dataStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: st,
		accounts: authpw.NewService(st, authpw.BcryptHasher{}, cfg.JWTSecret),
	}
}

// NewWithSessionStore routes refresh sessions to a dedicated store (Redis).
func NewWithSessionStore(cfg config.Config, st dataStore, sessions sessionStore) *Service {
	svc := New(cfg, st)
	svc.sessions = sessions
	return svc
}

// WithBlobStore attaches an object payload archive.
func (s *Service) WithBlobStore(blobs blobStore) *Service {
	s.blobs = blobs
	return s
}

func (s *Service) Accounts() *authpw.Service { return s.accounts }

type Session struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	Role         string    `json:"role"`
	JTI          string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Identity is the caller's view for permission checks.
func (s Session) Identity() perm.Identity {
	return perm.Identity{ID: s.UserID, Name: s.UserName, Role: s.Role}
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.Login(ctx, email, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, errForbidden("invalid email or password")
		}
		return Session{}, err
	}
	return s.CreateSession(ctx, user)
}

func (s *Service) CreateSession(ctx context.Context, user store.User) (Session, error) {
	jti := util.NewID("jti")
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.NewClaims(user.ID, user.Name, user.Role, jti, s.cfg.AccessTTL))
	if err != nil {
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}

	refreshToken, err := randomToken()
	if err != nil {
		return Session{}, err
	}
	refreshExpiry := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user.ID, refreshExpiry); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		UserName:     user.Name,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates a bearer token and rebuilds the caller's session.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, errForbidden("invalid or expired token")
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return Session{}, errForbidden("token has been revoked")
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      claims.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Refresh rotates a refresh token. The account is re-read so role changes
// made since login take effect on the next access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	ref, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
			return Session{}, errForbidden("invalid refresh token")
		}
		return Session{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	user, err := s.store.GetUserByID(ctx, ref.ID)
	if err != nil {
		return Session{}, fmt.Errorf("load account: %w", err)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, fmt.Errorf("revoke refresh session: %w", err)
	}
	return s.CreateSession(ctx, user)
}

// Logout revokes the refresh token and blacklists the current access token.
func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil &&
			!errors.Is(err, session.ErrNotFound) && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("revoke refresh session: %w", err)
		}
	}
	if err := s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
