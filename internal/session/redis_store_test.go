package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs, mr
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := rs.SaveRefreshSession(ctx, "hash-1", "usr_1", time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}

	user, err := rs.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession() error = %v", err)
	}
	if user.ID != "usr_1" {
		t.Fatalf("user id = %q, want usr_1", user.ID)
	}
}

func TestLookupMissingOrExpiredToken(t *testing.T) {
	rs, mr := setupTestRedis(t)
	ctx := context.Background()

	if _, err := rs.LookupRefreshSession(ctx, "no-such-hash"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LookupRefreshSession() = %v, want ErrNotFound", err)
	}

	if err := rs.SaveRefreshSession(ctx, "short-lived", "usr_2", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := rs.LookupRefreshSession(ctx, "short-lived"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LookupRefreshSession() after expiry = %v, want ErrNotFound", err)
	}
}

func TestSaveRejectsAlreadyExpired(t *testing.T) {
	rs, _ := setupTestRedis(t)
	if err := rs.SaveRefreshSession(context.Background(), "hash", "usr_1", time.Now().Add(-time.Minute)); err == nil {
		t.Fatal("expected error saving an already expired token")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := rs.SaveRefreshSession(ctx, "hash-a", "usr_1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	if err := rs.SaveRefreshSession(ctx, "hash-b", "usr_2", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}

	if err := rs.RevokeRefreshSession(ctx, "hash-a"); err != nil {
		t.Fatalf("RevokeRefreshSession() error = %v", err)
	}
	if _, err := rs.LookupRefreshSession(ctx, "hash-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoked token lookup = %v, want ErrNotFound", err)
	}
	if _, err := rs.LookupRefreshSession(ctx, "hash-b"); err != nil {
		t.Fatalf("unrelated token lookup error = %v", err)
	}

	// revoking an unknown hash is a no-op
	if err := rs.RevokeRefreshSession(ctx, "no-such-hash"); err != nil {
		t.Fatalf("RevokeRefreshSession() on missing hash error = %v", err)
	}
}
