package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"trellis/internal/config"
	"trellis/internal/perm"
	"trellis/internal/store"
)

// fakeStore is an in-memory dataStore for service tests. Streams are keyed
// by their short external id, everything else by row id.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]store.User
	objects  map[string]store.Object
	streams  map[string]store.Stream
	projects map[string]store.Project
	comments map[string]store.Comment
	clients  map[string]store.Client
	sessions map[string]fakeSession
	revoked  map[string]bool

	failUpdateStream bool
	failInsertStream bool
}

type fakeSession struct {
	userID    string
	expiresAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    map[string]store.User{},
		objects:  map[string]store.Object{},
		streams:  map[string]store.Stream{},
		projects: map[string]store.Project{},
		comments: map[string]store.Comment{},
		clients:  map[string]store.Client{},
		sessions: map[string]fakeSession{},
		revoked:  map[string]bool{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CreateUser(_ context.Context, u store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CountUsers(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}

func (f *fakeStore) UpdateUser(_ context.Context, u store.User) error {
	return f.CreateUser(context.Background(), u)
}

func (f *fakeStore) SearchUsers(_ context.Context, fragment string, limit int) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.User
	fragment = strings.ToLower(fragment)
	for _, u := range f.users {
		if len(out) >= limit {
			break
		}
		if strings.Contains(strings.ToLower(u.Name+" "+u.Surname+" "+u.Email), fragment) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertObjects(_ context.Context, objs []store.Object) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range objs {
		for _, existing := range f.objects {
			if existing.Hash == obj.Hash {
				return errors.New("duplicate object hash")
			}
		}
		f.objects[obj.ID] = obj
	}
	return nil
}

func (f *fakeStore) GetObject(_ context.Context, id string) (store.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[id]
	if !ok {
		return store.Object{}, sql.ErrNoRows
	}
	return obj, nil
}

func (f *fakeStore) ListObjectsByIDs(_ context.Context, ids []string) ([]store.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Object
	for _, id := range ids {
		if obj, ok := f.objects[id]; ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (f *fakeStore) ListObjectsByHashes(_ context.Context, hashes []string) ([]store.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Object
	for _, hash := range hashes {
		for _, obj := range f.objects {
			if obj.Hash == hash {
				out = append(out, obj)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateObjectProperties(_ context.Context, id string, properties map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[id]
	if !ok {
		return sql.ErrNoRows
	}
	obj.Properties = properties
	f.objects[id] = obj
	return nil
}

func (f *fakeStore) DeleteObjects(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.objects, id)
	}
	return nil
}

func (f *fakeStore) InsertStream(_ context.Context, s store.Stream) error {
	if f.failInsertStream {
		return errors.New("insert stream failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[s.StreamID] = s
	return nil
}

func (f *fakeStore) GetStream(_ context.Context, streamID string) (store.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[streamID]
	if !ok {
		return store.Stream{}, sql.ErrNoRows
	}
	return s, nil
}

func (f *fakeStore) ListStreamsByIDs(_ context.Context, streamIDs []string) ([]store.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Stream
	for _, id := range streamIDs {
		if s, ok := f.streams[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) ListStreamsForUser(_ context.Context, userID string) ([]store.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Stream
	member := perm.Member(userID)
	for _, s := range f.streams {
		if perm.CanRead(member, s.ACL) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) ListAllStreams(context.Context) ([]store.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Stream
	for _, s := range f.streams {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) UpdateStream(_ context.Context, s store.Stream) error {
	if f.failUpdateStream {
		return errors.New("update stream failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.streams[s.StreamID]; !ok {
		return sql.ErrNoRows
	}
	f.streams[s.StreamID] = s
	return nil
}

func (f *fakeStore) DeleteStreams(_ context.Context, streamIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range streamIDs {
		delete(f.streams, id)
	}
	return nil
}

func (f *fakeStore) InsertProject(_ context.Context, p store.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[p.ID] = p
	return nil
}

func (f *fakeStore) GetProject(_ context.Context, id string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) ListProjectsForUser(_ context.Context, userID string) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Project
	member := perm.Member(userID)
	for _, p := range f.projects {
		if perm.CanRead(member, p.ACL) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) ListAllProjects(context.Context) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Project
	for _, p := range f.projects {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) ListProjectsReferencingStreams(_ context.Context, streamIDs []string, excludeProjectID string) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := map[string]bool{}
	for _, id := range streamIDs {
		wanted[id] = true
	}
	var out []store.Project
	for _, p := range f.projects {
		if p.ID == excludeProjectID {
			continue
		}
		for _, id := range p.Streams {
			if wanted[id] {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateProject(_ context.Context, p store.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[p.ID]; !ok {
		return sql.ErrNoRows
	}
	f.projects[p.ID] = p
	return nil
}

func (f *fakeStore) DeleteProject(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.projects, id)
	return nil
}

func (f *fakeStore) InsertComment(_ context.Context, c store.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[c.ID] = c
	return nil
}

func (f *fakeStore) GetComment(_ context.Context, id string) (store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		return store.Comment{}, sql.ErrNoRows
	}
	return c, nil
}

func (f *fakeStore) ListCommentsByIDs(_ context.Context, ids []string) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Comment
	for _, id := range ids {
		if c, ok := f.comments[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) ListCommentsByAssignee(_ context.Context, userID string) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Comment
	for _, c := range f.comments {
		if c.AssignedTo == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateComment(_ context.Context, c store.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.comments[c.ID]; !ok {
		return sql.ErrNoRows
	}
	f.comments[c.ID] = c
	return nil
}

func (f *fakeStore) DeleteComment(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.comments, id)
	return nil
}

func (f *fakeStore) AppendResourceComment(_ context.Context, resource store.CommentResource, commentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch resource.Type {
	case "stream":
		s, ok := f.streams[resource.ID]
		if !ok {
			return sql.ErrNoRows
		}
		s.Comments = append(s.Comments, commentID)
		f.streams[resource.ID] = s
	case "object":
		o, ok := f.objects[resource.ID]
		if !ok {
			return sql.ErrNoRows
		}
		o.Comments = append(o.Comments, commentID)
		f.objects[resource.ID] = o
	case "project":
		p, ok := f.projects[resource.ID]
		if !ok {
			return sql.ErrNoRows
		}
		p.Comments = append(p.Comments, commentID)
		f.projects[resource.ID] = p
	case "user":
		u, ok := f.users[resource.ID]
		if !ok {
			return sql.ErrNoRows
		}
		u.Comments = append(u.Comments, commentID)
		f.users[resource.ID] = u
	default:
		return errors.New("unknown resource type")
	}
	return nil
}

func (f *fakeStore) InsertClient(_ context.Context, c store.Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[c.ID] = c
	return nil
}

func (f *fakeStore) GetClient(_ context.Context, id string) (store.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok {
		return store.Client{}, sql.ErrNoRows
	}
	return c, nil
}

func (f *fakeStore) ListClientsByOwner(_ context.Context, userID string) ([]store.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Client
	for _, c := range f.clients {
		if c.Owner == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) ListClientsByStream(_ context.Context, streamID string) ([]store.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Client
	for _, c := range f.clients {
		if c.StreamID == streamID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateClient(_ context.Context, c store.Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c.ID]; !ok {
		return sql.ErrNoRows
	}
	f.clients[c.ID] = c
	return nil
}

func (f *fakeStore) DeleteClient(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, id)
	return nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[tokenHash] = fakeSession{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.sessions[tokenHash]
	if !ok || time.Now().After(ref.expiresAt) {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: ref.userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

// fakeBlobStore records payloads by hash.
type fakeBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: map[string][]byte{}}
}

func (f *fakeBlobStore) Put(_ context.Context, hash string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[hash] = payload
	return nil
}

func (f *fakeBlobStore) Get(_ context.Context, hash string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.blobs[hash]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return payload, nil
}

func (f *fakeBlobStore) Remove(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, hash)
	return nil
}

func userFixture(id, email string) store.User {
	return store.User{ID: id, Name: id, Email: email, Role: "user"}
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
	}
}

func newTestService(fs *fakeStore) *Service {
	return New(testConfig(), fs)
}

func errorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

func errorStatus(err error) int {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status
	}
	return http.StatusInternalServerError
}
