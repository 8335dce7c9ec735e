package store

import (
	"time"

	"trellis/internal/perm"
)

type User struct {
	ID           string
	Name         string
	Surname      string
	Email        string
	PasswordHash string
	Role         string
	Company      string
	APIToken     string
	Archived     bool
	Comments     []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ACL returns the capability view of a user record: the account owner is
// the user itself, and profiles are readable by anyone.
func (u User) ACL() perm.ACL {
	return perm.ACL{Owner: u.ID, Private: false}
}

// Object is an immutable content node, deduplicated globally by Hash.
type Object struct {
	perm.ACL
	ID            string
	Hash          string
	GeometryHash  string
	Type          string
	Name          string
	ApplicationID string
	Properties    map[string]any
	PartOf        []string
	Parent        string
	Children      []string
	Ancestors     []string
	Comments      []string
	Deleted       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Layer is a keyed entry inside a stream. GUID is the stable identity used
// for diffing; ordering is irrelevant.
type Layer struct {
	GUID        string         `json:"guid"`
	Name        string         `json:"name"`
	OrderIndex  int            `json:"orderIndex"`
	ObjectCount int            `json:"objectCount"`
	Topology    string         `json:"topology"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// Stream is an ACL-bearing container of object references. StreamID is the
// short external id used in all cross-resource references; Parent/Children
// record the clone lineage forest.
type Stream struct {
	perm.ACL
	ID             string
	StreamID       string
	Name           string
	Description    string
	CommitMessage  string
	Tags           []string
	BaseProperties map[string]any
	GlobalMeasures map[string]any
	Objects        []string
	Layers         []Layer
	Parent         string
	Children       []string
	JobNumber      string
	Comments       []string
	Deleted        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProjectPermissions is the declarative grant set a project propagates onto
// its member streams.
type ProjectPermissions struct {
	CanRead  []string `json:"canRead"`
	CanWrite []string `json:"canWrite"`
}

type Project struct {
	perm.ACL
	ID          string
	Name        string
	Description string
	Tags        []string
	Streams     []string
	Permissions ProjectPermissions
	JobNumber   string
	Comments    []string
	Deleted     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CommentResource points a comment at the resource its thread hangs off.
type CommentResource struct {
	Type string `json:"resourceType"`
	ID   string `json:"resourceId"`
}

type Comment struct {
	ID         string
	Owner      string
	Resource   CommentResource
	Text       string
	Flagged    bool
	Closed     bool
	AssignedTo string
	Labels     []string
	Priority   string
	Status     string
	View       map[string]any
	Screenshot string
	Comments   []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ACL returns the capability view of the comment row itself. Reading a
// comment is gated on the underlying resource, not on this; ownership
// checks for update and delete use it.
func (c Comment) ACL() perm.ACL {
	return perm.ACL{Owner: c.Owner, Private: true}
}

// Client is an application client registered by a user against a stream.
type Client struct {
	perm.ACL
	ID               string
	Role             string
	DocumentGUID     string
	DocumentName     string
	DocumentType     string
	DocumentLocation string
	StreamID         string
	Online           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
