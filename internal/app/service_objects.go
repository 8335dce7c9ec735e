package app

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"trellis/internal/perm"
	"trellis/internal/store"
	"trellis/internal/util"
)

// placeholderType marks client-side stand-ins that carry no content and are
// never persisted.
const placeholderType = "Placeholder"

// ObjectSpec is the inbound shape of an object save. ACL fields apply only
// when the spec results in a new row; duplicates keep the original's ACL.
type ObjectSpec struct {
	Type              string         `json:"type"`
	Name              string         `json:"name"`
	Hash              string         `json:"hash"`
	GeometryHash      string         `json:"geometryHash"`
	ApplicationID     string         `json:"applicationId"`
	Properties        map[string]any `json:"properties"`
	PartOf            []string       `json:"partOf"`
	Parent            string         `json:"parent"`
	Children          []string       `json:"children"`
	Ancestors         []string       `json:"ancestors"`
	Private           bool           `json:"private"`
	CanRead           []string       `json:"canRead"`
	CanWrite          []string       `json:"canWrite"`
	AnonymousComments bool           `json:"anonymousComments"`
}

// canonicalContent is the hashed representation of an object. Field order is
// fixed and ACL fields are excluded, so two saves of the same content by
// different owners collapse to one row.
type canonicalContent struct {
	Type          string         `json:"type"`
	Name          string         `json:"name"`
	GeometryHash  string         `json:"geometryHash"`
	ApplicationID string         `json:"applicationId"`
	Properties    map[string]any `json:"properties"`
	PartOf        []string       `json:"partOf"`
	Parent        string         `json:"parent"`
	Children      []string       `json:"children"`
	Ancestors     []string       `json:"ancestors"`
}

// hashObjectSpec returns the spec's dedup key and canonical payload. A
// client-supplied hash is kept as-is; the digest is computed only when the
// spec arrives without one.
func hashObjectSpec(spec ObjectSpec) (string, []byte, error) {
	payload, err := json.Marshal(canonicalContent{
		Type:          spec.Type,
		Name:          spec.Name,
		GeometryHash:  spec.GeometryHash,
		ApplicationID: spec.ApplicationID,
		Properties:    spec.Properties,
		PartOf:        spec.PartOf,
		Parent:        spec.Parent,
		Children:      spec.Children,
		Ancestors:     spec.Ancestors,
	})
	if err != nil {
		return "", nil, fmt.Errorf("canonicalise object: %w", err)
	}
	if spec.Hash != "" {
		return spec.Hash, payload, nil
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:]), payload, nil
}

// BulkSaveObjects persists the specs that do not already exist, deduplicating
// globally by content hash. Placeholder specs are dropped up front. The
// return value holds newly created rows only; a spec whose content already
// exists resolves silently to the prior row and is omitted, so callers that
// need the canonical id for a duplicate must re-resolve by hash.
func (s *Service) BulkSaveObjects(ctx context.Context, specs []ObjectSpec, caller perm.Identity) ([]store.Object, error) {
	type pending struct {
		obj     store.Object
		payload []byte
	}

	var (
		hashes  []string
		toSave  []pending
		inBatch = map[string]bool{}
	)
	for _, spec := range specs {
		if spec.Type == placeholderType {
			continue
		}
		hash, payload, err := hashObjectSpec(spec)
		if err != nil {
			return nil, err
		}
		if inBatch[hash] {
			continue
		}
		inBatch[hash] = true
		hashes = append(hashes, hash)
		toSave = append(toSave, pending{
			obj: store.Object{
				ACL: perm.ACL{
					Owner:             caller.ID,
					Private:           spec.Private,
					CanRead:           spec.CanRead,
					CanWrite:          spec.CanWrite,
					AnonymousComments: spec.AnonymousComments,
				},
				ID:            util.NewID("obj"),
				Hash:          hash,
				GeometryHash:  spec.GeometryHash,
				Type:          spec.Type,
				Name:          spec.Name,
				ApplicationID: spec.ApplicationID,
				Properties:    spec.Properties,
				PartOf:        spec.PartOf,
				Parent:        spec.Parent,
				Children:      spec.Children,
				Ancestors:     spec.Ancestors,
			},
			payload: payload,
		})
	}
	if len(toSave) == 0 {
		return []store.Object{}, nil
	}

	existing, err := s.store.ListObjectsByHashes(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("look up object hashes: %w", err)
	}
	known := map[string]bool{}
	for _, obj := range existing {
		known[obj.Hash] = true
	}

	var created []store.Object
	var rows []store.Object
	for _, p := range toSave {
		if known[p.obj.Hash] {
			continue
		}
		if s.blobs != nil {
			if err := s.blobs.Put(ctx, p.obj.Hash, p.payload); err != nil {
				return nil, fmt.Errorf("archive object payload: %w", err)
			}
		}
		rows = append(rows, p.obj)
		created = append(created, p.obj)
	}
	if len(rows) > 0 {
		if err := s.store.InsertObjects(ctx, rows); err != nil {
			return nil, fmt.Errorf("insert objects: %w", err)
		}
	}
	if created == nil {
		created = []store.Object{}
	}
	return created, nil
}

// resolveObjectIDs maps specs to canonical row ids, including rows that
// predate this save. Used where the full object set matters, not just the
// newly created rows.
func (s *Service) resolveObjectIDs(ctx context.Context, specs []ObjectSpec) ([]string, error) {
	var hashes []string
	seen := map[string]bool{}
	for _, spec := range specs {
		if spec.Type == placeholderType {
			continue
		}
		hash, _, err := hashObjectSpec(spec)
		if err != nil {
			return nil, err
		}
		if seen[hash] {
			continue
		}
		seen[hash] = true
		hashes = append(hashes, hash)
	}
	if len(hashes) == 0 {
		return []string{}, nil
	}
	objs, err := s.store.ListObjectsByHashes(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("resolve object hashes: %w", err)
	}
	byHash := map[string]string{}
	for _, obj := range objs {
		byHash[obj.Hash] = obj.ID
	}
	ids := make([]string, 0, len(hashes))
	for _, hash := range hashes {
		if id, ok := byHash[hash]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Service) GetObject(ctx context.Context, id string, caller perm.Identity) (store.Object, error) {
	obj, err := s.store.GetObject(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Object{}, errNotFound("object", id)
		}
		return store.Object{}, fmt.Errorf("load object: %w", err)
	}
	if !perm.CanRead(caller, obj.ACL) {
		return store.Object{}, errNotFound("object", id)
	}
	return obj, nil
}

// ListObjectsByIDs returns the readable subset. Missing and unreadable ids
// are skipped, never errors.
func (s *Service) ListObjectsByIDs(ctx context.Context, ids []string, caller perm.Identity) ([]store.Object, error) {
	objs, err := s.store.ListObjectsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	readable := make([]store.Object, 0, len(objs))
	for _, obj := range objs {
		if perm.CanRead(caller, obj.ACL) {
			readable = append(readable, obj)
		}
	}
	return readable, nil
}

// UpdateObjectProperties shallow-merges a patch into an object's properties.
// Top-level keys in the patch replace existing ones; other keys survive.
func (s *Service) UpdateObjectProperties(ctx context.Context, id string, patch map[string]any, caller perm.Identity) (store.Object, error) {
	obj, err := s.GetObject(ctx, id, caller)
	if err != nil {
		return store.Object{}, err
	}
	if !perm.CanWrite(caller, obj.ACL) {
		return store.Object{}, errForbidden("you do not have write access to this object")
	}
	if obj.Properties == nil {
		obj.Properties = map[string]any{}
	}
	for key, value := range patch {
		obj.Properties[key] = value
	}
	if err := s.store.UpdateObjectProperties(ctx, obj.ID, obj.Properties); err != nil {
		return store.Object{}, fmt.Errorf("update object properties: %w", err)
	}
	return obj, nil
}

func (s *Service) DeleteObject(ctx context.Context, id string, caller perm.Identity) error {
	obj, err := s.GetObject(ctx, id, caller)
	if err != nil {
		return err
	}
	if !perm.IsAdmin(caller) && !perm.IsOwner(caller, obj.ACL) {
		return errForbidden("only the owner can delete an object")
	}
	if err := s.store.DeleteObjects(ctx, []string{obj.ID}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// deleteOwnedObjects removes the caller-owned subset of the given rows,
// silently skipping the rest. Used to unwind a partially created stream;
// shared blob payloads stay in place because other rows may reference the
// same content elsewhere in time.
func (s *Service) deleteOwnedObjects(ctx context.Context, objs []store.Object, caller perm.Identity) error {
	var ids []string
	for _, obj := range objs {
		if perm.IsOwner(caller, obj.ACL) {
			ids = append(ids, obj.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.store.DeleteObjects(ctx, ids); err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	return nil
}
