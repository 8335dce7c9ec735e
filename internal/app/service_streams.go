package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"trellis/internal/perm"
	"trellis/internal/store"
	"trellis/internal/util"
)

// StreamSpec is the inbound shape of a stream create or update.
type StreamSpec struct {
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	CommitMessage     string         `json:"commitMessage"`
	Tags              []string       `json:"tags"`
	BaseProperties    map[string]any `json:"baseProperties"`
	GlobalMeasures    map[string]any `json:"globalMeasures"`
	Layers            []store.Layer  `json:"layers"`
	JobNumber         string         `json:"jobNumber"`
	Private           bool           `json:"private"`
	CanRead           []string       `json:"canRead"`
	CanWrite          []string       `json:"canWrite"`
	AnonymousComments bool           `json:"anonymousComments"`
}

// CreateStream saves the object set first, then the stream referencing it.
// The stream's object list carries canonical ids, so content that already
// existed before this save is still referenced. If the stream row cannot be
// written, the objects created for it are unwound.
func (s *Service) CreateStream(ctx context.Context, spec StreamSpec, objects []ObjectSpec, caller perm.Identity) (store.Stream, error) {
	if spec.Name == "" {
		return store.Stream{}, errValidation("stream name is required")
	}

	created, err := s.BulkSaveObjects(ctx, objects, caller)
	if err != nil {
		return store.Stream{}, err
	}
	ids, err := s.resolveObjectIDs(ctx, objects)
	if err != nil {
		return store.Stream{}, err
	}

	stream := store.Stream{
		ACL: perm.ACL{
			Owner:             caller.ID,
			Private:           spec.Private,
			CanRead:           spec.CanRead,
			CanWrite:          spec.CanWrite,
			AnonymousComments: spec.AnonymousComments,
		},
		ID:             util.NewID("str"),
		StreamID:       util.ShortID(),
		Name:           spec.Name,
		Description:    spec.Description,
		CommitMessage:  spec.CommitMessage,
		Tags:           spec.Tags,
		BaseProperties: spec.BaseProperties,
		GlobalMeasures: spec.GlobalMeasures,
		Objects:        ids,
		Layers:         spec.Layers,
		JobNumber:      spec.JobNumber,
	}
	if err := s.store.InsertStream(ctx, stream); err != nil {
		if unwindErr := s.deleteOwnedObjects(ctx, created, caller); unwindErr != nil {
			return store.Stream{}, fmt.Errorf("insert stream: %w (unwind failed: %v)", err, unwindErr)
		}
		return store.Stream{}, fmt.Errorf("insert stream: %w", err)
	}
	return stream, nil
}

func (s *Service) GetStream(ctx context.Context, streamID string, caller perm.Identity) (store.Stream, error) {
	stream, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Stream{}, errNotFound("stream", streamID)
		}
		return store.Stream{}, fmt.Errorf("load stream: %w", err)
	}
	if !perm.CanRead(caller, stream.ACL) {
		return store.Stream{}, errNotFound("stream", streamID)
	}
	return stream, nil
}

// ListStreams returns the caller's visible streams. Admins may ask for the
// unfiltered set; for everyone else the flag is ignored.
func (s *Service) ListStreams(ctx context.Context, caller perm.Identity, all bool) ([]store.Stream, error) {
	if all && perm.IsAdmin(caller) {
		return s.store.ListAllStreams(ctx)
	}
	return s.store.ListStreamsForUser(ctx, caller.ID)
}

// UpdateStream replaces the stream's descriptive fields, ACL lists and object
// set. Objects are saved additively first; previously referenced rows that
// drop out of the list are not deleted.
func (s *Service) UpdateStream(ctx context.Context, streamID string, spec StreamSpec, objects []ObjectSpec, caller perm.Identity) (store.Stream, error) {
	stream, err := s.GetStream(ctx, streamID, caller)
	if err != nil {
		return store.Stream{}, err
	}
	if !perm.CanWrite(caller, stream.ACL) {
		return store.Stream{}, errForbidden("you do not have write access to this stream")
	}

	created, err := s.BulkSaveObjects(ctx, objects, caller)
	if err != nil {
		return store.Stream{}, err
	}
	ids, err := s.resolveObjectIDs(ctx, objects)
	if err != nil {
		return store.Stream{}, err
	}

	stream.Name = spec.Name
	stream.Description = spec.Description
	stream.CommitMessage = spec.CommitMessage
	stream.Tags = spec.Tags
	stream.BaseProperties = spec.BaseProperties
	stream.GlobalMeasures = spec.GlobalMeasures
	stream.Layers = spec.Layers
	stream.JobNumber = spec.JobNumber
	stream.Private = spec.Private
	stream.CanRead = spec.CanRead
	stream.CanWrite = spec.CanWrite
	stream.AnonymousComments = spec.AnonymousComments
	stream.Objects = ids

	if err := s.store.UpdateStream(ctx, stream); err != nil {
		if unwindErr := s.deleteOwnedObjects(ctx, created, caller); unwindErr != nil {
			return store.Stream{}, fmt.Errorf("update stream: %w (unwind failed: %v)", err, unwindErr)
		}
		return store.Stream{}, fmt.Errorf("update stream: %w", err)
	}
	return stream, nil
}

// CloneResult pairs the updated parent with its new clone.
type CloneResult struct {
	Parent store.Stream `json:"parent"`
	Clone  store.Stream `json:"clone"`
}

// CloneStream copies a readable stream into a new row and records the
// lineage on both sides. When the caller is not the source owner, ownership
// transfers: the clone belongs to the caller, the source owner keeps
// read-only access, and the write list is cleared.
func (s *Service) CloneStream(ctx context.Context, streamID, name string, caller perm.Identity) (CloneResult, error) {
	source, err := s.GetStream(ctx, streamID, caller)
	if err != nil {
		return CloneResult{}, err
	}

	clone := source
	clone.ID = util.NewID("str")
	clone.StreamID = util.ShortID()
	clone.Parent = source.StreamID
	clone.Children = nil
	clone.Comments = nil
	if name != "" {
		clone.Name = name
	} else {
		clone.Name = source.Name + " (clone)"
	}
	if caller.ID != source.Owner {
		clone.Owner = caller.ID
		clone.CanRead = []string{source.Owner}
		clone.CanWrite = []string{}
	}

	if err := s.store.InsertStream(ctx, clone); err != nil {
		return CloneResult{}, fmt.Errorf("insert clone: %w", err)
	}

	parent := source
	parent.Children = append(append([]string{}, source.Children...), clone.StreamID)
	if err := s.store.UpdateStream(ctx, parent); err != nil {
		// keep the pair consistent: a failed lineage write takes the clone
		// down with it
		if unwindErr := s.store.DeleteStreams(ctx, []string{clone.StreamID}); unwindErr != nil {
			return CloneResult{}, fmt.Errorf("record lineage: %w (unwind failed: %v)", err, unwindErr)
		}
		return CloneResult{}, fmt.Errorf("record lineage: %w", err)
	}
	return CloneResult{Parent: parent, Clone: clone}, nil
}

// DiffSet partitions two id sets.
type DiffSet struct {
	Common []string `json:"common"`
	InA    []string `json:"inA"`
	InB    []string `json:"inB"`
}

// LayerDiff partitions two layer sets, keyed by layer GUID.
type LayerDiff struct {
	Common []store.Layer `json:"common"`
	InA    []store.Layer `json:"inA"`
	InB    []store.Layer `json:"inB"`
}

type StreamDiff struct {
	Objects DiffSet   `json:"objects"`
	Layers  LayerDiff `json:"layers"`
}

// DiffStreams compares the object and layer sets of two readable streams.
// A fresh clone diffs empty against its source.
func (s *Service) DiffStreams(ctx context.Context, streamA, streamB string, caller perm.Identity) (StreamDiff, error) {
	a, err := s.GetStream(ctx, streamA, caller)
	if err != nil {
		return StreamDiff{}, err
	}
	b, err := s.GetStream(ctx, streamB, caller)
	if err != nil {
		return StreamDiff{}, err
	}

	diff := StreamDiff{
		Objects: DiffSet{Common: []string{}, InA: []string{}, InB: []string{}},
		Layers:  LayerDiff{Common: []store.Layer{}, InA: []store.Layer{}, InB: []store.Layer{}},
	}

	inB := map[string]bool{}
	for _, id := range b.Objects {
		inB[id] = true
	}
	seenA := map[string]bool{}
	for _, id := range a.Objects {
		seenA[id] = true
		if inB[id] {
			diff.Objects.Common = append(diff.Objects.Common, id)
		} else {
			diff.Objects.InA = append(diff.Objects.InA, id)
		}
	}
	for _, id := range b.Objects {
		if !seenA[id] {
			diff.Objects.InB = append(diff.Objects.InB, id)
		}
	}

	layersB := map[string]store.Layer{}
	for _, layer := range b.Layers {
		layersB[layer.GUID] = layer
	}
	seenLayer := map[string]bool{}
	for _, layer := range a.Layers {
		seenLayer[layer.GUID] = true
		if _, ok := layersB[layer.GUID]; ok {
			diff.Layers.Common = append(diff.Layers.Common, layer)
		} else {
			diff.Layers.InA = append(diff.Layers.InA, layer)
		}
	}
	for _, layer := range b.Layers {
		if !seenLayer[layer.GUID] {
			diff.Layers.InB = append(diff.Layers.InB, layer)
		}
	}
	return diff, nil
}

// DeleteStream removes an owned stream and every descendant clone. The
// doomed set is computed up front; projects referencing any of it are
// detached before the rows go away, so no project is left pointing at a
// deleted stream.
func (s *Service) DeleteStream(ctx context.Context, streamID string, caller perm.Identity) error {
	root, err := s.GetStream(ctx, streamID, caller)
	if err != nil {
		return err
	}
	if !perm.IsAdmin(caller) && !perm.IsOwner(caller, root.ACL) {
		return errForbidden("only the owner can delete a stream")
	}

	doomed := map[string]bool{root.StreamID: true}
	frontier := append([]string{}, root.Children...)
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			if !doomed[id] {
				doomed[id] = true
				next = append(next, id)
			}
		}
		if len(next) == 0 {
			break
		}
		children, err := s.store.ListStreamsByIDs(ctx, next)
		if err != nil {
			return fmt.Errorf("walk clone lineage: %w", err)
		}
		frontier = nil
		for _, child := range children {
			frontier = append(frontier, child.Children...)
		}
	}

	doomedIDs := make([]string, 0, len(doomed))
	for id := range doomed {
		doomedIDs = append(doomedIDs, id)
	}

	projects, err := s.store.ListProjectsReferencingStreams(ctx, doomedIDs, "")
	if err != nil {
		return fmt.Errorf("find referencing projects: %w", err)
	}
	var g errgroup.Group
	for _, project := range projects {
		project := project
		survivors := make([]string, 0, len(project.Streams))
		for _, id := range project.Streams {
			if !doomed[id] {
				survivors = append(survivors, id)
			}
		}
		project.Streams = survivors
		g.Go(func() error {
			return s.store.UpdateProject(ctx, project)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("detach streams from projects: %w", err)
	}

	if err := s.store.DeleteStreams(ctx, doomedIDs); err != nil {
		return fmt.Errorf("delete streams: %w", err)
	}
	return nil
}

// GetStreamObjects resolves a stream's object references to the subset the
// caller can read. References to rows that disappeared or that the caller's
// ACL denies are skipped.
func (s *Service) GetStreamObjects(ctx context.Context, streamID string, caller perm.Identity) ([]store.Object, error) {
	stream, err := s.GetStream(ctx, streamID, caller)
	if err != nil {
		return nil, err
	}
	return s.ListObjectsByIDs(ctx, stream.Objects, caller)
}

func (s *Service) GetStreamClients(ctx context.Context, streamID string, caller perm.Identity) ([]store.Client, error) {
	stream, err := s.GetStream(ctx, streamID, caller)
	if err != nil {
		return nil, err
	}
	clients, err := s.store.ListClientsByStream(ctx, stream.StreamID)
	if err != nil {
		return nil, fmt.Errorf("list stream clients: %w", err)
	}
	return clients, nil
}
