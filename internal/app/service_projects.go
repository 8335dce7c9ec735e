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

// ProjectSpec is the inbound shape of a project create or update.
type ProjectSpec struct {
	Name              string                   `json:"name"`
	Description       string                   `json:"description"`
	Tags              []string                 `json:"tags"`
	Streams           []string                 `json:"streams"`
	Permissions       store.ProjectPermissions `json:"permissions"`
	JobNumber         string                   `json:"jobNumber"`
	Private           bool                     `json:"private"`
	CanRead           []string                 `json:"canRead"`
	CanWrite          []string                 `json:"canWrite"`
	AnonymousComments bool                     `json:"anonymousComments"`
}

// CreateProject persists a project and pushes its declared permissions onto
// the member streams.
func (s *Service) CreateProject(ctx context.Context, spec ProjectSpec, caller perm.Identity) (store.Project, error) {
	if spec.Name == "" {
		return store.Project{}, errValidation("project name is required")
	}

	project := store.Project{
		ACL: perm.ACL{
			Owner:             caller.ID,
			Private:           spec.Private,
			CanRead:           dropEmpty(spec.CanRead),
			CanWrite:          dropEmpty(spec.CanWrite),
			AnonymousComments: spec.AnonymousComments,
		},
		ID:          util.NewID("prj"),
		Name:        spec.Name,
		Description: spec.Description,
		Tags:        spec.Tags,
		Streams:     dropEmpty(spec.Streams),
		Permissions: store.ProjectPermissions{
			CanRead:  dropEmpty(spec.Permissions.CanRead),
			CanWrite: dropEmpty(spec.Permissions.CanWrite),
		},
		JobNumber: spec.JobNumber,
	}

	if err := s.applyProjectPermissions(ctx, project); err != nil {
		return store.Project{}, err
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return store.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return project, nil
}

// applyProjectPermissions grants the project's declared read and write sets
// on every member stream. Grants are monotonic: streams only gain entries
// here, never lose them. Each user is evaluated through the permission
// engine with a shadow identity, so a user who already holds access through
// the stream's own ACL is left alone. Writes fan out concurrently; the first
// failure surfaces after all attempted writes complete.
func (s *Service) applyProjectPermissions(ctx context.Context, project store.Project) error {
	if len(project.Streams) == 0 {
		return nil
	}
	streams, err := s.store.ListStreamsByIDs(ctx, project.Streams)
	if err != nil {
		return fmt.Errorf("load project streams: %w", err)
	}

	var g errgroup.Group
	for _, stream := range streams {
		stream := stream
		changed := false
		for _, uid := range project.Permissions.CanRead {
			if !perm.CanRead(perm.Member(uid), stream.ACL) {
				stream.CanRead = append(stream.CanRead, uid)
				changed = true
			}
		}
		for _, uid := range project.Permissions.CanWrite {
			if !perm.CanWrite(perm.Member(uid), stream.ACL) {
				stream.CanWrite = append(stream.CanWrite, uid)
				changed = true
			}
		}
		if !changed {
			continue
		}
		g.Go(func() error {
			return s.store.UpdateStream(ctx, stream)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("apply project permissions: %w", err)
	}
	return nil
}

// recomputeGrants re-derives each user's access to a stream from the
// projects that still reference it. Desired access is write if any remaining
// project would grant the user write, read if any would grant read, else
// nothing; the stream's explicit lists are patched to match. Returns whether
// the stream changed.
func recomputeGrants(users []string, remaining []store.Project, stream *store.Stream) bool {
	changed := false
	for _, uid := range users {
		member := perm.Member(uid)
		wantRead, wantWrite := false, false
		for _, p := range remaining {
			if perm.CanWrite(member, p.ACL) {
				wantWrite = true
			}
			if perm.CanRead(member, p.ACL) {
				wantRead = true
			}
		}

		if wantRead && !perm.CanRead(member, stream.ACL) {
			stream.CanRead = append(stream.CanRead, uid)
			changed = true
		} else if !wantRead && contains(stream.CanRead, uid) {
			stream.CanRead = remove(stream.CanRead, uid)
			changed = true
		}
		if wantWrite && !perm.CanWrite(member, stream.ACL) {
			stream.CanWrite = append(stream.CanWrite, uid)
			changed = true
		} else if !wantWrite && contains(stream.CanWrite, uid) {
			stream.CanWrite = remove(stream.CanWrite, uid)
			changed = true
		}
	}
	return changed
}

// affectedUsers is the set of users whose stream access is attributable to
// the project's declared permissions.
func affectedUsers(project store.Project) []string {
	seen := map[string]bool{}
	var users []string
	for _, uid := range append(append([]string{}, project.Permissions.CanRead...), project.Permissions.CanWrite...) {
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true
		users = append(users, uid)
	}
	return users
}

func (s *Service) GetProject(ctx context.Context, id string, caller perm.Identity) (store.Project, error) {
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, errNotFound("project", id)
		}
		return store.Project{}, fmt.Errorf("load project: %w", err)
	}
	if !perm.CanRead(caller, project.ACL) {
		return store.Project{}, errNotFound("project", id)
	}
	return project, nil
}

func (s *Service) ListProjects(ctx context.Context, caller perm.Identity, all bool) ([]store.Project, error) {
	if all && perm.IsAdmin(caller) {
		return s.store.ListAllProjects(ctx)
	}
	return s.store.ListProjectsForUser(ctx, caller.ID)
}

// UpdateProject replaces descriptive fields and ACL lists. Stream membership
// and the permission roster have their own operations and are not touched
// here.
func (s *Service) UpdateProject(ctx context.Context, id string, spec ProjectSpec, caller perm.Identity) (store.Project, error) {
	project, err := s.GetProject(ctx, id, caller)
	if err != nil {
		return store.Project{}, err
	}
	if !perm.CanWrite(caller, project.ACL) {
		return store.Project{}, errForbidden("you do not have write access to this project")
	}

	project.Name = spec.Name
	project.Description = spec.Description
	project.Tags = spec.Tags
	project.JobNumber = spec.JobNumber
	project.Private = spec.Private
	project.CanRead = dropEmpty(spec.CanRead)
	project.CanWrite = dropEmpty(spec.CanWrite)
	project.AnonymousComments = spec.AnonymousComments

	if err := s.store.UpdateProject(ctx, project); err != nil {
		return store.Project{}, fmt.Errorf("update project: %w", err)
	}
	return project, nil
}

// AddStreamToProject attaches a stream and applies the project's grants to
// it. The caller needs write access to both sides.
func (s *Service) AddStreamToProject(ctx context.Context, projectID, streamID string, caller perm.Identity) (store.Project, error) {
	project, err := s.GetProject(ctx, projectID, caller)
	if err != nil {
		return store.Project{}, err
	}
	if !perm.CanWrite(caller, project.ACL) {
		return store.Project{}, errForbidden("you do not have write access to this project")
	}
	stream, err := s.GetStream(ctx, streamID, caller)
	if err != nil {
		return store.Project{}, err
	}
	if !perm.CanWrite(caller, stream.ACL) {
		return store.Project{}, errForbidden("you do not have write access to this stream")
	}

	if !contains(project.Streams, stream.StreamID) {
		project.Streams = append(project.Streams, stream.StreamID)
	}
	if err := s.applyProjectPermissions(ctx, project); err != nil {
		return store.Project{}, err
	}
	if err := s.store.UpdateProject(ctx, project); err != nil {
		return store.Project{}, fmt.Errorf("update project: %w", err)
	}
	return project, nil
}

// RemoveStreamFromProject detaches a stream. Access that the project had
// granted on the stream is recomputed from the other projects still
// referencing it: users another project still justifies keep their grants,
// the rest are stripped.
func (s *Service) RemoveStreamFromProject(ctx context.Context, projectID, streamID string, caller perm.Identity) (store.Project, error) {
	project, err := s.GetProject(ctx, projectID, caller)
	if err != nil {
		return store.Project{}, err
	}
	if !perm.CanWrite(caller, project.ACL) {
		return store.Project{}, errForbidden("you do not have write access to this project")
	}
	stream, err := s.GetStream(ctx, streamID, caller)
	if err != nil {
		return store.Project{}, err
	}
	if !perm.CanWrite(caller, stream.ACL) {
		return store.Project{}, errForbidden("you do not have write access to this stream")
	}
	if !contains(project.Streams, stream.StreamID) {
		return store.Project{}, errValidation("stream is not part of this project")
	}

	remaining, err := s.store.ListProjectsReferencingStreams(ctx, []string{stream.StreamID}, project.ID)
	if err != nil {
		return store.Project{}, fmt.Errorf("find co-projects: %w", err)
	}
	if recomputeGrants(affectedUsers(project), remaining, &stream) {
		if err := s.store.UpdateStream(ctx, stream); err != nil {
			return store.Project{}, fmt.Errorf("revoke stream grants: %w", err)
		}
	}

	project.Streams = remove(project.Streams, stream.StreamID)
	if err := s.store.UpdateProject(ctx, project); err != nil {
		return store.Project{}, fmt.Errorf("update project: %w", err)
	}
	return project, nil
}

// AddUserToProject enrols a user with read permission and applies the grant
// across the member streams.
func (s *Service) AddUserToProject(ctx context.Context, projectID, userID string, caller perm.Identity) (store.Project, error) {
	return s.setProjectMember(ctx, projectID, userID, caller, false)
}

// UpgradeUserInProject promotes an enrolled user to write permission.
func (s *Service) UpgradeUserInProject(ctx context.Context, projectID, userID string, caller perm.Identity) (store.Project, error) {
	return s.setProjectMember(ctx, projectID, userID, caller, true)
}

// DowngradeUserInProject drops a user's write permission, keeping read.
// Apply is monotonic, so write access already pushed onto streams stays
// until a revoking event recomputes it.
func (s *Service) DowngradeUserInProject(ctx context.Context, projectID, userID string, caller perm.Identity) (store.Project, error) {
	return s.setProjectMember(ctx, projectID, userID, caller, false)
}

func (s *Service) setProjectMember(ctx context.Context, projectID, userID string, caller perm.Identity, write bool) (store.Project, error) {
	if userID == "" {
		return store.Project{}, errValidation("user id is required")
	}
	project, err := s.GetProject(ctx, projectID, caller)
	if err != nil {
		return store.Project{}, err
	}
	if !perm.CanWrite(caller, project.ACL) {
		return store.Project{}, errForbidden("you do not have write access to this project")
	}

	if !contains(project.Permissions.CanRead, userID) {
		project.Permissions.CanRead = append(project.Permissions.CanRead, userID)
	}
	if write {
		if !contains(project.Permissions.CanWrite, userID) {
			project.Permissions.CanWrite = append(project.Permissions.CanWrite, userID)
		}
	} else {
		project.Permissions.CanWrite = remove(project.Permissions.CanWrite, userID)
	}
	// membership mirrors the permission roster on the project's own ACL so
	// enrolled users can see the project
	if !contains(project.CanRead, userID) {
		project.CanRead = append(project.CanRead, userID)
	}
	if write {
		if !contains(project.CanWrite, userID) {
			project.CanWrite = append(project.CanWrite, userID)
		}
	} else {
		project.CanWrite = remove(project.CanWrite, userID)
	}

	if err := s.applyProjectPermissions(ctx, project); err != nil {
		return store.Project{}, err
	}
	if err := s.store.UpdateProject(ctx, project); err != nil {
		return store.Project{}, fmt.Errorf("update project: %w", err)
	}
	return project, nil
}

// RemoveUserFromProject strikes a user from the roster and recomputes their
// access on every member stream. The post-removal project itself counts as a
// remaining project in the recompute, so a non-private project still grants
// through its open ACL.
func (s *Service) RemoveUserFromProject(ctx context.Context, projectID, userID string, caller perm.Identity) (store.Project, error) {
	project, err := s.GetProject(ctx, projectID, caller)
	if err != nil {
		return store.Project{}, err
	}
	if !perm.CanWrite(caller, project.ACL) {
		return store.Project{}, errForbidden("you do not have write access to this project")
	}
	if project.Owner == userID {
		return store.Project{}, errValidation("the project owner cannot be removed")
	}

	project.Permissions.CanRead = remove(project.Permissions.CanRead, userID)
	project.Permissions.CanWrite = remove(project.Permissions.CanWrite, userID)
	project.CanRead = remove(project.CanRead, userID)
	project.CanWrite = remove(project.CanWrite, userID)

	if err := s.revokeAcrossStreams(ctx, project, []string{userID}, &project); err != nil {
		return store.Project{}, err
	}
	if err := s.store.UpdateProject(ctx, project); err != nil {
		return store.Project{}, fmt.Errorf("update project: %w", err)
	}
	return project, nil
}

// DeleteProject removes a project after recomputing every enrolled user's
// access on each member stream without it.
func (s *Service) DeleteProject(ctx context.Context, id string, caller perm.Identity) error {
	project, err := s.GetProject(ctx, id, caller)
	if err != nil {
		return err
	}
	if !perm.IsAdmin(caller) && !perm.IsOwner(caller, project.ACL) {
		return errForbidden("only the owner can delete a project")
	}

	if err := s.revokeAcrossStreams(ctx, project, affectedUsers(project), nil); err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, project.ID); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// revokeAcrossStreams recomputes the given users' grants on every member
// stream of the project, considering all other projects referencing each
// stream. When self is non-nil its (already mutated) state also counts as a
// remaining project. Stream writes fan out concurrently; the first failure
// surfaces after all attempted writes complete.
func (s *Service) revokeAcrossStreams(ctx context.Context, project store.Project, users []string, self *store.Project) error {
	if len(project.Streams) == 0 || len(users) == 0 {
		return nil
	}
	streams, err := s.store.ListStreamsByIDs(ctx, project.Streams)
	if err != nil {
		return fmt.Errorf("load project streams: %w", err)
	}
	others, err := s.store.ListProjectsReferencingStreams(ctx, project.Streams, project.ID)
	if err != nil {
		return fmt.Errorf("find co-projects: %w", err)
	}

	var g errgroup.Group
	for _, stream := range streams {
		stream := stream
		var remaining []store.Project
		for _, p := range others {
			if contains(p.Streams, stream.StreamID) {
				remaining = append(remaining, p)
			}
		}
		if self != nil {
			remaining = append(remaining, *self)
		}
		if !recomputeGrants(users, remaining, &stream) {
			continue
		}
		g.Go(func() error {
			return s.store.UpdateStream(ctx, stream)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("revoke stream grants: %w", err)
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}

func dropEmpty(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
