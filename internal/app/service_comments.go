package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"trellis/internal/perm"
	"trellis/internal/store"
	"trellis/internal/util"
)

// resolvedResource is a comment target reduced to what threads need: its
// capability view and its attached comment ids.
type resolvedResource struct {
	Resource store.CommentResource
	ACL      perm.ACL
	Comments []string
}

// resolveResource loads a comment target by type tag. Unknown tags fail with
// the unsupported-type error; a missing or unreadable target reports as not
// found. Comments themselves are not a valid target, so threads stay one
// level deep at creation time.
func (s *Service) resolveResource(ctx context.Context, resourceType, id string, caller perm.Identity) (resolvedResource, error) {
	switch resourceType {
	case "stream", "streams":
		stream, err := s.GetStream(ctx, id, caller)
		if err != nil {
			return resolvedResource{}, err
		}
		return resolvedResource{
			Resource: store.CommentResource{Type: "stream", ID: stream.StreamID},
			ACL:      stream.ACL,
			Comments: stream.Comments,
		}, nil
	case "object", "objects":
		obj, err := s.GetObject(ctx, id, caller)
		if err != nil {
			return resolvedResource{}, err
		}
		return resolvedResource{
			Resource: store.CommentResource{Type: "object", ID: obj.ID},
			ACL:      obj.ACL,
			Comments: obj.Comments,
		}, nil
	case "project", "projects":
		project, err := s.GetProject(ctx, id, caller)
		if err != nil {
			return resolvedResource{}, err
		}
		return resolvedResource{
			Resource: store.CommentResource{Type: "project", ID: project.ID},
			ACL:      project.ACL,
			Comments: project.Comments,
		}, nil
	case "user":
		user, err := s.store.GetUserByID(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return resolvedResource{}, errNotFound("user", id)
			}
			return resolvedResource{}, fmt.Errorf("load user: %w", err)
		}
		return resolvedResource{
			Resource: store.CommentResource{Type: "user", ID: user.ID},
			ACL:      user.ACL(),
			Comments: user.Comments,
		}, nil
	default:
		return resolvedResource{}, errUnsupportedResourceType(resourceType)
	}
}

// CommentInput is the inbound shape of a new comment.
type CommentInput struct {
	Text       string         `json:"text"`
	AssignedTo string         `json:"assignedTo"`
	Labels     []string       `json:"labels"`
	Priority   string         `json:"priority"`
	Status     string         `json:"status"`
	View       map[string]any `json:"view"`
	Screenshot string         `json:"screenshot"`
}

// CreateComment attaches a new comment to a resource the caller may comment
// on. The comment row and the resource's thread reference persist as a pair;
// if the reference write fails the row is unwound.
func (s *Service) CreateComment(ctx context.Context, resourceType, resourceID string, input CommentInput, caller perm.Identity) (store.Comment, error) {
	if input.Text == "" {
		return store.Comment{}, errValidation("comment text is required")
	}
	target, err := s.resolveResource(ctx, resourceType, resourceID, caller)
	if err != nil {
		return store.Comment{}, err
	}
	if !perm.CanComment(caller, target.ACL) {
		return store.Comment{}, errForbidden("you cannot comment on this resource")
	}

	comment := store.Comment{
		ID:         util.NewID("cmt"),
		Owner:      caller.ID,
		Resource:   target.Resource,
		Text:       input.Text,
		AssignedTo: input.AssignedTo,
		Labels:     input.Labels,
		Priority:   input.Priority,
		Status:     input.Status,
		View:       input.View,
		Screenshot: input.Screenshot,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	if err := s.store.AppendResourceComment(ctx, target.Resource, comment.ID); err != nil {
		if unwindErr := s.store.DeleteComment(ctx, comment.ID); unwindErr != nil {
			return store.Comment{}, fmt.Errorf("attach comment: %w (unwind failed: %v)", err, unwindErr)
		}
		return store.Comment{}, fmt.Errorf("attach comment: %w", err)
	}
	return comment, nil
}

// GetComment returns a comment if the caller can read the resource it hangs
// off. The comment row has no readable ACL of its own.
func (s *Service) GetComment(ctx context.Context, id string, caller perm.Identity) (store.Comment, error) {
	comment, err := s.store.GetComment(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Comment{}, errNotFound("comment", id)
		}
		return store.Comment{}, fmt.Errorf("load comment: %w", err)
	}
	if _, err := s.resolveResource(ctx, comment.Resource.Type, comment.Resource.ID, caller); err != nil {
		return store.Comment{}, errNotFound("comment", id)
	}
	return comment, nil
}

// ListResourceComments returns the thread attached to a readable resource.
func (s *Service) ListResourceComments(ctx context.Context, resourceType, resourceID string, caller perm.Identity) ([]store.Comment, error) {
	target, err := s.resolveResource(ctx, resourceType, resourceID, caller)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListCommentsByIDs(ctx, target.Comments)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return comments, nil
}

// ListAssignedComments returns comments assigned to the caller whose
// underlying resource the caller can still read.
func (s *Service) ListAssignedComments(ctx context.Context, caller perm.Identity) ([]store.Comment, error) {
	comments, err := s.store.ListCommentsByAssignee(ctx, caller.ID)
	if err != nil {
		return nil, fmt.Errorf("list assigned comments: %w", err)
	}
	readable := make([]store.Comment, 0, len(comments))
	for _, comment := range comments {
		if _, err := s.resolveResource(ctx, comment.Resource.Type, comment.Resource.ID, caller); err != nil {
			continue
		}
		readable = append(readable, comment)
	}
	return readable, nil
}

// CommentUpdate is a sparse patch; nil fields are left alone.
type CommentUpdate struct {
	Text       *string   `json:"text"`
	Closed     *bool     `json:"closed"`
	Flagged    *bool     `json:"flagged"`
	AssignedTo *string   `json:"assignedTo"`
	Labels     *[]string `json:"labels"`
	Priority   *string   `json:"priority"`
	Status     *string   `json:"status"`
}

// UpdateComment patches a comment. Only the comment's author may edit it.
func (s *Service) UpdateComment(ctx context.Context, id string, patch CommentUpdate, caller perm.Identity) (store.Comment, error) {
	comment, err := s.GetComment(ctx, id, caller)
	if err != nil {
		return store.Comment{}, err
	}
	if !perm.IsAdmin(caller) && !perm.IsOwner(caller, comment.ACL()) {
		return store.Comment{}, errForbidden("only the author can edit a comment")
	}

	if patch.Text != nil {
		comment.Text = *patch.Text
	}
	if patch.Closed != nil {
		comment.Closed = *patch.Closed
	}
	if patch.Flagged != nil {
		comment.Flagged = *patch.Flagged
	}
	if patch.AssignedTo != nil {
		comment.AssignedTo = *patch.AssignedTo
	}
	if patch.Labels != nil {
		comment.Labels = *patch.Labels
	}
	if patch.Priority != nil {
		comment.Priority = *patch.Priority
	}
	if patch.Status != nil {
		comment.Status = *patch.Status
	}

	if err := s.store.UpdateComment(ctx, comment); err != nil {
		return store.Comment{}, fmt.Errorf("update comment: %w", err)
	}
	return comment, nil
}

// DeleteComment removes a comment and its reply chain. The caller must own
// both the comment and the resource it hangs off.
func (s *Service) DeleteComment(ctx context.Context, id string, caller perm.Identity) error {
	comment, err := s.GetComment(ctx, id, caller)
	if err != nil {
		return err
	}
	target, err := s.resolveResource(ctx, comment.Resource.Type, comment.Resource.ID, caller)
	if err != nil {
		return err
	}
	if !perm.IsAdmin(caller) &&
		(!perm.IsOwner(caller, comment.ACL()) || !perm.IsOwner(caller, target.ACL)) {
		return errForbidden("you must own both the comment and its resource to delete it")
	}

	// collect the reply chain before deleting anything
	doomed := []string{comment.ID}
	frontier := append([]string{}, comment.Comments...)
	seen := map[string]bool{comment.ID: true}
	for len(frontier) > 0 {
		var ids []string
		for _, replyID := range frontier {
			if !seen[replyID] {
				seen[replyID] = true
				ids = append(ids, replyID)
			}
		}
		if len(ids) == 0 {
			break
		}
		replies, err := s.store.ListCommentsByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("walk reply chain: %w", err)
		}
		doomed = append(doomed, ids...)
		frontier = nil
		for _, reply := range replies {
			frontier = append(frontier, reply.Comments...)
		}
	}

	for _, doomedID := range doomed {
		if err := s.store.DeleteComment(ctx, doomedID); err != nil {
			return fmt.Errorf("delete comment: %w", err)
		}
	}
	return nil
}
