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

// ClientSpec is the inbound shape of an application client registration.
type ClientSpec struct {
	Role             string `json:"role"`
	DocumentGUID     string `json:"documentGuid"`
	DocumentName     string `json:"documentName"`
	DocumentType     string `json:"documentType"`
	DocumentLocation string `json:"documentLocation"`
	StreamID         string `json:"streamId"`
	Online           bool   `json:"online"`
}

// CreateClient registers an application client owned by the caller. When the
// client is bound to a stream the caller must be able to read it.
func (s *Service) CreateClient(ctx context.Context, spec ClientSpec, caller perm.Identity) (store.Client, error) {
	if spec.StreamID != "" {
		if _, err := s.GetStream(ctx, spec.StreamID, caller); err != nil {
			return store.Client{}, err
		}
	}
	client := store.Client{
		ACL: perm.ACL{
			Owner:   caller.ID,
			Private: true,
		},
		ID:               util.NewID("cli"),
		Role:             spec.Role,
		DocumentGUID:     spec.DocumentGUID,
		DocumentName:     spec.DocumentName,
		DocumentType:     spec.DocumentType,
		DocumentLocation: spec.DocumentLocation,
		StreamID:         spec.StreamID,
		Online:           spec.Online,
	}
	if err := s.store.InsertClient(ctx, client); err != nil {
		return store.Client{}, fmt.Errorf("insert client: %w", err)
	}
	return client, nil
}

func (s *Service) GetClient(ctx context.Context, id string, caller perm.Identity) (store.Client, error) {
	client, err := s.store.GetClient(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Client{}, errNotFound("client", id)
		}
		return store.Client{}, fmt.Errorf("load client: %w", err)
	}
	if !perm.CanRead(caller, client.ACL) {
		return store.Client{}, errNotFound("client", id)
	}
	return client, nil
}

func (s *Service) ListClients(ctx context.Context, caller perm.Identity) ([]store.Client, error) {
	clients, err := s.store.ListClientsByOwner(ctx, caller.ID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return clients, nil
}

// UpdateClient replaces a client's document binding and presence state.
func (s *Service) UpdateClient(ctx context.Context, id string, spec ClientSpec, caller perm.Identity) (store.Client, error) {
	client, err := s.GetClient(ctx, id, caller)
	if err != nil {
		return store.Client{}, err
	}
	if !perm.CanWrite(caller, client.ACL) {
		return store.Client{}, errForbidden("you do not have write access to this client")
	}
	if spec.StreamID != "" && spec.StreamID != client.StreamID {
		if _, err := s.GetStream(ctx, spec.StreamID, caller); err != nil {
			return store.Client{}, err
		}
	}

	client.Role = spec.Role
	client.DocumentGUID = spec.DocumentGUID
	client.DocumentName = spec.DocumentName
	client.DocumentType = spec.DocumentType
	client.DocumentLocation = spec.DocumentLocation
	client.StreamID = spec.StreamID
	client.Online = spec.Online

	if err := s.store.UpdateClient(ctx, client); err != nil {
		return store.Client{}, fmt.Errorf("update client: %w", err)
	}
	return client, nil
}

func (s *Service) DeleteClient(ctx context.Context, id string, caller perm.Identity) error {
	client, err := s.GetClient(ctx, id, caller)
	if err != nil {
		return err
	}
	if !perm.IsAdmin(caller) && !perm.IsOwner(caller, client.ACL) {
		return errForbidden("only the owner can delete a client")
	}
	if err := s.store.DeleteClient(ctx, client.ID); err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return nil
}
