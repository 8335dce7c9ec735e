package app

import (
	"context"
	"net/http"
	"testing"
)

func TestCreateClientBoundToStream(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)

	stream := mustCreateStream(t, svc, StreamSpec{Name: "model", Private: true}, alice)

	client, err := svc.CreateClient(ctx, ClientSpec{
		Role:         "sender",
		DocumentGUID: "doc-1",
		DocumentName: "tower.rvt",
		StreamID:     stream.StreamID,
		Online:       true,
	}, alice)
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if client.Owner != alice.ID || !client.Private {
		t.Fatalf("client ACL = owner %q private %v, want %q/true", client.Owner, client.Private, alice.ID)
	}

	got, err := svc.GetClient(ctx, client.ID, alice)
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if got.StreamID != stream.StreamID {
		t.Fatalf("StreamID = %q, want %q", got.StreamID, stream.StreamID)
	}
}

func TestCreateClientRequiresReadableStream(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)

	stream := mustCreateStream(t, svc, StreamSpec{Name: "locked", Private: true}, alice)

	_, err := svc.CreateClient(ctx, ClientSpec{Role: "receiver", StreamID: stream.StreamID}, bob)
	if errorStatus(err) != http.StatusNotFound {
		t.Fatalf("CreateClient on unreadable stream = %v, want 404", err)
	}
}

func TestClientsHiddenFromOtherUsers(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)

	client, err := svc.CreateClient(ctx, ClientSpec{Role: "sender"}, alice)
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	if _, err := svc.GetClient(ctx, client.ID, bob); errorStatus(err) != http.StatusNotFound {
		t.Fatalf("GetClient as stranger = %v, want 404", err)
	}

	mine, err := svc.ListClients(ctx, bob)
	if err != nil {
		t.Fatalf("ListClients: %v", err)
	}
	if len(mine) != 0 {
		t.Fatalf("stranger sees %d clients, want 0", len(mine))
	}
}

func TestUpdateClientReboundStreamChecked(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)

	open := mustCreateStream(t, svc, StreamSpec{Name: "open"}, alice)
	locked := mustCreateStream(t, svc, StreamSpec{Name: "locked", Private: true}, bob)

	client, err := svc.CreateClient(ctx, ClientSpec{Role: "sender", StreamID: open.StreamID}, alice)
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	_, err = svc.UpdateClient(ctx, client.ID, ClientSpec{Role: "sender", StreamID: locked.StreamID}, alice)
	if errorStatus(err) != http.StatusNotFound {
		t.Fatalf("UpdateClient onto unreadable stream = %v, want 404", err)
	}

	updated, err := svc.UpdateClient(ctx, client.ID, ClientSpec{Role: "receiver", StreamID: open.StreamID, Online: true}, alice)
	if err != nil {
		t.Fatalf("UpdateClient: %v", err)
	}
	if updated.Role != "receiver" || !updated.Online {
		t.Fatalf("updated client = role %q online %v", updated.Role, updated.Online)
	}
}

func TestDeleteClientOwnerOrAdmin(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)

	client, err := svc.CreateClient(ctx, ClientSpec{Role: "sender"}, alice)
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	if err := svc.DeleteClient(ctx, client.ID, bob); errorStatus(err) != http.StatusNotFound {
		t.Fatalf("DeleteClient as stranger = %v, want 404", err)
	}
	if err := svc.DeleteClient(ctx, client.ID, root); err != nil {
		t.Fatalf("DeleteClient as admin: %v", err)
	}
	if _, err := svc.GetClient(ctx, client.ID, alice); errorStatus(err) != http.StatusNotFound {
		t.Fatalf("GetClient after delete = %v, want 404", err)
	}
}
