package state

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestTokenStoreIssueAndLookup(t *testing.T) {
	store, err := NewTokenStore(testDB(t))
	if err != nil {
		t.Fatalf("NewTokenStore failed: %v", err)
	}
	ctx := context.Background()

	token, record, err := store.Issue(ctx, "alice", "automation")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if token == "" || record.ID == "" {
		t.Fatal("Issue returned empty token or ID")
	}
	if strings.Contains(record.TokenHash, token) {
		t.Error("Cleartext token leaked into the stored fingerprint")
	}
	if record.UserName != "alice" || record.Note != "automation" {
		t.Errorf("Unexpected record: %+v", record)
	}

	found, err := store.Lookup(ctx, token)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if found.ID != record.ID {
		t.Errorf("Lookup returned ID %s, want %s", found.ID, record.ID)
	}
	if found.LastUsed == 0 {
		t.Error("Lookup did not stamp last_used")
	}
}

func TestTokenStoreLookupUnknown(t *testing.T) {
	store, err := NewTokenStore(testDB(t))
	if err != nil {
		t.Fatalf("NewTokenStore failed: %v", err)
	}

	if _, err := store.Lookup(context.Background(), "deadbeef"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Expected ErrTokenNotFound, got %v", err)
	}
	if _, err := store.Lookup(context.Background(), ""); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Expected ErrTokenNotFound for empty token, got %v", err)
	}
}

func TestTokenStoreRevoke(t *testing.T) {
	store, err := NewTokenStore(testDB(t))
	if err != nil {
		t.Fatalf("NewTokenStore failed: %v", err)
	}
	ctx := context.Background()

	token, record, err := store.Issue(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if err := store.Revoke(ctx, record.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := store.Lookup(ctx, token); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Expected revoked token to miss, got %v", err)
	}
	if err := store.Revoke(ctx, record.ID); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Expected ErrTokenNotFound for double revoke, got %v", err)
	}
}

func TestTokenStoreListAndDeleteForUser(t *testing.T) {
	store, err := NewTokenStore(testDB(t))
	if err != nil {
		t.Fatalf("NewTokenStore failed: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := store.Issue(ctx, "alice", ""); err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
	}
	bobToken, _, err := store.Issue(ctx, "bob", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	tokens, err := store.ListForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(tokens) != 3 {
		t.Errorf("Expected 3 tokens for alice, got %d", len(tokens))
	}

	if err := store.DeleteForUser(ctx, "alice"); err != nil {
		t.Fatalf("DeleteForUser failed: %v", err)
	}
	tokens, err = store.ListForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(tokens) != 0 {
		t.Errorf("Expected no tokens for alice after delete, got %d", len(tokens))
	}

	// Other users' tokens survive.
	if _, err := store.Lookup(ctx, bobToken); err != nil {
		t.Errorf("Bob's token should still resolve, got %v", err)
	}
}
