package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, KeyRequest{
		Actor: "0xABCD567890123456789012345678901234567890",
		Role:  RoleMerchant, MerchantID: "m_1", Name: "Shop key",
	})
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if !strings.HasPrefix(rawKey, "sk_") || len(rawKey) != 67 {
		t.Errorf("unexpected raw key format %q", rawKey)
	}
	if !strings.HasPrefix(key.ID, "key_") {
		t.Errorf("Expected key ID to start with key_, got %s", key.ID)
	}
	if key.Actor != "0xabcd567890123456789012345678901234567890" {
		t.Errorf("Expected lowercased actor, got %s", key.Actor)
	}
	if key.Role != RoleMerchant || key.MerchantID != "m_1" {
		t.Errorf("role/merchant not stored: %+v", key)
	}
}

func TestGenerateKey_InvalidRole(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	_, _, err := mgr.GenerateKey(context.Background(), KeyRequest{Actor: "0x1", Role: "root"})
	if err != ErrInvalidRole {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, KeyRequest{Actor: "0xPayer", Role: RolePayer})
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if key.Actor != "0xpayer" || key.Role != RolePayer {
		t.Errorf("unexpected key %+v", key)
	}

	if _, err := mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("Bearer prefix should be accepted: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, "sk_invalid"); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey, got %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, ""); err != ErrNoAPIKey {
		t.Errorf("Expected ErrNoAPIKey, got %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, "pk_wrongprefix"); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, KeyRequest{Actor: "0xa", Role: RolePayer, TTL: time.Hour})
	past := time.Now().Add(-time.Minute)
	store.mu.Lock()
	store.keys[key.ID].ExpiresAt = &past
	store.mu.Unlock()

	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected expired key to be rejected, got %v", err)
	}
}

func TestAdminKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore()).WithAdminKey("admin-secret")

	key, err := mgr.ValidateKey(context.Background(), "Bearer admin-secret")
	if err != nil {
		t.Fatalf("admin key rejected: %v", err)
	}
	if key.Role != RoleOperator {
		t.Errorf("expected operator role, got %s", key.Role)
	}
	if _, err := mgr.ValidateKey(context.Background(), "admin-secreT"); err == nil {
		t.Error("near-miss admin key must be rejected")
	}
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, KeyRequest{Actor: "0xm", Role: RoleMerchant})
	if err := mgr.RevokeKey(ctx, key.ID, "0xM"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected revoked key to be invalid, got %v", err)
	}
	if err := mgr.RevokeKey(ctx, "key_missing", "0xm"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestListKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, _, _ = mgr.GenerateKey(ctx, KeyRequest{Actor: "0xa", Role: RolePayer, Name: "one"})
	_, _, _ = mgr.GenerateKey(ctx, KeyRequest{Actor: "0xa", Role: RolePayer, Name: "two"})
	_, _, _ = mgr.GenerateKey(ctx, KeyRequest{Actor: "0xb", Role: RolePayer, Name: "other"})

	keys, err := mgr.ListKeys(ctx, "0xA")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys, got %d", len(keys))
	}
}
