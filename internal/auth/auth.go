// Package auth maps API keys to the actor making a request.
//
// Authentication model:
//   - Every key belongs to one actor address and carries one role
//   - Payers and merchants act on their own escrows; arbiters resolve
//     disputes; operators run settlement and planning endpoints
//   - The configured admin key is an operator key that is never stored
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrInvalidRole   = errors.New("invalid role")
)

// Role is what a key may do.
type Role string

const (
	RolePayer    Role = "payer"
	RoleMerchant Role = "merchant"
	RoleArbiter  Role = "arbiter"
	RoleOperator Role = "operator"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RolePayer, RoleMerchant, RoleArbiter, RoleOperator:
		return true
	}
	return false
}

// APIKey represents an API key
type APIKey struct {
	ID         string     `json:"id"`
	Hash       string     `json:"-"`
	Actor      string     `json:"actor"`
	Role       Role       `json:"role"`
	MerchantID string     `json:"merchantId,omitempty"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsed   time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByActor(ctx context.Context, actor string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// KeyRequest describes a key to issue.
type KeyRequest struct {
	Actor      string        `json:"actor" binding:"required"`
	Role       Role          `json:"role" binding:"required"`
	MerchantID string        `json:"merchantId"`
	Name       string        `json:"name"`
	TTL        time.Duration `json:"-"`
}

// Manager handles authentication
type Manager struct {
	store    Store
	adminKey string
	logger   *slog.Logger
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, logger: slog.Default()}
}

// WithAdminKey accepts raw as an operator key with actor "operator".
func (m *Manager) WithAdminKey(raw string) *Manager {
	m.adminKey = strings.TrimSpace(raw)
	return m
}

// WithLogger sets the logger used for background failures.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// GenerateKey issues a new key. Returns the raw key (shown once) and the
// stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, req KeyRequest) (rawKey string, key *APIKey, err error) {
	if !req.Role.Valid() {
		return "", nil, ErrInvalidRole
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = "sk_" + hex.EncodeToString(b)

	now := time.Now()
	key = &APIKey{
		ID:         "key_" + hex.EncodeToString(b[:8]),
		Hash:       hashKey(rawKey),
		Actor:      normalizeActor(req.Actor),
		Role:       req.Role,
		MerchantID: req.MerchantID,
		Name:       req.Name,
		CreatedAt:  now,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		key.ExpiresAt = &exp
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if m.adminKey != "" && subtle.ConstantTimeCompare([]byte(rawKey), []byte(m.adminKey)) == 1 {
		return &APIKey{ID: "key_admin", Actor: "operator", Role: RoleOperator, Name: "admin"}, nil
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	touched := *key
	touched.LastUsed = time.Now()
	go func() {
		if err := m.store.Update(context.Background(), &touched); err != nil {
			m.logger.Debug("failed to record key use", "keyId", touched.ID, "error", err)
		}
	}()
	return key, nil
}

// ListKeys returns all keys for an actor
func (m *Manager) ListKeys(ctx context.Context, actor string) ([]*APIKey, error) {
	return m.store.GetByActor(ctx, normalizeActor(actor))
}

// RevokeKey revokes one of actor's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, actor string) error {
	keys, err := m.store.GetByActor(ctx, normalizeActor(actor))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// normalizeActor lowercases EVM addresses; base58 addresses are case-sensitive.
func normalizeActor(a string) string {
	a = strings.TrimSpace(a)
	if strings.HasPrefix(strings.ToLower(a), "0x") {
		return strings.ToLower(a)
	}
	return a
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByActor(_ context.Context, actor string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.Actor == actor {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	cur.LastUsed = key.LastUsed
	cur.Revoked = cur.Revoked || key.Revoked
	return nil
}
