package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// ClaimTTL bounds how long an unfinished claim blocks its key. A claim older
// than this is assumed abandoned and may be taken over.
const ClaimTTL = 5 * time.Minute

// Scope identifies one idempotent call. The raw key is never stored; records
// are keyed by KeyHash.
type Scope struct {
	TenantID       string
	Operation      string
	IdempotencyKey string
}

func (s Scope) KeyHash() string {
	sum := sha256.Sum256([]byte(s.IdempotencyKey))
	return hex.EncodeToString(sum[:])
}

// Store persists idempotency records. A record with status 0 is an in-flight
// claim; Get reports it as found with status 0 and a nil body.
type Store interface {
	GetIdempotencyRecord(ctx context.Context, tenantID, operation, keyHash string) (int, []byte, bool, error)
	// ClaimIdempotencyKey atomically inserts an in-flight record. It reports
	// false when a completed record exists or a claim newer than staleBefore
	// holds the key.
	ClaimIdempotencyKey(ctx context.Context, tenantID, operation, keyHash string, staleBefore time.Time) (bool, error)
	// SaveIdempotencyRecord completes the record. The first completed
	// response for a scope wins.
	SaveIdempotencyRecord(ctx context.Context, tenantID, operation, keyHash string, responseStatus int, responseBody []byte) error
	// ReleaseIdempotencyKey drops an in-flight claim and leaves completed
	// records alone.
	ReleaseIdempotencyKey(ctx context.Context, tenantID, operation, keyHash string) error
}

func Replay(ctx context.Context, st Store, scope Scope) (int, []byte, bool, error) {
	if scope.IdempotencyKey == "" {
		return 0, nil, false, nil
	}
	status, body, found, err := st.GetIdempotencyRecord(ctx, scope.TenantID, scope.Operation, scope.KeyHash())
	if err != nil {
		return 0, nil, false, err
	}
	if !found || status == 0 {
		return 0, nil, false, nil
	}
	return status, body, true, nil
}

// Outcome is what Begin decided for one call. Exactly one of Claimed, Replay
// and InProgress is set when the scope carries a key; none is set otherwise.
type Outcome struct {
	// Claimed means the caller owns the key and must Save or Release it.
	Claimed    bool
	Replay     bool
	InProgress bool
	Status     int
	Body       []byte
}

// Begin replays a completed response, or claims the key so only one caller
// does the work. Callers that lose the claim to a live owner get InProgress.
func Begin(ctx context.Context, st Store, scope Scope, now time.Time) (Outcome, error) {
	if scope.IdempotencyKey == "" {
		return Outcome{}, nil
	}
	status, body, ok, err := Replay(ctx, st, scope)
	if err != nil {
		return Outcome{}, err
	}
	if ok {
		return Outcome{Replay: true, Status: status, Body: body}, nil
	}
	claimed, err := st.ClaimIdempotencyKey(ctx, scope.TenantID, scope.Operation, scope.KeyHash(), now.Add(-ClaimTTL))
	if err != nil {
		return Outcome{}, err
	}
	if claimed {
		return Outcome{Claimed: true}, nil
	}
	// The owner may have finished between the replay check and the claim.
	status, body, ok, err = Replay(ctx, st, scope)
	if err != nil {
		return Outcome{}, err
	}
	if ok {
		return Outcome{Replay: true, Status: status, Body: body}, nil
	}
	return Outcome{InProgress: true}, nil
}

// Save records the response. The first saved response for a scope wins.
func Save(ctx context.Context, st Store, scope Scope, status int, body []byte) error {
	if scope.IdempotencyKey == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, scope.TenantID, scope.Operation, scope.KeyHash(), status, body)
}

// Release gives up a claim taken by Begin so a retry can run the work again.
func Release(ctx context.Context, st Store, scope Scope) error {
	if scope.IdempotencyKey == "" {
		return nil
	}
	return st.ReleaseIdempotencyKey(ctx, scope.TenantID, scope.Operation, scope.KeyHash())
}

type memRecord struct {
	status    int
	body      []byte
	claimedAt time.Time
}

type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]memRecord
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{recs: map[string]memRecord{}} }

func memKey(tenantID, operation, keyHash string) string {
	return tenantID + "\x00" + operation + "\x00" + keyHash
}

func (m *MemoryStore) GetIdempotencyRecord(_ context.Context, tenantID, operation, keyHash string) (int, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[memKey(tenantID, operation, keyHash)]
	if !ok {
		return 0, nil, false, nil
	}
	if r.status == 0 {
		return 0, nil, true, nil
	}
	return r.status, append([]byte(nil), r.body...), true, nil
}

func (m *MemoryStore) ClaimIdempotencyKey(_ context.Context, tenantID, operation, keyHash string, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(tenantID, operation, keyHash)
	if r, exists := m.recs[k]; exists && (r.status != 0 || !r.claimedAt.Before(staleBefore)) {
		return false, nil
	}
	m.recs[k] = memRecord{claimedAt: time.Now()}
	return true, nil
}

func (m *MemoryStore) SaveIdempotencyRecord(_ context.Context, tenantID, operation, keyHash string, status int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(tenantID, operation, keyHash)
	if r, exists := m.recs[k]; exists && r.status != 0 {
		return nil
	}
	m.recs[k] = memRecord{status: status, body: append([]byte(nil), body...)}
	return nil
}

func (m *MemoryStore) ReleaseIdempotencyKey(_ context.Context, tenantID, operation, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(tenantID, operation, keyHash)
	if r, exists := m.recs[k]; exists && r.status == 0 {
		delete(m.recs, k)
	}
	return nil
}
