package cloudstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/koinelab/trilha/internal/progress/schema"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. Documents are kept JSON encoded so
// callers never share memory with stored records.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[string]memoryDoc
	backups map[string][]byte
	now     func() time.Time

	// returned and cleared by the next call
	failNext error
}

type memoryDoc struct {
	raw      []byte
	syncedAt time.Time
}

// NewMemoryStore returns an empty store whose server clock is now.
// A nil now uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		docs:    make(map[string]memoryDoc),
		backups: make(map[string][]byte),
		now:     now,
	}
}

// FailNext makes the next operation fail with err.
func (m *MemoryStore) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// PutRaw stores an arbitrary document, bypassing validation.
func (m *MemoryStore) PutRaw(userID, moduleID string, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[DocumentPath(userID, moduleID)] = memoryDoc{raw: raw, syncedAt: m.now()}
}

func (m *MemoryStore) takeFailure(op, moduleID string) error {
	if m.failNext == nil {
		return nil
	}
	err := m.failNext
	m.failNext = nil
	return retryable(op, moduleID, err)
}

func (m *MemoryStore) Get(ctx context.Context, userID, moduleID string) (*schema.ProgressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("get", moduleID); err != nil {
		return nil, err
	}
	doc, ok := m.docs[DocumentPath(userID, moduleID)]
	if !ok {
		return nil, nil
	}
	return decodeDoc(doc.raw, moduleID, doc.syncedAt)
}

func (m *MemoryStore) Set(ctx context.Context, userID, moduleID string, rec *schema.ProgressRecord) (time.Time, error) {
	out, err := prepare(moduleID, rec)
	if err != nil {
		return time.Time{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("set", moduleID); err != nil {
		return time.Time{}, err
	}
	syncedAt := m.now().UTC()
	out.SyncedAt = &syncedAt
	raw, err := json.Marshal(out)
	if err != nil {
		return time.Time{}, terminal("set", moduleID, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	m.docs[DocumentPath(userID, moduleID)] = memoryDoc{raw: raw, syncedAt: syncedAt}
	return syncedAt, nil
}

func (m *MemoryStore) Delete(ctx context.Context, userID, moduleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("delete", moduleID); err != nil {
		return err
	}
	delete(m.docs, DocumentPath(userID, moduleID))
	return nil
}

func (m *MemoryStore) List(ctx context.Context, userID string) ([]*schema.ProgressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("list", ""); err != nil {
		return nil, err
	}

	prefix := DocumentPath(userID, "")
	var keys []string
	for k := range m.docs {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	records := make([]*schema.ProgressRecord, 0, len(keys))
	for _, k := range keys {
		doc := m.docs[k]
		rec, err := decodeDoc(doc.raw, k[len(prefix):], doc.syncedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *MemoryStore) PutBackup(ctx context.Context, userID string, b *schema.Backup) (time.Time, error) {
	if err := b.Validate(); err != nil {
		return time.Time{}, terminal("backup", "", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return time.Time{}, terminal("backup", "", fmt.Errorf("%w: %v", ErrMalformed, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("backup", ""); err != nil {
		return time.Time{}, err
	}
	m.backups[fmt.Sprintf("%s/%s/%s/%s", UsersCollection, userID, BackupCollection, b.ID)] = raw
	return m.now().UTC(), nil
}

// Backups returns the number of stored backups.
func (m *MemoryStore) Backups() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.backups)
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeFailure("ping", "")
}

func (m *MemoryStore) Close() error { return nil }

func decodeDoc(raw []byte, moduleID string, syncedAt time.Time) (*schema.ProgressRecord, error) {
	var rec schema.ProgressRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, terminal("get", moduleID, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return finish(&rec, moduleID, syncedAt)
}
