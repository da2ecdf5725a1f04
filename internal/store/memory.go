package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"bitespeed/internal/models"
	"bitespeed/internal/sentinel"
)

// MemoryStore keeps contacts in process. RunInTx serializes transactions
// with a coarse lock and restores a snapshot when fn fails.
type MemoryStore struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	contacts map[int64]*models.Contact
	nextID   int64
	now      func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the timestamp source for created contacts.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// NewMemory constructs an empty in-memory contact store.
func NewMemory(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		contacts: make(map[int64]*models.Contact),
		nextID:   1,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Seed inserts contacts verbatim, keeping their ids and timestamps. It exists
// for fixtures that need specific, possibly inconsistent, histories.
func (m *MemoryStore) Seed(contacts ...models.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range contacts {
		c := cloneContact(&contacts[i])
		m.contacts[c.ID] = c
		if c.ID >= m.nextID {
			m.nextID = c.ID + 1
		}
	}
}

// All returns every stored contact in store order.
func (m *MemoryStore) All() []*models.Contact {
	return m.filter(func(*models.Contact) bool { return true })
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(s Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot, nextID := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snapshot, nextID)
		return err
	}
	return nil
}

func (m *MemoryStore) FindByEmailOrPhone(_ context.Context, email, phoneNumber *string) ([]*models.Contact, error) {
	if email == nil && phoneNumber == nil {
		return nil, nil
	}
	return m.filter(func(c *models.Contact) bool {
		return (email != nil && c.Email != nil && *c.Email == *email) ||
			(phoneNumber != nil && c.PhoneNumber != nil && *c.PhoneNumber == *phoneNumber)
	}), nil
}

func (m *MemoryStore) FindByIDs(_ context.Context, ids []int64) ([]*models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	return m.filter(func(c *models.Contact) bool {
		_, ok := want[c.ID]
		return ok
	}), nil
}

func (m *MemoryStore) FindByID(_ context.Context, id int64) (*models.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[id]
	if !ok || c.DeletedAt != nil {
		return nil, sentinel.ErrNotFound
	}
	return cloneContact(c), nil
}

func (m *MemoryStore) FindByPrimaryOrLinked(_ context.Context, primaryID int64) ([]*models.Contact, error) {
	return m.filter(func(c *models.Contact) bool {
		return c.ID == primaryID || (c.LinkedID != nil && *c.LinkedID == primaryID)
	}), nil
}

func (m *MemoryStore) Create(_ context.Context, email, phoneNumber *string, precedence models.LinkPrecedence, linkedID *int64) (*models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.contacts {
		if c.HasPair(email, phoneNumber) {
			return nil, sentinel.ErrConflict
		}
	}
	if linkedID != nil {
		if _, ok := m.contacts[*linkedID]; !ok {
			return nil, sentinel.ErrNotFound
		}
	}

	now := m.now()
	c := &models.Contact{
		ID:             m.nextID,
		Email:          copyString(email),
		PhoneNumber:    copyString(phoneNumber),
		LinkedID:       copyInt64(linkedID),
		LinkPrecedence: precedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.contacts[c.ID] = c
	m.nextID++
	return cloneContact(c), nil
}

func (m *MemoryStore) Update(_ context.Context, id int64, update models.ContactUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contacts[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if update.LinkPrecedence == nil && update.LinkedID == nil {
		return nil
	}
	if update.LinkPrecedence != nil {
		c.LinkPrecedence = *update.LinkPrecedence
	}
	if update.LinkedID != nil {
		c.LinkedID = copyInt64(update.LinkedID)
	}
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) UpdateManyLinkedID(_ context.Context, oldLinkedID, newLinkedID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, c := range m.contacts {
		if c.LinkedID != nil && *c.LinkedID == oldLinkedID {
			c.LinkedID = copyInt64(&newLinkedID)
			c.UpdatedAt = now
		}
	}
	return nil
}

func (m *MemoryStore) filter(match func(*models.Contact) bool) []*models.Contact {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Contact
	for _, c := range m.contacts {
		if c.DeletedAt == nil && match(c) {
			out = append(out, cloneContact(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Before(out[j])
	})
	return out
}

func (m *MemoryStore) snapshot() (map[int64]*models.Contact, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := make(map[int64]*models.Contact, len(m.contacts))
	for id, c := range m.contacts {
		snap[id] = cloneContact(c)
	}
	return snap, m.nextID
}

func (m *MemoryStore) restore(snap map[int64]*models.Contact, nextID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts = snap
	m.nextID = nextID
}

func cloneContact(c *models.Contact) *models.Contact {
	out := *c
	out.Email = copyString(c.Email)
	out.PhoneNumber = copyString(c.PhoneNumber)
	out.LinkedID = copyInt64(c.LinkedID)
	if c.DeletedAt != nil {
		t := *c.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyInt64(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
