package certificate

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Memory is an in-process Store for tests. Handles are sequential.
type Memory struct {
	mu    sync.Mutex
	certs map[string]*Certificate
	next  int
}

func NewMemory() *Memory {
	return &Memory{certs: make(map[string]*Certificate)}
}

func (m *Memory) Issue(_ context.Context, _ pgx.Tx, agreementID, owner string) (string, error) {
	if !validHolder(owner) {
		return "", ErrInvalidHolder
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	handle := fmt.Sprintf("cert-%d", m.next)
	m.certs[handle] = &Certificate{Handle: handle, AgreementID: agreementID, Holder: owner, Supply: 1}
	return handle, nil
}

func (m *Memory) Get(_ context.Context, _ pgx.Tx, handle string) (Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.certs[handle]
	if !ok {
		return Certificate{}, ErrNotFound
	}
	return *c, nil
}

func (m *Memory) CurrentHolder(ctx context.Context, tx pgx.Tx, handle string) (string, error) {
	c, err := m.Get(ctx, tx, handle)
	return c.Holder, err
}

func (m *Memory) Supply(ctx context.Context, tx pgx.Tx, handle string) (uint64, error) {
	c, err := m.Get(ctx, tx, handle)
	return c.Supply, err
}

func (m *Memory) Transfer(_ context.Context, _ pgx.Tx, handle, from, to string) error {
	if !validHolder(to) {
		return ErrInvalidHolder
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.certs[handle]
	if !ok {
		return ErrNotFound
	}
	if c.Supply == 0 {
		return ErrBurned
	}
	if c.Holder != from {
		return ErrNotHolder
	}
	c.Holder = to
	return nil
}

func (m *Memory) Burn(_ context.Context, _ pgx.Tx, handle, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.certs[handle]
	if !ok {
		return ErrNotFound
	}
	if c.Supply == 0 {
		return ErrBurned
	}
	if c.Holder != holder {
		return ErrNotHolder
	}
	c.Holder = ""
	c.Supply = 0
	return nil
}
