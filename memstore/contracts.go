package memstore

import (
	"context"
	"time"

	"signflow/contract"
	"signflow/db"
)

// ContractStore implements contract.Store over Memory.
type ContractStore struct {
	m *Memory
}

// Contracts returns the contract.Store view of m.
func (m *Memory) Contracts() *ContractStore {
	return &ContractStore{m: m}
}

var _ contract.Store = (*ContractStore)(nil)

func (c *ContractStore) Get(ctx context.Context, q db.DBTX, id string) (contract.Instance, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if err := c.m.failure("GetContract"); err != nil {
		return contract.Instance{}, err
	}
	in, ok := c.m.st.contracts[id]
	if !ok {
		return contract.Instance{}, contract.ErrContractNotFound
	}
	return in, nil
}

func (c *ContractStore) GetForUpdate(ctx context.Context, q db.DBTX, id string) (contract.Instance, error) {
	return c.Get(ctx, q, id)
}

func (c *ContractStore) SetSequential(ctx context.Context, q db.DBTX, id string, sequential bool) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	in, ok := c.m.st.contracts[id]
	if !ok {
		return contract.ErrContractNotFound
	}
	in.RequiresSequentialSigning = sequential
	c.m.st.contracts[id] = in
	return nil
}

func (c *ContractStore) Advance(ctx context.Context, q db.DBTX, id string, to contract.LifecycleState, at time.Time) (bool, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if err := c.m.failure("Advance"); err != nil {
		return false, err
	}
	in, ok := c.m.st.contracts[id]
	if !ok {
		return false, contract.ErrContractNotFound
	}
	if !contract.CanAdvance(in.LifecycleState, to) {
		return false, nil
	}
	in.LifecycleState = to
	in.Status = string(to)
	in.UpdatedAt = at
	if to == contract.LifecycleCompleted {
		in.CompletedAt = ptr(at)
	}
	c.m.st.contracts[id] = in
	return true, nil
}

func (c *ContractStore) AppendEvent(ctx context.Context, q db.DBTX, ev contract.Event) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if err := c.m.failure("AppendEvent"); err != nil {
		return err
	}
	if _, ok := c.m.st.contracts[ev.ContractInstanceID]; !ok {
		return contract.ErrContractNotFound
	}
	ev.ID = int64(len(c.m.st.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	c.m.st.events = append(c.m.st.events, ev)
	return nil
}

func (c *ContractStore) ListEvents(ctx context.Context, q db.DBTX, contractID string) ([]contract.Event, error) {
	return c.m.Events(contractID, ""), nil
}

func (c *ContractStore) InsertCertificate(ctx context.Context, q db.DBTX, cert contract.Certificate) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if err := c.m.failure("InsertCertificate"); err != nil {
		return err
	}
	if _, ok := c.m.st.contracts[cert.ContractInstanceID]; !ok {
		return contract.ErrContractNotFound
	}
	c.m.st.certs = append(c.m.st.certs, cert)
	return nil
}

func (c *ContractStore) ListCertificates(ctx context.Context, q db.DBTX, contractID string) ([]contract.Certificate, error) {
	return c.m.Certificates(contractID), nil
}

func (c *ContractStore) RevokeCertificate(ctx context.Context, q db.DBTX, id string) (contract.Certificate, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	for i := range c.m.st.certs {
		if c.m.st.certs[i].ID == id {
			c.m.st.certs[i].Valid = false
			return c.m.st.certs[i], nil
		}
	}
	return contract.Certificate{}, contract.ErrCertificateNotFound
}
