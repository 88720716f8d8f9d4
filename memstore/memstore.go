// Package memstore is an in-memory stand-in for the Postgres stores used by
// workflow tests. Memory doubles as the connection: Begin serializes
// transactions the way row locks would and Rollback restores the snapshot
// taken at Begin.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"signflow/contract"
	"signflow/signer"
)

type state struct {
	contracts map[string]contract.Instance
	signers   map[string]signer.Signer
	events    []contract.Event
	certs     []contract.Certificate
}

func (s state) clone() state {
	out := state{
		contracts: make(map[string]contract.Instance, len(s.contracts)),
		signers:   make(map[string]signer.Signer, len(s.signers)),
		events:    append([]contract.Event(nil), s.events...),
		certs:     append([]contract.Certificate(nil), s.certs...),
	}
	for k, v := range s.contracts {
		out.contracts[k] = v
	}
	for k, v := range s.signers {
		out.signers[k] = v
	}
	return out
}

// Memory holds contracts, signers, timeline events and certificates.
type Memory struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   state

	failures  map[string]error
	commits   int
	rollbacks int
}

func New() *Memory {
	return &Memory{
		st: state{
			contracts: make(map[string]contract.Instance),
			signers:   make(map[string]signer.Signer),
		},
		failures: make(map[string]error),
	}
}

// FailOn makes the next call to the named store method return err.
func (m *Memory) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

func (m *Memory) failure(method string) error {
	err := m.failures[method]
	delete(m.failures, method)
	return err
}

// AddContract seeds a contract instance.
func (m *Memory) AddContract(in contract.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.LifecycleState == "" {
		in.LifecycleState = contract.LifecycleSent
	}
	m.st.contracts[in.ID] = in
}

// Contract returns the current copy of a contract.
func (m *Memory) Contract(id string) contract.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.contracts[id]
}

// Signer returns the current copy of a signer.
func (m *Memory) Signer(id string) signer.Signer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.signers[id]
}

// PutSigner overwrites a signer row, bypassing the state machine.
func (m *Memory) PutSigner(s signer.Signer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.signers[s.ID] = s
}

// Events returns the timeline of a contract filtered by type when typ is non-empty.
func (m *Memory) Events(contractID string, typ contract.EventType) []contract.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contract.Event
	for _, ev := range m.st.events {
		if ev.ContractInstanceID == contractID && (typ == "" || ev.Type == typ) {
			out = append(out, ev)
		}
	}
	return out
}

// Certificates returns every certificate of a contract.
func (m *Memory) Certificates(contractID string) []contract.Certificate {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contract.Certificate
	for _, c := range m.st.certs {
		if c.ContractInstanceID == contractID {
			out = append(out, c)
		}
	}
	return out
}

// Commits and Rollbacks report how transactions ended.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *Memory) Rollbacks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbacks
}

// Begin starts a transaction. Only one transaction is open at a time.
func (m *Memory) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.txMu.Lock()
	m.mu.Lock()
	snap := m.st.clone()
	m.mu.Unlock()
	return &Tx{m: m, snap: snap}, nil
}

func (m *Memory) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("memstore: raw SQL not supported")
}

func (m *Memory) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("memstore: raw SQL not supported")
}

func (m *Memory) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("memstore: raw SQL not supported")
}

// Tx implements pgx.Tx over Memory.
type Tx struct {
	m    *Memory
	snap state
	done bool
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("memstore: nested transactions not supported")
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.m.mu.Lock()
	t.m.commits++
	t.m.mu.Unlock()
	t.m.txMu.Unlock()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.m.mu.Lock()
	t.m.st = t.snap
	t.m.rollbacks++
	t.m.mu.Unlock()
	t.m.txMu.Unlock()
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("memstore: raw SQL not supported")
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("memstore: raw SQL not supported")
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("memstore: raw SQL not supported")
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}

func sortByOrder(list []signer.Signer) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].ContractInstanceID != list[j].ContractInstanceID {
			return list[i].ContractInstanceID < list[j].ContractInstanceID
		}
		return list[i].Order < list[j].Order
	})
}

func ptr[T any](v T) *T {
	return &v
}
