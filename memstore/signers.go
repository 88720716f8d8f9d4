package memstore

import (
	"context"
	"time"

	"signflow/db"
	"signflow/signer"
)

// SignerStore implements signer.Store over Memory.
type SignerStore struct {
	m *Memory
}

// Signers returns the signer.Store view of m.
func (m *Memory) Signers() *SignerStore {
	return &SignerStore{m: m}
}

var _ signer.Store = (*SignerStore)(nil)

func (s *SignerStore) Insert(ctx context.Context, q db.DBTX, in signer.Signer) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.failure("Insert"); err != nil {
		return err
	}
	for _, existing := range s.m.st.signers {
		if existing.ContractInstanceID == in.ContractInstanceID && existing.Order == in.Order {
			return signer.ErrDuplicateOrder
		}
	}
	s.m.st.signers[in.ID] = in
	return nil
}

func (s *SignerStore) Get(ctx context.Context, q db.DBTX, id string) (signer.Signer, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.failure("Get"); err != nil {
		return signer.Signer{}, err
	}
	got, ok := s.m.st.signers[id]
	if !ok {
		return signer.Signer{}, signer.ErrSignerNotFound
	}
	return got, nil
}

func (s *SignerStore) GetForUpdate(ctx context.Context, q db.DBTX, id string) (signer.Signer, error) {
	return s.Get(ctx, q, id)
}

func (s *SignerStore) ListByContract(ctx context.Context, q db.DBTX, contractID string) ([]signer.Signer, error) {
	return s.filter(func(x signer.Signer) bool { return x.ContractInstanceID == contractID }), nil
}

func (s *SignerStore) filter(keep func(signer.Signer) bool) []signer.Signer {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []signer.Signer
	for _, x := range s.m.st.signers {
		if keep(x) {
			out = append(out, x)
		}
	}
	sortByOrder(out)
	return out
}

// update applies fn to a signer whose status is one of from, mirroring the
// compare-and-set UPDATE of the Postgres repository.
func (s *SignerStore) update(method, id string, to signer.Status, from []signer.Status, fn func(*signer.Signer)) (signer.Signer, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.failure(method); err != nil {
		return signer.Signer{}, err
	}
	cur, ok := s.m.st.signers[id]
	if !ok {
		return signer.Signer{}, signer.ErrSignerNotFound
	}
	allowed := false
	for _, f := range from {
		if cur.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return signer.Signer{}, &signer.TransitionError{From: cur.Status, To: to}
	}
	fn(&cur)
	s.m.st.signers[id] = cur
	return cur, nil
}

func (s *SignerStore) MarkSent(ctx context.Context, q db.DBTX, id, code string, expires, at time.Time) (signer.Signer, error) {
	return s.update("MarkSent", id, signer.StatusSent, []signer.Status{signer.StatusPending, signer.StatusAwaitingTurn}, func(x *signer.Signer) {
		x.Status = signer.StatusSent
		x.SentAt = ptr(at)
		x.AccessCode = ptr(code)
		x.AccessCodeExpires = ptr(expires)
		x.UpdatedAt = at
	})
}

func (s *SignerStore) ReissueCode(ctx context.Context, q db.DBTX, id, code string, expires, at time.Time) (signer.Signer, error) {
	return s.update("ReissueCode", id, signer.StatusSent, []signer.Status{signer.StatusSent, signer.StatusViewed, signer.StatusInProgress}, func(x *signer.Signer) {
		x.SentAt = ptr(at)
		x.AccessCode = ptr(code)
		x.AccessCodeExpires = ptr(expires)
		x.UpdatedAt = at
	})
}

func (s *SignerStore) MarkViewed(ctx context.Context, q db.DBTX, id string, at time.Time) (signer.Signer, error) {
	return s.update("MarkViewed", id, signer.StatusViewed, []signer.Status{signer.StatusSent}, func(x *signer.Signer) {
		x.Status = signer.StatusViewed
		x.ViewedAt = ptr(at)
		x.UpdatedAt = at
	})
}

func (s *SignerStore) MarkInProgress(ctx context.Context, q db.DBTX, id string, at time.Time) (signer.Signer, error) {
	return s.update("MarkInProgress", id, signer.StatusInProgress, []signer.Status{signer.StatusViewed}, func(x *signer.Signer) {
		x.Status = signer.StatusInProgress
		x.UpdatedAt = at
	})
}

func (s *SignerStore) MarkSigned(ctx context.Context, q db.DBTX, id string, sig signer.Signature, at time.Time) (signer.Signer, error) {
	return s.update("MarkSigned", id, signer.StatusSigned, []signer.Status{signer.StatusSent, signer.StatusViewed, signer.StatusInProgress}, func(x *signer.Signer) {
		x.Status = signer.StatusSigned
		x.SignedAt = ptr(at)
		x.Signature = &sig
		x.UpdatedAt = at
	})
}

func (s *SignerStore) MarkDeclined(ctx context.Context, q db.DBTX, id, reason string, at time.Time) (signer.Signer, error) {
	return s.update("MarkDeclined", id, signer.StatusDeclined, []signer.Status{signer.StatusSent, signer.StatusViewed, signer.StatusInProgress}, func(x *signer.Signer) {
		x.Status = signer.StatusDeclined
		x.DeclinedAt = ptr(at)
		x.DeclineReason = ptr(reason)
		x.UpdatedAt = at
	})
}

func (s *SignerStore) RecordReminder(ctx context.Context, q db.DBTX, id string, at time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.failure("RecordReminder"); err != nil {
		return false, err
	}
	cur, ok := s.m.st.signers[id]
	if !ok || !remindable(cur) {
		return false, nil
	}
	cur.ReminderCount++
	cur.LastReminderSent = ptr(at)
	cur.UpdatedAt = at
	s.m.st.signers[id] = cur
	return true, nil
}

func remindable(x signer.Signer) bool {
	return (x.Status == signer.StatusSent || x.Status == signer.StatusViewed) && x.ReminderCount < signer.MaxReminders
}

func (s *SignerStore) ListRemindable(ctx context.Context, q db.DBTX, contractID string) ([]signer.Signer, error) {
	return s.filter(func(x signer.Signer) bool {
		return x.ContractInstanceID == contractID && remindable(x)
	}), nil
}

func (s *SignerStore) ContractsDueForReminder(ctx context.Context, q db.DBTX, cutoff time.Time, limit int) ([]string, error) {
	due := s.filter(func(x signer.Signer) bool {
		if !remindable(x) {
			return false
		}
		last := x.SentAt
		if x.LastReminderSent != nil {
			last = x.LastReminderSent
		}
		return last != nil && !last.After(cutoff)
	})
	seen := make(map[string]bool)
	var ids []string
	for _, x := range due {
		if seen[x.ContractInstanceID] {
			continue
		}
		seen[x.ContractInstanceID] = true
		ids = append(ids, x.ContractInstanceID)
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (s *SignerStore) ExpireDue(ctx context.Context, q db.DBTX, now time.Time) ([]signer.Signer, error) {
	return s.forceExpired(func(x signer.Signer) bool {
		return (x.Status == signer.StatusSent || x.Status == signer.StatusViewed) &&
			x.AccessCodeExpires != nil && !now.Before(*x.AccessCodeExpires)
	}, now), nil
}

func (s *SignerStore) VoidContract(ctx context.Context, q db.DBTX, contractID string, at time.Time) ([]signer.Signer, error) {
	return s.forceExpired(func(x signer.Signer) bool {
		return x.ContractInstanceID == contractID && !x.Status.IsTerminal()
	}, at), nil
}

func (s *SignerStore) forceExpired(match func(signer.Signer) bool, at time.Time) []signer.Signer {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []signer.Signer
	for id, x := range s.m.st.signers {
		if !match(x) {
			continue
		}
		x.Status = signer.StatusExpired
		x.UpdatedAt = at
		s.m.st.signers[id] = x
		out = append(out, x)
	}
	sortByOrder(out)
	return out
}
