// Package invitation sends and resends signing invitations and reminders.
package invitation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"signflow/access"
	"signflow/contract"
	"signflow/db"
	"signflow/metrics"
	"signflow/notify"
	"signflow/ordering"
	"signflow/signer"
)

// ContractReader resolves contracts for notification text. *contract.Cache
// satisfies it.
type ContractReader interface {
	Get(ctx context.Context, id string) (contract.Instance, error)
}

// Config holds dispatcher settings.
type Config struct {
	// BaseURL prefixes the signing links sent to signers.
	BaseURL string
	// Concurrency bounds parallel reminder processing. Defaults to 4.
	Concurrency int
	// DueBatch caps how many contracts DueContracts returns. Defaults to 100.
	DueBatch int
}

// Dispatcher moves signers to sent and notifies them.
type Dispatcher struct {
	conn      db.Conn
	signers   signer.Store
	contracts contract.Store
	reader    ContractReader
	registry  *signer.Registry
	notifier  notify.Dispatcher
	issuer    access.Issuer
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

func NewDispatcher(
	conn db.Conn,
	signers signer.Store,
	contracts contract.Store,
	reader ContractReader,
	registry *signer.Registry,
	notifier notify.Dispatcher,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DueBatch <= 0 {
		cfg.DueBatch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		conn:      conn,
		signers:   signers,
		contracts: contracts,
		reader:    reader,
		registry:  registry,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "invitation")),
	}
}

// WithClock overrides the time source.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// WithIssuer overrides credential generation.
func (d *Dispatcher) WithIssuer(issuer access.Issuer) *Dispatcher {
	d.issuer = issuer
	return d
}

// SendInvitation sends or resends an invitation. Signed and declined signers
// are left alone and returned unchanged.
func (d *Dispatcher) SendInvitation(ctx context.Context, signerID string) (signer.Signer, error) {
	var (
		out    signer.Signer
		notice *notify.Notification
	)
	err := db.InTx(ctx, d.conn, func(tx pgx.Tx) error {
		s, err := d.signers.GetForUpdate(ctx, tx, signerID)
		if err != nil {
			return err
		}
		out, notice, err = d.InviteTx(ctx, tx, s)
		return err
	})
	if err != nil {
		return signer.Signer{}, err
	}
	if notice != nil {
		d.notifier.Send(ctx, *notice)
	}
	return out, nil
}

// InviteTx moves a locked signer to sent inside the caller's transaction and
// returns the notification to send once the transaction commits. A nil
// notification means nothing changed.
func (d *Dispatcher) InviteTx(ctx context.Context, tx db.DBTX, s signer.Signer) (signer.Signer, *notify.Notification, error) {
	switch s.Status {
	case signer.StatusSigned, signer.StatusDeclined:
		return s, nil, nil
	case signer.StatusExpired:
		return signer.Signer{}, nil, &signer.TransitionError{From: s.Status, To: signer.StatusSent}
	}

	c, err := d.contracts.Get(ctx, tx, s.ContractInstanceID)
	if err != nil {
		return signer.Signer{}, nil, err
	}
	if c.LifecycleState.IsTerminal() {
		return signer.Signer{}, nil, contract.ErrContractClosed
	}

	resend := s.Status.IsActive()
	if !resend && c.RequiresSequentialSigning {
		all, err := d.signers.ListByContract(ctx, tx, s.ContractInstanceID)
		if err != nil {
			return signer.Signer{}, nil, err
		}
		if err := ordering.Decide(s, true, all).Err(s.ID); err != nil {
			return signer.Signer{}, nil, err
		}
	}

	now := d.now()
	cred, err := d.issuer.IssueAt(now)
	if err != nil {
		return signer.Signer{}, nil, err
	}

	var updated signer.Signer
	if resend {
		updated, err = d.signers.ReissueCode(ctx, tx, s.ID, cred.Code, cred.ExpiresAt, now)
	} else {
		updated, err = d.signers.MarkSent(ctx, tx, s.ID, cred.Code, cred.ExpiresAt, now)
	}
	if err != nil {
		return signer.Signer{}, nil, err
	}

	if err := d.contracts.AppendEvent(ctx, tx, contract.Event{
		ContractInstanceID: s.ContractInstanceID,
		SignerID:           &updated.ID,
		Type:               contract.EventInvitationSent,
		Payload: map[string]any{
			"signer_order": updated.Order,
			"resend":       resend,
			"expires_at":   cred.ExpiresAt.UTC(),
		},
	}); err != nil {
		return signer.Signer{}, nil, err
	}
	if _, err := d.contracts.Advance(ctx, tx, c.ID, contract.LifecycleInSigning, now); err != nil {
		return signer.Signer{}, nil, err
	}

	if !resend {
		metrics.SignerTransitions.WithLabelValues(string(signer.StatusSent)).Inc()
	}
	notice := d.invitationNotice(c, updated, cred.Code)
	return updated, &notice, nil
}

// CreateSigners persists a signer set and sends the first invitations in the
// same transaction: the lowest order when sequential, everybody otherwise.
func (d *Dispatcher) CreateSigners(ctx context.Context, contractID string, in []signer.NewSigner, sequential bool) ([]signer.Signer, error) {
	var (
		created []signer.Signer
		notices []notify.Notification
	)
	err := db.InTx(ctx, d.conn, func(tx pgx.Tx) error {
		var err error
		created, err = d.registry.CreateTx(ctx, tx, contractID, sequential, in)
		if err != nil {
			return err
		}
		for i := range created {
			if sequential && i > 0 {
				break
			}
			updated, notice, err := d.InviteTx(ctx, tx, created[i])
			if err != nil {
				return fmt.Errorf("invitation: invite order %d: %w", created[i].Order, err)
			}
			created[i] = updated
			if notice != nil {
				notices = append(notices, *notice)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, n := range notices {
		d.notifier.Send(ctx, n)
	}
	return created, nil
}

// SendReminders reminds every sent or viewed signer of a contract that is
// below the reminder cap and still holds a live code. Each increment is a
// compare-and-set, so concurrent calls never push a signer past the cap.
func (d *Dispatcher) SendReminders(ctx context.Context, contractID string) (int, error) {
	c, err := d.reader.Get(ctx, contractID)
	if err != nil {
		return 0, err
	}
	if c.LifecycleState.IsTerminal() {
		return 0, nil
	}
	list, err := d.signers.ListRemindable(ctx, d.conn, contractID)
	if err != nil {
		return 0, err
	}

	now := d.now()
	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, s := range list {
		if s.AccessCodeExpires != nil && !now.Before(*s.AccessCodeExpires) {
			continue
		}
		g.Go(func() error {
			var won bool
			err := db.InTx(gctx, d.conn, func(tx pgx.Tx) error {
				var err error
				won, err = d.signers.RecordReminder(gctx, tx, s.ID, now)
				if err != nil || !won {
					return err
				}
				return d.contracts.AppendEvent(gctx, tx, contract.Event{
					ContractInstanceID: contractID,
					SignerID:           &s.ID,
					Type:               contract.EventReminderSent,
					Payload:            map[string]any{"reminder": s.ReminderCount + 1},
				})
			})
			if err != nil {
				return err
			}
			if won {
				sent.Add(1)
				metrics.RemindersSent.Inc()
				d.notifier.Send(ctx, d.reminderNotice(c, s))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(sent.Load()), fmt.Errorf("invitation: send reminders: %w", err)
	}

	if n := sent.Load(); n > 0 {
		d.logger.Info("reminders sent", slog.String("contract_id", contractID), slog.Int64("count", n))
	}
	return int(sent.Load()), nil
}

// DueContracts lists contracts holding a signer whose last invitation or
// reminder is at least cadence old.
func (d *Dispatcher) DueContracts(ctx context.Context, cadence time.Duration) ([]string, error) {
	return d.signers.ContractsDueForReminder(ctx, d.conn, d.now().Add(-cadence), d.cfg.DueBatch)
}

func (d *Dispatcher) invitationNotice(c contract.Instance, s signer.Signer, code string) notify.Notification {
	return notify.Notification{
		UserID:      deref(s.UserID),
		Email:       s.Email,
		Type:        notify.TypeContractSent,
		Title:       "Signature requested: " + c.Title,
		Description: fmt.Sprintf("%s, contract %s is waiting for your signature.", s.FullName, c.ContractNumber),
		RelatedID:   c.ID,
		RelatedType: notify.RelatedTypeContract,
		ActionURL:   notify.SigningURL(d.cfg.BaseURL, c.ID, s.ID, code),
	}
}

func (d *Dispatcher) reminderNotice(c contract.Instance, s signer.Signer) notify.Notification {
	n := d.invitationNotice(c, s, deref(s.AccessCode))
	n.Title = "Reminder: " + n.Title
	n.Description = fmt.Sprintf("Reminder %d of %d: contract %s still needs your signature.",
		s.ReminderCount+1, signer.MaxReminders, c.ContractNumber)
	return n
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
