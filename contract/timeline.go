package contract

import (
	"context"
	"encoding/json"
	"fmt"

	"signflow/db"
)

// AppendEvent writes a timeline entry. Callers pass the transaction that
// performed the transition being recorded.
func (r *Repository) AppendEvent(ctx context.Context, q db.DBTX, ev Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contract: marshal timeline payload: %w", err)
	}

	const insertSQL = `
INSERT INTO signature_events (contract_instance_id, signer_id, type, payload)
VALUES ($1, $2, $3, $4)`
	if _, err := q.Exec(ctx, insertSQL, ev.ContractInstanceID, ev.SignerID, string(ev.Type), payloadBytes); err != nil {
		if db.IsForeignKeyViolation(err) || db.IsInvalidText(err) {
			return ErrContractNotFound
		}
		return fmt.Errorf("contract: insert timeline event: %w", err)
	}
	return nil
}

// ListEvents returns the timeline of a contract in insertion order.
func (r *Repository) ListEvents(ctx context.Context, q db.DBTX, contractID string) ([]Event, error) {
	rows, err := q.Query(ctx, `
SELECT id, contract_instance_id::text, signer_id::text, type, payload, created_at
FROM signature_events
WHERE contract_instance_id = $1
ORDER BY id`, contractID)
	if err != nil {
		if db.IsInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("contract: list timeline: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			typ     string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.ContractInstanceID, &ev.SignerID, &typ, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("contract: scan timeline: %w", err)
		}
		ev.Type = EventType(typ)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("contract: decode timeline payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		if db.IsInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("contract: iterate timeline: %w", err)
	}
	return events, nil
}
