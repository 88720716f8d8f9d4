package oracles

import (
	"context"
	"fmt"

	"signflow/db"
)

// Oracle is a query that must return no rows while the workflow is healthy.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_completion",
			SQL: `SELECT contract_instance_id, COUNT(*) FROM signature_events
                  WHERE type = 'CONTRACT_COMPLETED'
                  GROUP BY contract_instance_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_sequential_order",
			SQL: `SELECT s.id, s.signer_order, p.id AS predecessor, p.status
                  FROM contract_signers s
                  JOIN contract_instances c ON c.id = s.contract_instance_id
                  JOIN contract_signers p ON p.contract_instance_id = s.contract_instance_id
                                         AND p.signer_order < s.signer_order
                  WHERE c.requires_sequential_signing
                    AND s.status = 'signed'
                    AND (p.status <> 'signed' OR p.signed_at > s.signed_at)`,
		},
		{
			Name: "O3_reminder_cap",
			SQL: `SELECT signer_id, COUNT(*) FROM signature_events
                  WHERE type = 'REMINDER_SENT'
                  GROUP BY signer_id HAVING COUNT(*) > 3`,
		},
		{
			Name: "O4_completion_consistent",
			SQL: `SELECT c.id, c.lifecycle_state FROM contract_instances c
                  WHERE (c.lifecycle_state = 'completed'
                         AND EXISTS (SELECT 1 FROM contract_signers s
                                     WHERE s.contract_instance_id = c.id AND s.status <> 'signed'))
                     OR (c.lifecycle_state <> 'completed'
                         AND EXISTS (SELECT 1 FROM signature_events e
                                     WHERE e.contract_instance_id = c.id AND e.type = 'CONTRACT_COMPLETED'))`,
		},
		{
			Name: "O5_signature_evidence",
			SQL: `SELECT id FROM contract_signers
                  WHERE status = 'signed'
                    AND (signed_at IS NULL OR signature_hash IS NULL OR NOT consent_given OR NOT intent_to_sign)`,
		},
		{
			Name: "O6_signing_certificate",
			SQL: `SELECT s.id FROM contract_signers s
                  WHERE s.status = 'signed'
                    AND NOT EXISTS (SELECT 1 FROM contract_certificates cc
                                    WHERE cc.signer_id = s.id AND cc.certificate_type = 'signing')`,
		},
		{
			Name: "O7_terminal_exclusive",
			SQL: `SELECT contract_instance_id FROM signature_events
                  WHERE type IN ('CONTRACT_COMPLETED', 'CONTRACT_DECLINED')
                  GROUP BY contract_instance_id HAVING COUNT(DISTINCT type) > 1`,
		},
		{
			Name: "O8_outbox_stale",
			SQL: `SELECT id FROM notification_outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_append_only_guards",
			SQL: `SELECT name AS missing_trigger FROM (VALUES
                      ('trg_verification_logs_append_only'),
                      ('trg_contract_certificates_guard')) AS t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, q db.DBTX) (string, string, error) {
	for _, o := range All() {
		rows, err := q.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
