package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Event is an immutable business event. AgreementID is empty for deployment-wide
// events such as fee configuration changes.
type Event struct {
	AgreementID string
	Type        string
	ActorID     string
	Payload     map[string]any
}

// Writer appends events inside the caller's transaction.
type Writer interface {
	Append(ctx context.Context, tx pgx.Tx, ev Event) error
}

// Journal writes every event twice in the same transaction: once to the
// append-only timeline and once to the outbox for asynchronous consumers.
type Journal struct {
	now func() time.Time
}

func NewJournal() *Journal {
	return &Journal{now: time.Now}
}

func (j *Journal) WithClock(now func() time.Time) *Journal {
	j.now = now
	return j
}

func (j *Journal) Append(ctx context.Context, tx pgx.Tx, ev Event) error {
	if ev.Type == "" {
		return fmt.Errorf("timeline: missing event type")
	}

	payload := make(map[string]any, len(ev.Payload)+2)
	for k, v := range ev.Payload {
		payload[k] = v
	}
	if ev.AgreementID != "" {
		payload["agreement_id"] = ev.AgreementID
	}
	payload["recorded_at"] = j.now().UTC()

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("timeline: marshal payload: %w", err)
	}

	var agreementID, actorID any
	if ev.AgreementID != "" {
		agreementID = ev.AgreementID
		// Serializes seq allocation for writers that do not hold the agreement row lock.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ev.AgreementID); err != nil {
			return fmt.Errorf("timeline: lock agreement sequence: %w", err)
		}
	}
	if ev.ActorID != "" {
		actorID = ev.ActorID
	}

	const insertTimeline = `
INSERT INTO timeline_events (agreement_id, seq, type, payload, actor_id)
VALUES ($1, COALESCE((SELECT MAX(seq) FROM timeline_events WHERE agreement_id IS NOT DISTINCT FROM $1), 0) + 1, $2, $3, $4);
`
	if _, err := tx.Exec(ctx, insertTimeline, agreementID, ev.Type, payloadBytes, actorID); err != nil {
		return fmt.Errorf("timeline: insert event: %w", err)
	}

	const insertOutbox = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`
	if _, err := tx.Exec(ctx, insertOutbox, Topic(ev.Type), payloadBytes); err != nil {
		return fmt.Errorf("timeline: insert outbox message: %w", err)
	}

	return nil
}

// Topic maps an event type to its outbox topic, e.g. MilestoneReleased -> escrow.milestone_released.
func Topic(eventType string) string {
	out := make([]byte, 0, len(eventType)+8)
	out = append(out, "escrow."...)
	for i := 0; i < len(eventType); i++ {
		c := eventType[i]
		if c >= 'A' && c <= 'Z' {
			if i > 0 {
				out = append(out, '_')
			}
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// Recorder collects events in memory; used where no database is involved.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Append(_ context.Context, _ pgx.Tx, ev Event) error {
	r.Events = append(r.Events, ev)
	return nil
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	out := make([]string, 0, len(r.Events))
	for _, ev := range r.Events {
		out = append(out, ev.Type)
	}
	return out
}
