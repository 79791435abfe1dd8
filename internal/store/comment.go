// ABOUTME: Store methods for the comment table, the change-event stream of a tenant.
// ABOUTME: The notification worker claims batches with FOR UPDATE OF comment SKIP LOCKED.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Change-event kinds.
const (
	EventAdd      = "add"
	EventChange   = "change"
	EventDelete   = "delete"
	EventComment  = "comment"
	EventFollower = "follower"
)

// Event is one change-event row ("comment" in the schema). Related carries
// the keys of containing parent objects, e.g. a demand's location, so
// matchers can resolve indirect subscriptions without loading the entity.
type Event struct {
	ID           int64
	Kind         string
	Model        string
	ObjectPK     string
	ObjectRepr   string
	Related      map[string]string
	Comment      string
	Attachment   string
	Username     string
	LastModified time.Time
	Processed    bool
}

const eventColumns = `id, type, model, object_pk, object_repr, related,
	comment, attachment, COALESCE(username, ''), last_modified, processed`

func scanEvent(row pgx.Row) (*Event, error) {
	var (
		ev      Event
		related []byte
	)
	err := row.Scan(&ev.ID, &ev.Kind, &ev.Model, &ev.ObjectPK, &ev.ObjectRepr,
		&related, &ev.Comment, &ev.Attachment, &ev.Username, &ev.LastModified,
		&ev.Processed)
	if err != nil {
		return nil, err
	}
	if len(related) > 0 {
		if err := json.Unmarshal(related, &ev.Related); err != nil {
			return nil, fmt.Errorf("decode related of event %d: %w", ev.ID, err)
		}
	}
	return &ev, nil
}

// InsertEvent appends a change-event and returns its id. Processed starts
// false unless ev.Processed is preset (system messages skip dispatch).
func (s *Store) InsertEvent(ctx context.Context, ev *Event) (int64, error) {
	related, err := json.Marshal(ev.Related)
	if err != nil {
		return 0, fmt.Errorf("encode related: %w", err)
	}
	if ev.Related == nil {
		related = []byte("{}")
	}
	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO comment (type, model, object_pk, object_repr, related,
			comment, attachment, username, processed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
		 RETURNING id`,
		ev.Kind, ev.Model, ev.ObjectPK, ev.ObjectRepr, related,
		ev.Comment, ev.Attachment, ev.Username, ev.Processed).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

// ClaimUnprocessedEvents selects, within tx, up to limit unprocessed events
// oldest-first under a non-blocking exclusive row lock. Rows stay locked for
// the duration of the transaction, so concurrent dispatch workers never
// process the same event twice.
func ClaimUnprocessedEvents(ctx context.Context, tx pgx.Tx, limit int) ([]Event, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+eventColumns+` FROM comment
		 WHERE NOT processed
		 ORDER BY id
		 LIMIT $1
		 FOR UPDATE OF comment SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim unprocessed events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// MarkEventProcessed flips the processed flag of one claimed event within tx.
func MarkEventProcessed(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE comment SET processed = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark event %d processed: %w", id, err)
	}
	return nil
}

// MarkAllEventsProcessed flips every unprocessed event at once. Used when no
// followers exist and no notification can ever match. Returns the number of
// events updated.
func MarkAllEventsProcessed(ctx context.Context, tx pgx.Tx) (int64, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE comment SET processed = true WHERE NOT processed`)
	if err != nil {
		return 0, fmt.Errorf("mark all events processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EmptyModelData bulk-erases change-event history, subscriptions and
// notifications in one transaction. With models nil every model is erased;
// otherwise only rows of the named models go. User-written comment rows
// (type 'comment' or 'follower') survive, as do users, parameters, job
// records, schedules and scenarios. Notifications vanish with their events
// through the comment foreign key cascade.
func (s *Store) EmptyModelData(ctx context.Context, models []string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if len(models) == 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM follower`); err != nil {
				return fmt.Errorf("delete followers: %w", err)
			}
			_, err := tx.Exec(ctx,
				`DELETE FROM comment WHERE type IN ('add', 'change', 'delete')`)
			if err != nil {
				return fmt.Errorf("delete events: %w", err)
			}
			return nil
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM follower WHERE model = ANY($1)`, models)
		if err != nil {
			return fmt.Errorf("delete followers: %w", err)
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM comment
			 WHERE model = ANY($1) AND type IN ('add', 'change', 'delete')`,
			models)
		if err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		return nil
	})
}

// CountUnprocessedEvents returns how many events still await dispatch.
func (s *Store) CountUnprocessedEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM comment WHERE NOT processed`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unprocessed events: %w", err)
	}
	return n, nil
}
