package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/susu3304/wagerbot/internal/archive"
	"github.com/susu3304/wagerbot/internal/session"
)

// ArchiveSession stores the final record of a session.
func (db *DB) ArchiveSession(ctx context.Context, s *session.Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO sessions_archive (channel_id, channel_name, state, winner, offer_amount, our_amount, payment_tx, session, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ChannelID, s.ChannelName, string(s.State), string(s.Winner),
		s.OfferAmount.String(), s.OurAmount.String(), s.PaymentTx, payload, time.Now().UTC(),
	)
	return err
}

const selectRecord = `SELECT channel_id, channel_name, state, winner, offer_amount::text, our_amount::text, payment_tx, session, archived_at
	FROM sessions_archive`

// List returns up to limit archived sessions, newest first. A non-positive
// limit returns everything.
func (db *DB) List(ctx context.Context, limit int) ([]archive.Record, error) {
	if limit > 0 {
		return db.query(ctx, selectRecord+` ORDER BY archived_at DESC, id DESC LIMIT $1`, limit)
	}
	return db.query(ctx, selectRecord+` ORDER BY archived_at DESC, id DESC`)
}

// ListArchived returns the archived records of one channel, newest first.
func (db *DB) ListArchived(ctx context.Context, channelID string) ([]archive.Record, error) {
	return db.query(ctx, selectRecord+` WHERE channel_id = $1 ORDER BY archived_at DESC, id DESC`, channelID)
}

func (db *DB) query(ctx context.Context, query string, args ...any) ([]archive.Record, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []archive.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// rowScanner is satisfied by pgx.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one row in selectRecord column order.
func scanRecord(row rowScanner) (archive.Record, error) {
	var (
		rec           archive.Record
		state, winner string
		offer, ours   string
		payload       []byte
		err           error
	)
	if err := row.Scan(&rec.ChannelID, &rec.ChannelName, &state, &winner, &offer, &ours, &rec.PaymentTx, &payload, &rec.ArchivedAt); err != nil {
		return archive.Record{}, err
	}
	rec.State = session.State(state)
	rec.Winner = session.Winner(winner)
	if rec.OfferAmount, err = decimal.NewFromString(offer); err != nil {
		return archive.Record{}, fmt.Errorf("offer_amount: %w", err)
	}
	if rec.OurAmount, err = decimal.NewFromString(ours); err != nil {
		return archive.Record{}, fmt.Errorf("our_amount: %w", err)
	}
	var s session.Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return archive.Record{}, fmt.Errorf("unmarshal session %s: %w", rec.ChannelID, err)
	}
	rec.Session = &s
	return rec, nil
}
