// Package archive keeps finished sessions in a local BoltDB file.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"

	"github.com/susu3304/wagerbot/internal/session"
)

const sessionBucket = "sessions"

var ErrNotConfigured = errors.New("archive is not configured")

// Record is one archived session.
type Record struct {
	ChannelID   string           `json:"channel_id"`
	ChannelName string           `json:"channel_name,omitempty"`
	State       session.State    `json:"state"`
	Winner      session.Winner   `json:"winner"`
	OfferAmount decimal.Decimal  `json:"offer_amount"`
	OurAmount   decimal.Decimal  `json:"our_amount"`
	PaymentTx   string           `json:"payment_tx,omitempty"`
	ArchivedAt  time.Time        `json:"archived_at"`
	Session     *session.Session `json:"session"`
}

// NewRecord summarizes s for the archive.
func NewRecord(s *session.Session, at time.Time) Record {
	return Record{
		ChannelID:   s.ChannelID,
		ChannelName: s.ChannelName,
		State:       s.State,
		Winner:      s.Winner,
		OfferAmount: s.OfferAmount,
		OurAmount:   s.OurAmount,
		PaymentTx:   s.PaymentTx,
		ArchivedAt:  at.UTC(),
		Session:     s,
	}
}

type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens the archive at path, creating it when missing.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(sessionBucket)); err != nil {
			return fmt.Errorf("create session bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ArchiveSession stores the final record of a session.
func (s *Store) ArchiveSession(ctx context.Context, sess *session.Session) error {
	return s.Put(ctx, NewRecord(sess, s.now()))
}

func (s *Store) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	if strings.TrimSpace(rec.ChannelID) == "" {
		return fmt.Errorf("channel id is required")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionBucket))
		if bucket == nil {
			return fmt.Errorf("session bucket is missing")
		}
		return bucket.Put(recordKey(rec), payload)
	})
}

// List returns up to limit records, newest first. A non-positive limit
// returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionBucket))
		if bucket == nil {
			return fmt.Errorf("session bucket is missing")
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal record %s: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// recordKey sorts by archive time so a reverse cursor walks newest first.
func recordKey(rec Record) []byte {
	return []byte(rec.ArchivedAt.UTC().Format("20060102T150405.000000000Z") + "/" + rec.ChannelID)
}
