// Package persist keeps the engine state in a JSON snapshot on disk.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/susu3304/wagerbot/internal/clock"
	"github.com/susu3304/wagerbot/internal/ledger"
	"github.com/susu3304/wagerbot/internal/session"
)

// Version is written into every snapshot.
const Version = 1

type Snapshot struct {
	Version        int                           `json:"version"`
	SavedAt        time.Time                     `json:"saved_at"`
	Sessions       []*session.Session            `json:"sessions"`
	PendingOffers  []session.PendingOffer        `json:"pending_offers"`
	PaymentIntents []ledger.Intent               `json:"payment_intents"`
	DailySpend     map[string]decimal.Decimal    `json:"daily_spend"`
	Vouches        map[string]ledger.VouchRecord `json:"vouches"`
}

type Store struct {
	path     string
	sessions *session.Store
	ledger   *ledger.Ledger
	clock    clock.Clock
	logger   *log.Entry

	// mu serializes flushes so temp files never interleave.
	mu   sync.Mutex
	cron *cron.Cron
}

func New(path string, sessions *session.Store, l *ledger.Ledger, c clock.Clock) *Store {
	if c == nil {
		c = clock.Real{}
	}
	return &Store{
		path:     path,
		sessions: sessions,
		ledger:   l,
		clock:    c,
		logger:   log.WithFields(log.Fields{"component": "persist", "path": path}),
	}
}

func (s *Store) Path() string { return s.path }

// Load restores the snapshot into the session store and the ledger. A
// missing file is a fresh start; an unreadable one is moved aside and also
// treated as a fresh start.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("no snapshot, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.clock.Now().Unix())
		if rerr := os.Rename(s.path, aside); rerr != nil {
			s.logger.WithError(rerr).Warn("could not move corrupt snapshot aside")
		}
		s.logger.WithError(err).WithField("moved_to", aside).Error("snapshot unreadable, starting fresh")
		return nil
	}
	if snap.Version > Version {
		s.logger.WithField("version", snap.Version).Warn("snapshot written by a newer version")
	}
	s.sessions.Restore(session.Snapshot{Sessions: snap.Sessions, PendingOffers: snap.PendingOffers})
	s.ledger.Restore(ledger.Snapshot{Intents: snap.PaymentIntents, DailySpend: snap.DailySpend, Vouches: snap.Vouches})
	s.logger.WithFields(log.Fields{
		"sessions": len(snap.Sessions),
		"offers":   len(snap.PendingOffers),
		"intents":  len(snap.PaymentIntents),
		"saved_at": snap.SavedAt,
	}).Info("snapshot loaded")
	return nil
}

// Snapshot captures the current state.
func (s *Store) Snapshot() Snapshot {
	st := s.sessions.Snapshot()
	lg := s.ledger.Snapshot()
	return Snapshot{
		Version:        Version,
		SavedAt:        s.clock.Now().UTC(),
		Sessions:       st.Sessions,
		PendingOffers:  st.PendingOffers,
		PaymentIntents: lg.Intents,
		DailySpend:     lg.DailySpend,
		Vouches:        lg.Vouches,
	}
}

// Flush writes the snapshot atomically: temp file, fsync, rename, then
// fsync of the directory. On error the previous file is left intact.
func (s *Store) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := writeSync(tmp, data); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			s.logger.WithError(err).Debug("directory fsync")
		}
		d.Close()
	}
	return nil
}

func writeSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open temp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp snapshot: %w", err)
	}
	return f.Close()
}

// StartAutosave flushes every interval until Stop. A failed flush keeps the
// in-memory state and is retried on the next tick.
func (s *Store) StartAutosave(ctx context.Context, every time.Duration) error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", every), func() {
		if err := s.Flush(ctx); err != nil {
			s.logger.WithError(err).Error("autosave failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule autosave: %w", err)
	}
	s.cron = c
	c.Start()
	s.logger.WithField("every", every).Info("autosave started")
	return nil
}

// Stop ends autosave and waits for a running flush.
func (s *Store) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}
