package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	boterr "github.com/miintlabs/miintradar/internal/errors"
	"github.com/miintlabs/miintradar/internal/model"
)

const (
	lockTimeout    = 5 * time.Second
	lockRetryDelay = 100 * time.Millisecond
)

// Store persists one whole UserProfile record per user id. Reads and writes
// are whole-record and atomic; read-modify-write cycles are serialized per
// user id, never across user ids.
type Store struct {
	db   *sql.DB
	lock *flock.Flock

	creating singleflight.Group

	mu      sync.Mutex
	userMus map[string]*sync.Mutex
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create profile store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create profile lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open profile sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			referral_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_profiles_referral ON profiles(referral_id);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init profile schema: %w", err)
		}
	}
	return &Store{
		db:      db,
		lock:    flock.New(lockPath),
		userMus: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the whole record for userID, or a NotFound error.
func (s *Store) Load(userID string) (model.UserProfile, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM profiles WHERE user_id = ?", userID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UserProfile{}, boterr.Newf(boterr.KindNotFound, "profile not found: %s", userID)
		}
		return model.UserProfile{}, boterr.Wrap(boterr.KindInternal, "read profile", err)
	}
	var profile model.UserProfile
	if err := json.Unmarshal(payload, &profile); err != nil {
		return model.UserProfile{}, boterr.Wrap(boterr.KindInternal, "decode profile payload", err)
	}
	return profile, nil
}

// Save upserts the whole record.
func (s *Store) Save(profile model.UserProfile) error {
	if strings.TrimSpace(profile.UserID) == "" {
		return boterr.New(boterr.KindInternal, "save profile: missing user id")
	}
	return s.write(profile, false)
}

// Update applies fn to the loaded record and persists the result. The
// per-user mutex is held only around the load/mutate/write cycle; callers
// must not perform network calls inside fn.
func (s *Store) Update(userID string, fn func(*model.UserProfile) error) error {
	mu := s.userMutex(userID)
	mu.Lock()
	defer mu.Unlock()

	profile, err := s.Load(userID)
	if err != nil {
		return err
	}
	if err := fn(&profile); err != nil {
		return err
	}
	return s.Save(profile)
}

// GetOrCreate loads the record for userID, invoking provision exactly once
// across concurrent first contacts when it does not exist. Losers of the
// race observe the winner's persisted record.
func (s *Store) GetOrCreate(userID string, provision func() (model.UserProfile, error)) (model.UserProfile, error) {
	if existing, err := s.Load(userID); err == nil {
		return existing, nil
	} else if !boterr.Is(err, boterr.KindNotFound) {
		return model.UserProfile{}, err
	}

	result, err, _ := s.creating.Do(userID, func() (any, error) {
		if existing, err := s.Load(userID); err == nil {
			return existing, nil
		} else if !boterr.Is(err, boterr.KindNotFound) {
			return nil, err
		}

		fresh, err := provision()
		if err != nil {
			return nil, err
		}
		fresh.UserID = userID
		if err := s.write(fresh, true); err != nil {
			return nil, err
		}
		// Re-read so a concurrent winner's record is what everyone sees.
		return s.Load(userID)
	})
	if err != nil {
		return model.UserProfile{}, err
	}
	return result.(model.UserProfile), nil
}

// FindByReferralID resolves a referral code to its owning profile.
func (s *Store) FindByReferralID(code string) (model.UserProfile, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM profiles WHERE referral_id = ? LIMIT 1", code).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UserProfile{}, boterr.Newf(boterr.KindNotFound, "referral code not found: %s", code)
		}
		return model.UserProfile{}, boterr.Wrap(boterr.KindInternal, "read profile by referral", err)
	}
	var profile model.UserProfile
	if err := json.Unmarshal(payload, &profile); err != nil {
		return model.UserProfile{}, boterr.Wrap(boterr.KindInternal, "decode profile payload", err)
	}
	return profile, nil
}

// write persists the record under the cross-process flock; every write path
// funnels through here. With insertOnly set, an existing row wins and the
// write is a no-op, which is what makes provisioning idempotent.
func (s *Store) write(profile model.UserProfile, insertOnly bool) error {
	lockCtx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock profile store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock profile store: not acquired within %s", lockTimeout)
	}
	defer func() { _ = s.lock.Unlock() }()

	now := time.Now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now

	payload, err := json.Marshal(profile)
	if err != nil {
		return boterr.Wrap(boterr.KindInternal, "encode profile", err)
	}

	query := `
		INSERT INTO profiles (user_id, referral_id, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			referral_id=excluded.referral_id,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`
	if insertOnly {
		query = `
			INSERT INTO profiles (user_id, referral_id, created_at, updated_at, payload)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO NOTHING
		`
	}
	_, err = s.db.Exec(query, profile.UserID, profile.ReferralID, profile.CreatedAt.Unix(), profile.UpdatedAt.Unix(), payload)
	if err != nil {
		return boterr.Wrap(boterr.KindInternal, "write profile", err)
	}
	return nil
}

func (s *Store) userMutex(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.userMus[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.userMus[userID] = mu
	}
	return mu
}
