package storage

import (
	"context"
	"errors"
	"time"

	"stockbot/internal/subscriber"
)

var ErrClosed = errors.New("storage closed")

// allItems is the stored form of the "every item" preference.
const allItems = "*"

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": nothing is persisted
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Exemption struct {
	UserID   subscriber.ID
	Username string
	AdminID  int64
	At       time.Time
}

// DispatchRecord is one row of the dispatch log.
type DispatchRecord struct {
	ID          string
	Kind        string
	State       string
	Attempted   int
	Succeeded   int
	Failed      int
	Deactivated int
	Took        time.Duration
	Summary     string
	At          time.Time
}

type Stats struct {
	Total      int
	Subscribed int // raw membership
	Exempt     int
	Effective  int
	WantsFree  int // among effective
	WantsPaid  int // among effective
	AllItems   int
	Items      map[string]int
	Dispatches int
}

// Store is the full persistence API. It is a subscriber.Directory plus the
// self-service mutations and the dispatch log.
type Store interface {
	subscriber.Directory

	// Register inserts a new subscriber with defaults or refreshes the
	// username of an existing one.
	Register(ctx context.Context, id subscriber.ID, username string, loc subscriber.Locale) (created bool, err error)
	SetLocale(ctx context.Context, id subscriber.ID, loc subscriber.Locale) error
	SetItems(ctx context.Context, id subscriber.ID, prefs subscriber.ItemPrefs) error
	SetTokens(ctx context.Context, id subscriber.ID, prefs subscriber.TokenPrefs) error

	AddExemption(ctx context.Context, id subscriber.ID, adminID int64) error
	RemoveExemption(ctx context.Context, id subscriber.ID) (bool, error)
	Exemptions(ctx context.Context) ([]Exemption, error)

	AppendDispatch(ctx context.Context, r DispatchRecord) error
	RecentDispatches(ctx context.Context, limit int) ([]DispatchRecord, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}
