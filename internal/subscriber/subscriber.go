// Package subscriber holds the read view of a subscriber and the directory
// port the dispatch path talks to.
package subscriber

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var ErrNotFound = errors.New("subscriber not found")

// ID is the recipient identity (the Telegram user id).
type ID int64

type Locale string

const (
	LocaleRU Locale = "ru"
	LocaleEN Locale = "en"
)

// ParseLocale accepts "ru"/"en" and the legacy "RUS"/"EN" spellings.
func ParseLocale(s string) (Locale, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ru", "rus", "russian":
		return LocaleRU, true
	case "en", "eng", "english":
		return LocaleEN, true
	default:
		return "", false
	}
}

// ItemPrefs is either the All sentinel or an explicit set of item IDs.
// An empty, non-All set means no restock notices.
type ItemPrefs struct {
	All bool
	IDs map[string]struct{}
}

func AllItems() ItemPrefs { return ItemPrefs{All: true} }

func ItemSet(ids ...string) ItemPrefs {
	p := ItemPrefs{IDs: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		p.IDs[id] = struct{}{}
	}
	return p
}

func (p ItemPrefs) Wants(itemID string) bool {
	if p.All {
		return true
	}
	_, ok := p.IDs[itemID]
	return ok
}

func (p ItemPrefs) Empty() bool { return !p.All && len(p.IDs) == 0 }

// Sorted returns the explicit item IDs in stable order.
func (p ItemPrefs) Sorted() []string {
	out := make([]string, 0, len(p.IDs))
	for id := range p.IDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type TokenPrefs struct {
	WantsFree bool
	WantsPaid bool
}

// Wants reports the preference for a tier name ("free" or "paid").
func (p TokenPrefs) Wants(tier string) bool {
	switch tier {
	case "free":
		return p.WantsFree
	case "paid":
		return p.WantsPaid
	default:
		return false
	}
}

// Subscriber is owned by the directory. Callers never cache it beyond one pass.
type Subscriber struct {
	ID         ID
	Username   string
	Locale     Locale
	Subscribed bool // raw upstream membership, as last recorded
	Exempt     bool
	Items      ItemPrefs
	Tokens     TokenPrefs
	LastCheck  time.Time
}

// Effective is the eligibility used for delivery: raw membership or exemption.
func (s Subscriber) Effective() bool { return s.Subscribed || s.Exempt }

// Directory is the subscriber registry as seen by the dispatch path.
// Implementations must be safe for concurrent reads.
type Directory interface {
	GetSubscriber(ctx context.Context, id ID) (Subscriber, error)
	// SubscribersForItem lists effective subscribers wanting itemID (or All).
	SubscribersForItem(ctx context.Context, itemID string) ([]ID, error)
	// SubscribersForTier lists effective subscribers wanting the tier.
	SubscribersForTier(ctx context.Context, tier string) ([]ID, error)
	SetSubscribed(ctx context.Context, id ID, subscribed bool) error
	IsExempt(ctx context.Context, id ID) (bool, error)
	Subscribers(ctx context.Context) ([]Subscriber, error)
}
