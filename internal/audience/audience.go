// Package audience resolves which subscribers receive which part of an event.
package audience

import (
	"context"
	"errors"
	"fmt"

	"stockbot/internal/event"
	"stockbot/internal/subscriber"
)

// ErrDirectoryUnavailable wraps any directory failure during resolution.
var ErrDirectoryUnavailable = errors.New("subscriber directory unavailable")

type Recipient struct {
	ID     subscriber.ID
	Locale subscriber.Locale
}

// Share is the slice of an event one recipient receives.
// Restock shares carry Items (in event order); token shares carry Token.
type Share struct {
	Recipient Recipient
	Kind      event.Kind
	Items     []event.Item
	Token     *event.Token
}

func (s Share) Empty() bool { return len(s.Items) == 0 && s.Token == nil }

// Audience maps each recipient to its non-empty share.
type Audience map[subscriber.ID]Share

type Resolver struct {
	dir subscriber.Directory
}

func NewResolver(dir subscriber.Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve reads current directory state; nothing is cached between calls.
func (r *Resolver) Resolve(ctx context.Context, ev event.Event) (Audience, error) {
	switch ev.Kind {
	case event.KindRestock:
		return r.restock(ctx, ev)
	case event.KindToken:
		return r.token(ctx, ev)
	default:
		return Audience{}, nil
	}
}

func (r *Resolver) restock(ctx context.Context, ev event.Event) (Audience, error) {
	// Candidate ids per item, then one read per distinct candidate.
	order := make([]subscriber.ID, 0)
	seen := make(map[subscriber.ID]bool)
	for _, it := range ev.Items {
		ids, err := r.dir.SubscribersForItem(ctx, it.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: subscribers for item %q: %v", ErrDirectoryUnavailable, it.ID, err)
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				order = append(order, id)
			}
		}
	}

	out := make(Audience, len(order))
	for _, id := range order {
		sub, ok, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok || !sub.Effective() {
			continue
		}
		var items []event.Item
		for _, it := range ev.Items {
			if sub.Items.Wants(it.ID) {
				items = append(items, it)
			}
		}
		if len(items) == 0 {
			continue
		}
		out[id] = Share{
			Recipient: Recipient{ID: id, Locale: sub.Locale},
			Kind:      event.KindRestock,
			Items:     items,
		}
	}
	return out, nil
}

func (r *Resolver) token(ctx context.Context, ev event.Event) (Audience, error) {
	tier := string(ev.Token.Tier)
	ids, err := r.dir.SubscribersForTier(ctx, tier)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribers for tier %q: %v", ErrDirectoryUnavailable, tier, err)
	}
	tok := ev.Token
	out := make(Audience, len(ids))
	for _, id := range ids {
		if _, dup := out[id]; dup {
			continue
		}
		sub, ok, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok || !sub.Effective() || !sub.Tokens.Wants(tier) {
			continue
		}
		out[id] = Share{
			Recipient: Recipient{ID: id, Locale: sub.Locale},
			Kind:      event.KindToken,
			Token:     &tok,
		}
	}
	return out, nil
}

// load treats ErrNotFound as "skip" and anything else as fatal.
func (r *Resolver) load(ctx context.Context, id subscriber.ID) (subscriber.Subscriber, bool, error) {
	sub, err := r.dir.GetSubscriber(ctx, id)
	if errors.Is(err, subscriber.ErrNotFound) {
		return subscriber.Subscriber{}, false, nil
	}
	if err != nil {
		return subscriber.Subscriber{}, false, fmt.Errorf("%w: get subscriber %d: %v", ErrDirectoryUnavailable, id, err)
	}
	return sub, true, nil
}
