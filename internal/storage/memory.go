package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"stockbot/internal/subscriber"
)

type memRecord struct {
	sub     subscriber.Subscriber
	created time.Time
}

// Memory is a process-local Store. Nothing survives a restart.
type Memory struct {
	mu         sync.RWMutex
	closed     bool
	subs       map[subscriber.ID]*memRecord
	exemptions map[subscriber.ID]Exemption
	dispatches []DispatchRecord
}

func NewMemory() *Memory {
	return &Memory{
		subs:       map[subscriber.ID]*memRecord{},
		exemptions: map[subscriber.ID]Exemption{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// view copies the record and applies the exemption flag. Caller holds mu.
func (m *Memory) view(r *memRecord) subscriber.Subscriber {
	s := r.sub
	_, s.Exempt = m.exemptions[s.ID]
	if s.Items.IDs != nil {
		ids := make(map[string]struct{}, len(s.Items.IDs))
		for k := range s.Items.IDs {
			ids[k] = struct{}{}
		}
		s.Items.IDs = ids
	}
	return s
}

func (m *Memory) GetSubscriber(_ context.Context, id subscriber.ID) (subscriber.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return subscriber.Subscriber{}, ErrClosed
	}
	r, ok := m.subs[id]
	if !ok {
		return subscriber.Subscriber{}, subscriber.ErrNotFound
	}
	return m.view(r), nil
}

func (m *Memory) filter(keep func(subscriber.Subscriber) bool) ([]subscriber.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []subscriber.ID
	for _, r := range m.subs {
		if s := m.view(r); s.Effective() && keep(s) {
			out = append(out, s.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) SubscribersForItem(_ context.Context, itemID string) ([]subscriber.ID, error) {
	return m.filter(func(s subscriber.Subscriber) bool { return s.Items.Wants(itemID) })
}

func (m *Memory) SubscribersForTier(_ context.Context, tier string) ([]subscriber.ID, error) {
	if tier != "free" && tier != "paid" {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	return m.filter(func(s subscriber.Subscriber) bool { return s.Tokens.Wants(tier) })
}

func (m *Memory) mutate(id subscriber.ID, fn func(*subscriber.Subscriber)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	r, ok := m.subs[id]
	if !ok {
		return subscriber.ErrNotFound
	}
	fn(&r.sub)
	return nil
}

func (m *Memory) SetSubscribed(_ context.Context, id subscriber.ID, v bool) error {
	return m.mutate(id, func(s *subscriber.Subscriber) {
		s.Subscribed = v
		s.LastCheck = time.Now()
	})
}

func (m *Memory) SetLocale(_ context.Context, id subscriber.ID, loc subscriber.Locale) error {
	return m.mutate(id, func(s *subscriber.Subscriber) { s.Locale = loc })
}

func (m *Memory) SetTokens(_ context.Context, id subscriber.ID, p subscriber.TokenPrefs) error {
	return m.mutate(id, func(s *subscriber.Subscriber) { s.Tokens = p })
}

func (m *Memory) SetItems(_ context.Context, id subscriber.ID, p subscriber.ItemPrefs) error {
	next := subscriber.ItemSet(p.Sorted()...)
	if p.All {
		next = subscriber.AllItems()
	}
	return m.mutate(id, func(s *subscriber.Subscriber) { s.Items = next })
}

func (m *Memory) Register(_ context.Context, id subscriber.ID, username string, loc subscriber.Locale) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if r, ok := m.subs[id]; ok {
		if strings.TrimSpace(username) != "" {
			r.sub.Username = username
		}
		return false, nil
	}
	if loc == "" {
		loc = subscriber.LocaleRU
	}
	m.subs[id] = &memRecord{
		sub: subscriber.Subscriber{
			ID:       id,
			Username: username,
			Locale:   loc,
			Items:    subscriber.ItemSet(),
			Tokens:   subscriber.TokenPrefs{WantsFree: true, WantsPaid: true},
		},
		created: time.Now(),
	}
	return true, nil
}

func (m *Memory) IsExempt(_ context.Context, id subscriber.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.exemptions[id]
	return ok, nil
}

func (m *Memory) AddExemption(_ context.Context, id subscriber.ID, adminID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.exemptions[id] = Exemption{UserID: id, AdminID: adminID, At: time.Now()}
	return nil
}

func (m *Memory) RemoveExemption(_ context.Context, id subscriber.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.exemptions[id]
	delete(m.exemptions, id)
	return ok, nil
}

func (m *Memory) Exemptions(_ context.Context) ([]Exemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Exemption, 0, len(m.exemptions))
	for id, ex := range m.exemptions {
		if r, ok := m.subs[id]; ok {
			ex.Username = r.sub.Username
		}
		out = append(out, ex)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (m *Memory) Subscribers(_ context.Context) ([]subscriber.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]subscriber.Subscriber, 0, len(m.subs))
	for _, r := range m.subs {
		out = append(out, m.view(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AppendDispatch(_ context.Context, r DispatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	m.dispatches = append(m.dispatches, r)
	return nil
}

func (m *Memory) RecentDispatches(_ context.Context, limit int) ([]DispatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 1
	}
	out := make([]DispatchRecord, 0, limit)
	for i := len(m.dispatches) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.dispatches[i])
	}
	return out, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Stats{}, ErrClosed
	}
	st := Stats{Items: map[string]int{}, Dispatches: len(m.dispatches)}
	for _, r := range m.subs {
		s := m.view(r)
		st.Total++
		if s.Subscribed {
			st.Subscribed++
		}
		if s.Exempt {
			st.Exempt++
		}
		if s.Effective() {
			st.Effective++
			if s.Tokens.WantsFree {
				st.WantsFree++
			}
			if s.Tokens.WantsPaid {
				st.WantsPaid++
			}
		}
		if s.Items.All {
			st.AllItems++
			continue
		}
		for id := range s.Items.IDs {
			st.Items[id]++
		}
	}
	return st, nil
}
