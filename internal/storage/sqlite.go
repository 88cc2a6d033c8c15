package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"stockbot/internal/subscriber"
	logx "stockbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	closed atomic.Bool
}

// effective matches raw membership or an exemption row joined as e.
var effective = sq.Or{sq.Eq{"s.subscribed": 1}, sq.NotEq{"e.user_id": nil}}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ready() error {
	if s == nil || s.db == nil || s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *sqliteStore) query(ctx context.Context, b sq.Sqlizer) (*sql.Rows, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return s.db.QueryContext(ctx, q, args...)
}

func (s *sqliteStore) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return s.db.ExecContext(ctx, q, args...)
}

func (s *sqliteStore) ids(ctx context.Context, b sq.SelectBuilder) ([]subscriber.ID, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []subscriber.ID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, subscriber.ID(id))
	}
	return out, rows.Err()
}

func subscriberSelect() sq.SelectBuilder {
	return sq.Select(
		"s.user_id", "COALESCE(s.username, '')", "s.locale", "s.subscribed",
		"s.wants_free", "s.wants_paid", "COALESCE(s.last_check, 0)",
		"CASE WHEN e.user_id IS NULL THEN 0 ELSE 1 END",
	).From("subscribers s").LeftJoin("exemptions e ON e.user_id = s.user_id")
}

func scanSubscriber(sc interface{ Scan(...any) error }) (subscriber.Subscriber, error) {
	var (
		id                             int64
		username, locale               string
		subscribed, free, paid, exempt int
		lastCheck                      int64
	)
	if err := sc.Scan(&id, &username, &locale, &subscribed, &free, &paid, &lastCheck, &exempt); err != nil {
		return subscriber.Subscriber{}, err
	}
	loc, ok := subscriber.ParseLocale(locale)
	if !ok {
		loc = subscriber.LocaleRU
	}
	sub := subscriber.Subscriber{
		ID:         subscriber.ID(id),
		Username:   username,
		Locale:     loc,
		Subscribed: subscribed != 0,
		Exempt:     exempt != 0,
		Tokens:     subscriber.TokenPrefs{WantsFree: free != 0, WantsPaid: paid != 0},
		Items:      subscriber.ItemSet(),
	}
	if lastCheck > 0 {
		sub.LastCheck = time.UnixMilli(lastCheck)
	}
	return sub, nil
}

func (s *sqliteStore) GetSubscriber(ctx context.Context, id subscriber.ID) (subscriber.Subscriber, error) {
	if err := s.ready(); err != nil {
		return subscriber.Subscriber{}, err
	}
	q, args, err := subscriberSelect().Where(sq.Eq{"s.user_id": int64(id)}).ToSql()
	if err != nil {
		return subscriber.Subscriber{}, err
	}
	sub, err := scanSubscriber(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return subscriber.Subscriber{}, subscriber.ErrNotFound
	}
	if err != nil {
		return subscriber.Subscriber{}, err
	}
	prefs, err := s.loadItems(ctx, []subscriber.ID{id})
	if err != nil {
		return subscriber.Subscriber{}, err
	}
	if p, ok := prefs[id]; ok {
		sub.Items = p
	}
	return sub, nil
}

func (s *sqliteStore) loadItems(ctx context.Context, only []subscriber.ID) (map[subscriber.ID]subscriber.ItemPrefs, error) {
	b := sq.Select("user_id", "item").From("subscriber_items")
	if only != nil {
		raw := make([]int64, len(only))
		for i, id := range only {
			raw[i] = int64(id)
		}
		b = b.Where(sq.Eq{"user_id": raw})
	}
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[subscriber.ID]subscriber.ItemPrefs)
	for rows.Next() {
		var (
			id   int64
			item string
		)
		if err := rows.Scan(&id, &item); err != nil {
			return nil, err
		}
		p, ok := out[subscriber.ID(id)]
		if !ok {
			p = subscriber.ItemSet()
		}
		if item == allItems {
			p.All = true
		} else {
			p.IDs[item] = struct{}{}
		}
		out[subscriber.ID(id)] = p
	}
	return out, rows.Err()
}

func (s *sqliteStore) SubscribersForItem(ctx context.Context, itemID string) ([]subscriber.ID, error) {
	return s.ids(ctx, sq.Select("s.user_id").Distinct().
		From("subscribers s").
		Join("subscriber_items i ON i.user_id = s.user_id").
		LeftJoin("exemptions e ON e.user_id = s.user_id").
		Where(effective).
		Where(sq.Eq{"i.item": []string{itemID, allItems}}).
		OrderBy("s.user_id"))
}

func (s *sqliteStore) SubscribersForTier(ctx context.Context, tier string) ([]subscriber.ID, error) {
	var col string
	switch tier {
	case "free":
		col = "s.wants_free"
	case "paid":
		col = "s.wants_paid"
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	return s.ids(ctx, sq.Select("s.user_id").
		From("subscribers s").
		LeftJoin("exemptions e ON e.user_id = s.user_id").
		Where(effective).
		Where(sq.Eq{col: 1}).
		OrderBy("s.user_id"))
}

func (s *sqliteStore) update(ctx context.Context, id subscriber.ID, set map[string]any) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.exec(ctx, sq.Update("subscribers").SetMap(set).Where(sq.Eq{"user_id": int64(id)}))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return subscriber.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SetSubscribed(ctx context.Context, id subscriber.ID, v bool) error {
	return s.update(ctx, id, map[string]any{"subscribed": b2i(v), "last_check": time.Now().UnixMilli()})
}

func (s *sqliteStore) SetLocale(ctx context.Context, id subscriber.ID, loc subscriber.Locale) error {
	return s.update(ctx, id, map[string]any{"locale": string(loc)})
}

func (s *sqliteStore) SetTokens(ctx context.Context, id subscriber.ID, p subscriber.TokenPrefs) error {
	return s.update(ctx, id, map[string]any{"wants_free": b2i(p.WantsFree), "wants_paid": b2i(p.WantsPaid)})
}

func (s *sqliteStore) SetItems(ctx context.Context, id subscriber.ID, p subscriber.ItemPrefs) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.GetSubscriber(ctx, id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	q, args, err := sq.Delete("subscriber_items").Where(sq.Eq{"user_id": int64(id)}).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return err
	}
	items := p.Sorted()
	if p.All {
		items = []string{allItems}
	}
	if len(items) > 0 {
		ins := sq.Insert("subscriber_items").Columns("user_id", "item")
		for _, it := range items {
			ins = ins.Values(int64(id), it)
		}
		q, args, err := ins.ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Register(ctx context.Context, id subscriber.ID, username string, loc subscriber.Locale) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if loc == "" {
		loc = subscriber.LocaleRU
	}
	res, err := s.exec(ctx, sq.Insert("subscribers").
		Columns("user_id", "username", "locale", "created_at").
		Values(int64(id), nullStr(username), string(loc), time.Now().UnixMilli()).
		Suffix("ON CONFLICT(user_id) DO NOTHING"))
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if strings.TrimSpace(username) != "" {
		if err := s.update(ctx, id, map[string]any{"username": username}); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *sqliteStore) IsExempt(ctx context.Context, id subscriber.ID) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	q, args, err := sq.Select("COUNT(*)").From("exemptions").Where(sq.Eq{"user_id": int64(id)}).ToSql()
	if err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) AddExemption(ctx context.Context, id subscriber.ID, adminID int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.exec(ctx, sq.Insert("exemptions").
		Columns("user_id", "admin_id", "created_at").
		Values(int64(id), adminID, time.Now().UnixMilli()).
		Suffix("ON CONFLICT(user_id) DO UPDATE SET admin_id = excluded.admin_id, created_at = excluded.created_at"))
	return err
}

func (s *sqliteStore) RemoveExemption(ctx context.Context, id subscriber.ID) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	res, err := s.exec(ctx, sq.Delete("exemptions").Where(sq.Eq{"user_id": int64(id)}))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) Exemptions(ctx context.Context) ([]Exemption, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, sq.Select("e.user_id", "COALESCE(s.username, '')", "e.admin_id", "e.created_at").
		From("exemptions e").
		LeftJoin("subscribers s ON s.user_id = e.user_id").
		OrderBy("e.created_at", "e.user_id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Exemption
	for rows.Next() {
		var (
			ex    Exemption
			id, t int64
		)
		if err := rows.Scan(&id, &ex.Username, &ex.AdminID, &t); err != nil {
			return nil, err
		}
		ex.UserID = subscriber.ID(id)
		ex.At = time.UnixMilli(t)
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Subscribers(ctx context.Context) ([]subscriber.Subscriber, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, subscriberSelect().OrderBy("s.user_id"))
	if err != nil {
		return nil, err
	}
	var out []subscriber.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, sub)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Single connection: items are read after the first cursor is closed.
	prefs, err := s.loadItems(ctx, nil)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if p, ok := prefs[out[i].ID]; ok {
			out[i].Items = p
		}
	}
	return out, nil
}

func (s *sqliteStore) AppendDispatch(ctx context.Context, r DispatchRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.exec(ctx, sq.Insert("dispatches").
		Columns("id", "kind", "state", "attempted", "succeeded", "failed", "deactivated", "took_ms", "summary", "at").
		Values(r.ID, r.Kind, r.State, r.Attempted, r.Succeeded, r.Failed, r.Deactivated, r.Took.Milliseconds(), nullStr(r.Summary), r.At.UnixMilli()))
	return err
}

func (s *sqliteStore) RecentDispatches(ctx context.Context, limit int) ([]DispatchRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.query(ctx, sq.Select("id", "kind", "state", "attempted", "succeeded", "failed", "deactivated", "took_ms", "COALESCE(summary, '')", "at").
		From("dispatches").
		OrderBy("at DESC", "rowid DESC").
		Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DispatchRecord
	for rows.Next() {
		var (
			r        DispatchRecord
			took, at int64
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.State, &r.Attempted, &r.Succeeded, &r.Failed, &r.Deactivated, &took, &r.Summary, &at); err != nil {
			return nil, err
		}
		r.Took = time.Duration(took) * time.Millisecond
		r.At = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	if err := s.ready(); err != nil {
		return Stats{}, err
	}
	st := Stats{Items: map[string]int{}}
	q, args, err := sq.Select(
		"COUNT(*)",
		"COALESCE(SUM(s.subscribed), 0)",
		"COUNT(e.user_id)",
		"COALESCE(SUM(CASE WHEN s.subscribed = 1 OR e.user_id IS NOT NULL THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN (s.subscribed = 1 OR e.user_id IS NOT NULL) AND s.wants_free = 1 THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN (s.subscribed = 1 OR e.user_id IS NOT NULL) AND s.wants_paid = 1 THEN 1 ELSE 0 END), 0)",
	).From("subscribers s").LeftJoin("exemptions e ON e.user_id = s.user_id").ToSql()
	if err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&st.Total, &st.Subscribed, &st.Exempt, &st.Effective, &st.WantsFree, &st.WantsPaid); err != nil {
		return Stats{}, err
	}

	rows, err := s.query(ctx, sq.Select("item", "COUNT(*)").From("subscriber_items").GroupBy("item"))
	if err != nil {
		return Stats{}, err
	}
	for rows.Next() {
		var (
			item string
			n    int
		)
		if err := rows.Scan(&item, &n); err != nil {
			rows.Close()
			return Stats{}, err
		}
		if item == allItems {
			st.AllItems = n
		} else {
			st.Items[item] = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dispatches").Scan(&st.Dispatches); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func b2i(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
