// Package remote implements storage.Store as a generic (collection, id)
// -> JSON document table over database/sql, standing in for an
// eventually consistent NoSQL store backend option. Two dialects are
// supported: postgres (github.com/lib/pq) and sqlite (mattn/go-sqlite3),
// following services/storage/internal/relational/postgres_store.go's
// table layout, $N placeholders, and tenant scoping, plus
// services/control-plane/aggregator/main.go's sqlite WAL DSN.
//
// Every collection (agents, messages, groups, round_tables, issued_keys,
// tenants) lives in one physical table keyed by (collection, id),
// storing the marshaled model value as a JSON document plus a handful
// of indexed columns used for filtering and the atomic compound
// transitions the lease and key-burn operations require.
package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/admp/hub/internal/model"
	"github.com/admp/hub/internal/storage"
)

// Dialect distinguishes SQL placeholder and pragma differences between
// the two supported drivers.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const defaultTable = "admp_documents"

type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

type Options struct {
	Dialect   Dialect
	TableName string
}

func Open(db *sql.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("remote: nil *sql.DB")
	}
	table := strings.TrimSpace(opts.TableName)
	if table == "" {
		table = defaultTable
	}
	if opts.Dialect != DialectPostgres && opts.Dialect != DialectSQLite {
		return nil, fmt.Errorf("remote: unsupported dialect %q", opts.Dialect)
	}
	return &Store{db: db, dialect: opts.Dialect, table: table}, nil
}

// EnsureSchema creates the backing table if it does not exist. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	var q string
	switch s.dialect {
	case DialectPostgres:
		q = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  collection   TEXT NOT NULL,
  id           TEXT NOT NULL,
  secondary    TEXT NOT NULL DEFAULT '',
  status       TEXT NOT NULL DEFAULT '',
  created_at_ms BIGINT NOT NULL DEFAULT 0,
  used_at_ms   BIGINT NOT NULL DEFAULT 0,
  doc          JSONB NOT NULL,
  PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS %s_secondary_idx ON %s (collection, secondary);
`, s.table, s.table, s.table)
	case DialectSQLite:
		q = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  collection   TEXT NOT NULL,
  id           TEXT NOT NULL,
  secondary    TEXT NOT NULL DEFAULT '',
  status       TEXT NOT NULL DEFAULT '',
  created_at_ms INTEGER NOT NULL DEFAULT 0,
  used_at_ms   INTEGER NOT NULL DEFAULT 0,
  doc          TEXT NOT NULL,
  PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS %s_secondary_idx ON %s (collection, secondary);
`, s.table, s.table, s.table)
	}
	_, err := s.db.ExecContext(ctx, q)
	return err
}

func (s *Store) ph(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ---- generic document helpers ----

func (s *Store) insert(ctx context.Context, collection, id, secondary, status string, createdAtMS int64, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (collection, id, secondary, status, created_at_ms, doc) VALUES (%s,%s,%s,%s,%s,%s)`,
		s.table, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	_, err = s.db.ExecContext(ctx, q, collection, id, secondary, status, createdAtMS, string(buf))
	if err != nil && isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (s *Store) get(ctx context.Context, collection, id string, out interface{}) (bool, error) {
	q := fmt.Sprintf(`SELECT doc FROM %s WHERE collection = %s AND id = %s`, s.table, s.ph(1), s.ph(2))
	var doc string
	err := s.db.QueryRowContext(ctx, q, collection, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(doc), out)
}

func (s *Store) getBySecondary(ctx context.Context, collection, secondary string, out interface{}) (bool, error) {
	q := fmt.Sprintf(`SELECT doc FROM %s WHERE collection = %s AND secondary = %s LIMIT 1`, s.table, s.ph(1), s.ph(2))
	var doc string
	err := s.db.QueryRowContext(ctx, q, collection, secondary).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(doc), out)
}

func (s *Store) replace(ctx context.Context, collection, id, secondary, status string, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET secondary = %s, status = %s, doc = %s WHERE collection = %s AND id = %s`,
		s.table, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err = s.db.ExecContext(ctx, q, secondary, status, string(buf), collection, id)
	return err
}

func (s *Store) delete(ctx context.Context, collection, id string) (bool, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE collection = %s AND id = %s`, s.table, s.ph(1), s.ph(2))
	res, err := s.db.ExecContext(ctx, q, collection, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) listDocs(ctx context.Context, collection string) ([]string, error) {
	q := fmt.Sprintf(`SELECT doc FROM %s WHERE collection = %s`, s.table, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unique") || strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "duplicate key")
}

const (
	collAgents      = "agents"
	collMessages    = "messages"
	collGroups      = "groups"
	collRoundTables = "round_tables"
	collKeys        = "issued_keys"
	collTenants     = "tenants"
)

// ---- agents ----

func (s *Store) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	if err := s.insert(ctx, collAgents, a.AgentID, a.DID, "", a.CreatedAtMS, a); err != nil {
		return model.Agent{}, err
	}
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (model.Agent, bool, error) {
	var a model.Agent
	ok, err := s.get(ctx, collAgents, id, &a)
	return a, ok, err
}

func (s *Store) GetAgentByDID(ctx context.Context, did string) (model.Agent, bool, error) {
	var a model.Agent
	ok, err := s.getBySecondary(ctx, collAgents, did, &a)
	return a, ok, err
}

func (s *Store) UpdateAgent(ctx context.Context, id string, patch storage.AgentPatch) (model.Agent, bool, error) {
	var a model.Agent
	ok, err := s.get(ctx, collAgents, id, &a)
	if err != nil || !ok {
		return model.Agent{}, false, err
	}
	applyAgentPatch(&a, patch)
	a.UpdatedAtMS = nowMS()
	if err := s.replace(ctx, collAgents, id, a.DID, "", a); err != nil {
		return model.Agent{}, false, err
	}
	return a, true, nil
}

func applyAgentPatch(a *model.Agent, patch storage.AgentPatch) {
	if patch.TrustedAgents != nil {
		a.TrustedAgents = *patch.TrustedAgents
	}
	if patch.WebhookURL != nil {
		a.WebhookURL = *patch.WebhookURL
	}
	if patch.WebhookSecret != nil {
		a.WebhookSecret = *patch.WebhookSecret
	}
	if patch.Metadata != nil {
		a.Metadata = patch.Metadata
	}
	if patch.LastHeartbeatMS != nil {
		a.LastHeartbeatMS = *patch.LastHeartbeatMS
	}
	if patch.PublicKeys != nil {
		a.PublicKeys = *patch.PublicKeys
	}
	if patch.PublicKey != nil {
		a.PublicKey = *patch.PublicKey
	}
}

func (s *Store) DeleteAgent(ctx context.Context, id string) (bool, error) {
	ok, err := s.delete(ctx, collAgents, id)
	if err != nil || !ok {
		return ok, err
	}
	docs, err := s.listDocs(ctx, collMessages)
	if err != nil {
		return true, err
	}
	for _, doc := range docs {
		var m model.Message
		if json.Unmarshal([]byte(doc), &m) == nil && m.To == id {
			s.delete(ctx, collMessages, m.ID)
		}
	}
	return true, nil
}

func (s *Store) ListAgents(ctx context.Context, filter storage.AgentFilter) ([]model.Agent, error) {
	docs, err := s.listDocs(ctx, collAgents)
	if err != nil {
		return nil, err
	}
	now := nowMS()
	out := make([]model.Agent, 0, len(docs))
	for _, doc := range docs {
		var a model.Agent
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, err
		}
		if filter.AgentType != "" && a.AgentType != filter.AgentType {
			continue
		}
		if filter.Status != "" && a.Status(now, 300_000) != filter.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func nowMS() int64 { return time.Now().UTC().UnixMilli() }

// ---- messages ----

func (s *Store) CreateMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if err := s.insert(ctx, collMessages, m.ID, m.To, string(m.Status), m.CreatedAtMS, m); err != nil {
		return model.Message{}, err
	}
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (model.Message, bool, error) {
	var m model.Message
	ok, err := s.get(ctx, collMessages, id, &m)
	return m, ok, err
}

func statusIn(st model.MessageStatus, set []model.MessageStatus) bool {
	for _, x := range set {
		if x == st {
			return true
		}
	}
	return false
}

func applyMessagePatch(m *model.Message, patch storage.MessagePatch) {
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	if patch.ClearLease {
		m.LeaseUntilMS = 0
	} else if patch.LeaseUntilMS != nil {
		m.LeaseUntilMS = *patch.LeaseUntilMS
	}
	if patch.Attempts != nil {
		m.Attempts = *patch.Attempts
	}
	if patch.AckedAtMS != nil {
		m.AckedAtMS = *patch.AckedAtMS
	}
	if patch.Result != nil {
		m.Result = patch.Result
	}
	if patch.WebhookDelivered != nil {
		m.WebhookDelivered = *patch.WebhookDelivered
	}
	if patch.PurgedAtMS != nil {
		m.PurgedAtMS = *patch.PurgedAtMS
	}
	if patch.PurgeReason != nil {
		m.PurgeReason = *patch.PurgeReason
	}
	if patch.ClearBody {
		m.Body = nil
	}
}

// forUpdate returns the row-lock clause for the dialect; sqlite has no
// row-level locking, and beginWrite opens a default (deferred)
// transaction there, not BEGIN IMMEDIATE. sqlite admits one writer at a
// time, and cmd/admp-hub opens the sqlite pool with a single
// connection, so these transactions do not interleave.
func (s *Store) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *Store) beginWrite(ctx context.Context) (*sql.Tx, error) {
	if s.dialect == DialectSQLite {
		return s.db.BeginTx(ctx, &sql.TxOptions{})
	}
	return s.db.BeginTx(ctx, nil)
}

// UpdateMessage is the atomic chokepoint: the row is locked (postgres
// SELECT ... FOR UPDATE, sqlite's whole-db write lock) for the duration
// of the check-then-write so two callers racing on the same status
// precondition never both succeed.
func (s *Store) UpdateMessage(ctx context.Context, id string, ifStatus []model.MessageStatus, patch storage.MessagePatch) (model.Message, bool, error) {
	tx, err := s.beginWrite(ctx)
	if err != nil {
		return model.Message{}, false, err
	}
	defer tx.Rollback()

	q := fmt.Sprintf(`SELECT doc FROM %s WHERE collection = %s AND id = %s`+s.forUpdate(), s.table, s.ph(1), s.ph(2))
	var doc string
	err = tx.QueryRowContext(ctx, q, collMessages, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, false, nil
	}
	if err != nil {
		return model.Message{}, false, err
	}
	var m model.Message
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return model.Message{}, false, err
	}
	if len(ifStatus) > 0 && !statusIn(m.Status, ifStatus) {
		return model.Message{}, false, nil
	}

	applyMessagePatch(&m, patch)
	m.UpdatedAtMS = nowMS()

	buf, err := json.Marshal(m)
	if err != nil {
		return model.Message{}, false, err
	}
	uq := fmt.Sprintf(`UPDATE %s SET secondary = %s, status = %s, doc = %s WHERE collection = %s AND id = %s`,
		s.table, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	if _, err := tx.ExecContext(ctx, uq, m.To, string(m.Status), string(buf), collMessages, id); err != nil {
		return model.Message{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, false, err
	}
	return m, true, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) (bool, error) {
	return s.delete(ctx, collMessages, id)
}

func (s *Store) GetInbox(ctx context.Context, agentID string, status model.MessageStatus) ([]model.Message, error) {
	docs, err := s.listDocs(ctx, collMessages)
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0)
	for _, doc := range docs {
		var m model.Message
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			return nil, err
		}
		if m.To != agentID {
			continue
		}
		if status != "" && m.Status != status {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS < out[j].CreatedAtMS })
	return out, nil
}

func (s *Store) GetInboxStats(ctx context.Context, agentID string) (storage.InboxStats, error) {
	msgs, err := s.GetInbox(ctx, agentID, "")
	if err != nil {
		return storage.InboxStats{}, err
	}
	var st storage.InboxStats
	for _, m := range msgs {
		switch m.Status {
		case model.StatusQueued:
			st.Queued++
		case model.StatusLeased:
			st.Leased++
		case model.StatusAcked:
			st.Acked++
		case model.StatusExpired:
			st.Expired++
		case model.StatusPurged:
			st.Purged++
		}
	}
	return st, nil
}

// LeaseNext locks the set of candidate rows for agentID (postgres: FOR
// UPDATE SKIP LOCKED so concurrent pullers don't block each other on
// rows they won't pick anyway; sqlite: the single-writer transaction),
// picks the oldest queued and not-yet-expired one in Go, and commits the
// transition in the same transaction.
func (s *Store) LeaseNext(ctx context.Context, agentID string, now time.Time, visibilityTimeout time.Duration) (model.Message, bool, error) {
	tx, err := s.beginWrite(ctx)
	if err != nil {
		return model.Message{}, false, err
	}
	defer tx.Rollback()

	lockClause := s.forUpdate()
	if s.dialect == DialectPostgres {
		lockClause += " SKIP LOCKED"
	}
	q := fmt.Sprintf(`SELECT id, doc FROM %s WHERE collection = %s AND secondary = %s AND status = %s ORDER BY created_at_ms ASC`+lockClause,
		s.table, s.ph(1), s.ph(2), s.ph(3))
	rows, err := tx.QueryContext(ctx, q, collMessages, agentID, string(model.StatusQueued))
	if err != nil {
		return model.Message{}, false, err
	}
	var chosen *model.Message
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			rows.Close()
			return model.Message{}, false, err
		}
		var m model.Message
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			rows.Close()
			return model.Message{}, false, err
		}
		if m.ExpiresAtMS != 0 && m.ExpiresAtMS <= now.UnixMilli() {
			continue
		}
		chosen = &m
		break
	}
	rows.Close()
	if chosen == nil {
		return model.Message{}, false, nil
	}

	chosen.Status = model.StatusLeased
	chosen.LeaseUntilMS = now.Add(visibilityTimeout).UnixMilli()
	chosen.Attempts++
	chosen.UpdatedAtMS = now.UnixMilli()

	buf, err := json.Marshal(chosen)
	if err != nil {
		return model.Message{}, false, err
	}
	uq := fmt.Sprintf(`UPDATE %s SET secondary = %s, status = %s, doc = %s WHERE collection = %s AND id = %s`,
		s.table, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	if _, err := tx.ExecContext(ctx, uq, chosen.To, string(chosen.Status), string(buf), collMessages, chosen.ID); err != nil {
		return model.Message{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, false, err
	}
	return *chosen, true, nil
}

func (s *Store) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	docs, err := s.listDocs(ctx, collMessages)
	if err != nil {
		return 0, err
	}
	n := 0
	nowMs := now.UnixMilli()
	for _, doc := range docs {
		var m model.Message
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			return n, err
		}
		if m.Status == model.StatusLeased && m.LeaseUntilMS != 0 && m.LeaseUntilMS <= nowMs {
			st := model.StatusQueued
			_, ok, err := s.UpdateMessage(ctx, m.ID, []model.MessageStatus{model.StatusLeased}, storage.MessagePatch{Status: &st, ClearLease: true})
			if err != nil {
				return n, err
			}
			if ok {
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) ExpireMessages(ctx context.Context, now time.Time) (int, error) {
	docs, err := s.listDocs(ctx, collMessages)
	if err != nil {
		return 0, err
	}
	n := 0
	nowMs := now.UnixMilli()
	for _, doc := range docs {
		var m model.Message
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			return n, err
		}
		if (m.Status == model.StatusQueued || m.Status == model.StatusLeased) && m.ExpiresAtMS != 0 && m.ExpiresAtMS <= nowMs {
			st := model.StatusExpired
			_, ok, err := s.UpdateMessage(ctx, m.ID, []model.MessageStatus{m.Status}, storage.MessagePatch{Status: &st, ClearLease: true})
			if err != nil {
				return n, err
			}
			if ok {
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) CleanupTerminalMessages(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	docs, err := s.listDocs(ctx, collMessages)
	if err != nil {
		return 0, err
	}
	n := 0
	cutoff := now.Add(-retention).UnixMilli()
	for _, doc := range docs {
		var m model.Message
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			return n, err
		}
		if !isTerminal(m.Status) || m.UpdatedAtMS > cutoff {
			continue
		}
		if ok, err := s.delete(ctx, collMessages, m.ID); err != nil {
			return n, err
		} else if ok {
			n++
		}
	}
	return n, nil
}

func isTerminal(st model.MessageStatus) bool {
	return st == model.StatusAcked || st == model.StatusExpired || st == model.StatusPurged
}

func (s *Store) PurgeExpiredEphemeral(ctx context.Context, now time.Time) (int, error) {
	docs, err := s.listDocs(ctx, collMessages)
	if err != nil {
		return 0, err
	}
	n := 0
	nowMs := now.UnixMilli()
	for _, doc := range docs {
		var m model.Message
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			return n, err
		}
		if !m.Ephemeral || m.Body == nil {
			continue
		}
		if m.ExpiresAtMS == 0 || m.ExpiresAtMS > nowMs {
			continue
		}
		reason := "ephemeral_ttl"
		purgedAt := nowMs
		_, ok, err := s.UpdateMessage(ctx, m.ID, nil, storage.MessagePatch{ClearBody: true, PurgedAtMS: &purgedAt, PurgeReason: &reason})
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ---- groups ----

func (s *Store) CreateGroup(ctx context.Context, g model.Group) (model.Group, error) {
	if err := s.insert(ctx, collGroups, g.GroupID, g.Creator, string(g.Access), g.CreatedAtMS, g); err != nil {
		return model.Group{}, err
	}
	return g, nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (model.Group, bool, error) {
	var g model.Group
	ok, err := s.get(ctx, collGroups, id, &g)
	return g, ok, err
}

func (s *Store) UpdateGroup(ctx context.Context, id string, mutate func(g *model.Group) error) (model.Group, bool, error) {
	tx, err := s.beginWrite(ctx)
	if err != nil {
		return model.Group{}, false, err
	}
	defer tx.Rollback()

	q := fmt.Sprintf(`SELECT doc FROM %s WHERE collection = %s AND id = %s`+s.forUpdate(), s.table, s.ph(1), s.ph(2))
	var doc string
	err = tx.QueryRowContext(ctx, q, collGroups, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Group{}, false, nil
	}
	if err != nil {
		return model.Group{}, false, err
	}
	var g model.Group
	if err := json.Unmarshal([]byte(doc), &g); err != nil {
		return model.Group{}, false, err
	}
	if err := mutate(&g); err != nil {
		return model.Group{}, false, err
	}
	g.UpdatedAtMS = nowMS()
	buf, err := json.Marshal(g)
	if err != nil {
		return model.Group{}, false, err
	}
	uq := fmt.Sprintf(`UPDATE %s SET secondary = %s, status = %s, doc = %s WHERE collection = %s AND id = %s`,
		s.table, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	if _, err := tx.ExecContext(ctx, uq, g.Creator, string(g.Access), string(buf), collGroups, id); err != nil {
		return model.Group{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.Group{}, false, err
	}
	return g, true, nil
}

func (s *Store) DeleteGroup(ctx context.Context, id string) (bool, error) {
	return s.delete(ctx, collGroups, id)
}

func (s *Store) ListGroups(ctx context.Context, filter storage.GroupFilter) ([]model.Group, error) {
	docs, err := s.listDocs(ctx, collGroups)
	if err != nil {
		return nil, err
	}
	out := make([]model.Group, 0, len(docs))
	for _, doc := range docs {
		var g model.Group
		if err := json.Unmarshal([]byte(doc), &g); err != nil {
			return nil, err
		}
		if filter.Creator != "" && g.Creator != filter.Creator {
			continue
		}
		if filter.Access != "" && g.Access != filter.Access {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

func (s *Store) AddGroupMember(ctx context.Context, groupID string, m model.GroupMember) (model.Group, bool, error) {
	return s.UpdateGroup(ctx, groupID, func(g *model.Group) error {
		for i, existing := range g.Members {
			if existing.AgentID == m.AgentID {
				g.Members[i] = m
				return nil
			}
		}
		g.Members = append(g.Members, m)
		return nil
	})
}

func (s *Store) RemoveGroupMember(ctx context.Context, groupID, agentID string) (model.Group, bool, error) {
	return s.UpdateGroup(ctx, groupID, func(g *model.Group) error {
		for i, existing := range g.Members {
			if existing.AgentID == agentID {
				g.Members = append(g.Members[:i], g.Members[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

func (s *Store) GetGroupMembers(ctx context.Context, groupID string) ([]model.GroupMember, error) {
	var g model.Group
	ok, err := s.get(ctx, collGroups, groupID, &g)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	return g.Members, nil
}

func (s *Store) IsGroupMember(ctx context.Context, groupID, agentID string) (bool, error) {
	var g model.Group
	ok, err := s.get(ctx, collGroups, groupID, &g)
	if err != nil || !ok {
		return false, err
	}
	for _, m := range g.Members {
		if m.AgentID == agentID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetGroupMessages(ctx context.Context, groupID string, limit int) ([]model.Message, error) {
	docs, err := s.listDocs(ctx, collMessages)
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0)
	for _, doc := range docs {
		var m model.Message
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			return nil, err
		}
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS < out[j].CreatedAtMS })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ---- round tables ----

func (s *Store) CreateRoundTable(ctx context.Context, rt model.RoundTable) (model.RoundTable, error) {
	if err := s.insert(ctx, collRoundTables, rt.RoundTableID, rt.Facilitator, string(rt.Status), rt.CreatedAtMS, rt); err != nil {
		return model.RoundTable{}, err
	}
	return rt, nil
}

func (s *Store) GetRoundTable(ctx context.Context, id string) (model.RoundTable, bool, error) {
	var rt model.RoundTable
	ok, err := s.get(ctx, collRoundTables, id, &rt)
	return rt, ok, err
}

func (s *Store) UpdateRoundTable(ctx context.Context, id string, mutate func(rt *model.RoundTable) error) (model.RoundTable, bool, error) {
	tx, err := s.beginWrite(ctx)
	if err != nil {
		return model.RoundTable{}, false, err
	}
	defer tx.Rollback()

	q := fmt.Sprintf(`SELECT doc FROM %s WHERE collection = %s AND id = %s`+s.forUpdate(), s.table, s.ph(1), s.ph(2))
	var doc string
	err = tx.QueryRowContext(ctx, q, collRoundTables, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RoundTable{}, false, nil
	}
	if err != nil {
		return model.RoundTable{}, false, err
	}
	var rt model.RoundTable
	if err := json.Unmarshal([]byte(doc), &rt); err != nil {
		return model.RoundTable{}, false, err
	}
	if err := mutate(&rt); err != nil {
		return model.RoundTable{}, false, err
	}
	buf, err := json.Marshal(rt)
	if err != nil {
		return model.RoundTable{}, false, err
	}
	uq := fmt.Sprintf(`UPDATE %s SET secondary = %s, status = %s, doc = %s WHERE collection = %s AND id = %s`,
		s.table, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	if _, err := tx.ExecContext(ctx, uq, rt.Facilitator, string(rt.Status), string(buf), collRoundTables, id); err != nil {
		return model.RoundTable{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.RoundTable{}, false, err
	}
	return rt, true, nil
}

func (s *Store) ListRoundTables(ctx context.Context, filter storage.RoundTableFilter) ([]model.RoundTable, error) {
	docs, err := s.listDocs(ctx, collRoundTables)
	if err != nil {
		return nil, err
	}
	out := make([]model.RoundTable, 0)
	for _, doc := range docs {
		var rt model.RoundTable
		if err := json.Unmarshal([]byte(doc), &rt); err != nil {
			return nil, err
		}
		if filter.Facilitator != "" && rt.Facilitator != filter.Facilitator {
			continue
		}
		if filter.Status != "" && rt.Status != filter.Status {
			continue
		}
		if filter.Participant != "" && !containsStr(rt.Participants, filter.Participant) {
			continue
		}
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS < out[j].CreatedAtMS })
	return out, nil
}

func containsStr(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// ---- issued keys ----

func (s *Store) CreateIssuedKey(ctx context.Context, k model.IssuedAPIKey) (model.IssuedAPIKey, error) {
	if err := s.insert(ctx, collKeys, k.KeyID, k.KeyHash, "", k.CreatedAt.UnixMilli(), k); err != nil {
		return model.IssuedAPIKey{}, err
	}
	return k, nil
}

func (s *Store) GetIssuedKeyByHash(ctx context.Context, hash string) (model.IssuedAPIKey, bool, error) {
	var k model.IssuedAPIKey
	ok, err := s.getBySecondary(ctx, collKeys, hash, &k)
	return k, ok, err
}

// BurnSingleUseKey locks the row for the duration of the
// check-used_at-then-set, giving the same single-winner guarantee a
// conditional UPDATE would.
func (s *Store) BurnSingleUseKey(ctx context.Context, keyID string, now time.Time) (bool, error) {
	tx, err := s.beginWrite(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	q := fmt.Sprintf(`SELECT doc FROM %s WHERE collection = %s AND id = %s`+s.forUpdate(), s.table, s.ph(1), s.ph(2))
	var doc string
	err = tx.QueryRowContext(ctx, q, collKeys, keyID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, storage.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	var k model.IssuedAPIKey
	if err := json.Unmarshal([]byte(doc), &k); err != nil {
		return false, err
	}
	if k.UsedAt != nil {
		return false, nil
	}
	t := now
	k.UsedAt = &t
	buf, err := json.Marshal(k)
	if err != nil {
		return false, err
	}
	uq := fmt.Sprintf(`UPDATE %s SET doc = %s WHERE collection = %s AND id = %s`, s.table, s.ph(1), s.ph(2), s.ph(3))
	if _, err := tx.ExecContext(ctx, uq, string(buf), collKeys, keyID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ---- tenants ----

func (s *Store) GetOrCreateTenant(ctx context.Context, id string) (model.Tenant, error) {
	var t model.Tenant
	ok, err := s.get(ctx, collTenants, id, &t)
	if err != nil {
		return model.Tenant{}, err
	}
	if ok {
		return t, nil
	}
	t = model.Tenant{TenantID: id, CreatedAtMS: nowMS()}
	if err := s.insert(ctx, collTenants, id, "", "", t.CreatedAtMS, t); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			s.get(ctx, collTenants, id, &t)
			return t, nil
		}
		return model.Tenant{}, err
	}
	return t, nil
}
