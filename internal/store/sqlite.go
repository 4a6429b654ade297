// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides dialogue tree persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is the storage format for timestamps. Nanosecond precision
// because created_at totally orders siblings and second precision collapses
// under rapid inserts. Fixed-width fraction (not RFC3339Nano, which trims
// trailing zeros) so lexicographic order on the stored strings matches
// chronological order for ORDER BY.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the durable Store backed by a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path, switches on WAL
// and foreign keys, and brings the schema up to date. Parent directories
// are created as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS nodes (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL DEFAULT '',
			parent_id       TEXT REFERENCES nodes(id),
			session_id      TEXT NOT NULL DEFAULT '',
			query           TEXT NOT NULL,
			answer          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'streaming',
			intent          TEXT,
			ref_fragment_id TEXT,
			created_at      TEXT NOT NULL,
			finalized_at    TEXT,

			CHECK (status IN ('streaming', 'complete', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_nodes_parent_created
			ON nodes(parent_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_nodes_user
			ON nodes(user_id);

		CREATE TABLE IF NOT EXISTS fragments (
			node_id  TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
			id       TEXT NOT NULL,
			type     TEXT NOT NULL,
			content  TEXT NOT NULL,
			position INTEGER NOT NULL,

			PRIMARY KEY (node_id, id),
			CHECK (type IN ('code', 'formula', 'text'))
		);

		CREATE INDEX IF NOT EXISTS idx_fragments_node
			ON fragments(node_id, position);

		CREATE TABLE IF NOT EXISTS triples (
			node_id    TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
			subject    TEXT NOT NULL,
			predicate  TEXT NOT NULL,
			object     TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		-- NOCASE makes the per-node dedup case-insensitive at the index level
		CREATE UNIQUE INDEX IF NOT EXISTS idx_triples_dedup
			ON triples(node_id, subject COLLATE NOCASE, predicate COLLATE NOCASE, object COLLATE NOCASE);

		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds node columns that postdate existing databases: intent
// and ref_fragment_id landed after the first release. SQLite has no ADD
// COLUMN IF NOT EXISTS, so presence is probed through pragma_table_info.
func (s *SQLiteStore) runMigrations() error {
	for _, column := range []string{"intent", "ref_fragment_id"} {
		var one int
		probe := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('nodes') WHERE name = '%s'`, column)
		if err := s.db.QueryRow(probe).Scan(&one); err == nil {
			continue // column already present
		}
		alter := fmt.Sprintf(`ALTER TABLE nodes ADD COLUMN %s TEXT`, column)
		if _, err := s.db.Exec(alter); err != nil {
			return fmt.Errorf("adding %s column to nodes: %w", column, err)
		}
		s.logger.Info("applied migration", "column", column, "table", "nodes")
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation matches the text the modernc driver produces for
// UNIQUE and CHECK failures.
func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// nullString maps empty strings to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateNode inserts a new node. If node.ParentID is set, the parent must
// already exist; otherwise ErrNotFound is returned. Nodes are never deleted,
// so a parent that exists at creation time exists forever - the tree is
// acyclic by construction.
func (s *SQLiteStore) CreateNode(ctx context.Context, node *Node) error {
	if node.ParentID != "" {
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM nodes WHERE id = ?`, node.ParentID).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("parent %s: %w", node.ParentID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("checking parent: %w", err)
		}
	}

	query := `
		INSERT INTO nodes (id, user_id, parent_id, session_id, query, answer, status, intent, ref_fragment_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		node.ID,
		node.UserID,
		nullString(node.ParentID),
		node.SessionID,
		node.Query,
		node.Answer,
		node.Status,
		nullString(node.Intent),
		nullString(node.RefFragmentID),
		node.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting node: %w", err)
	}

	s.logger.Debug("created node", "id", node.ID, "parent_id", node.ParentID, "status", node.Status)
	return nil
}

// nodeColumns is the column list shared by every node SELECT.
const nodeColumns = `id, user_id, parent_id, session_id, query, answer, status, intent, ref_fragment_id, created_at, finalized_at`

// scanNode scans one node row. Works for both *sql.Row and *sql.Rows.
func scanNode(scan func(dest ...any) error) (*Node, error) {
	var node Node
	var parentID, intent, refFragmentID, finalizedAtStr sql.NullString
	var createdAtStr string

	err := scan(
		&node.ID,
		&node.UserID,
		&parentID,
		&node.SessionID,
		&node.Query,
		&node.Answer,
		&node.Status,
		&intent,
		&refFragmentID,
		&createdAtStr,
		&finalizedAtStr,
	)
	if err != nil {
		return nil, err
	}

	node.ParentID = parentID.String
	node.Intent = intent.String
	node.RefFragmentID = refFragmentID.String

	node.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	if finalizedAtStr.Valid {
		t, err := time.Parse(time.RFC3339Nano, finalizedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing finalized_at: %w", err)
		}
		node.FinalizedAt = &t
	}

	return &node, nil
}

// GetNode retrieves a node by ID.
// Returns ErrNotFound if the node doesn't exist.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)

	node, err := scanNode(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying node: %w", err)
	}
	return node, nil
}

// AppendDelta appends text to the in-progress answer of a streaming node.
// Returns ErrInvalidState if the node is finalized, ErrNotFound if unknown.
// The append is a single UPDATE, so readers never observe a half-written
// answer.
func (s *SQLiteStore) AppendDelta(ctx context.Context, nodeID, text string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET answer = answer || ? WHERE id = ? AND status = ?`,
		text, nodeID, StatusStreaming)
	if err != nil {
		return fmt.Errorf("appending delta: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// Either the node doesn't exist or it is no longer streaming.
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM nodes WHERE id = ?`, nodeID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking node status: %w", err)
	}
	return fmt.Errorf("node %s is %s: %w", nodeID, status, ErrInvalidState)
}

// Finalize transitions a streaming node to complete (succeeded=true) or
// failed. If finalText is non-nil it replaces the accumulated answer,
// otherwise whatever deltas accumulated are kept. Finalizing an already
// finalized node is a no-op that returns the stored state - retries must
// not corrupt history.
func (s *SQLiteStore) Finalize(ctx context.Context, nodeID string, finalText *string, succeeded bool) (*Node, error) {
	status := StatusComplete
	if !succeeded {
		status = StatusFailed
	}

	var result sql.Result
	var err error
	now := time.Now().UTC().Format(timeFormat)
	if finalText != nil {
		result, err = s.db.ExecContext(ctx,
			`UPDATE nodes SET status = ?, answer = ?, finalized_at = ? WHERE id = ? AND status = ?`,
			status, *finalText, now, nodeID, StatusStreaming)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE nodes SET status = ?, finalized_at = ? WHERE id = ? AND status = ?`,
			status, now, nodeID, StatusStreaming)
	}
	if err != nil {
		return nil, fmt.Errorf("finalizing node: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}

	node, err := s.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	if rowsAffected > 0 {
		s.logger.Debug("finalized node", "id", nodeID, "status", status, "answer_len", len(node.Answer))
	}
	return node, nil
}

// GetPath returns the ancestor chain from the root down to nodeID inclusive.
// Returns ErrNotFound for an unknown id. Parents are validated to pre-exist
// at creation, so the walk always terminates.
func (s *SQLiteStore) GetPath(ctx context.Context, nodeID string) ([]*Node, error) {
	query := `
		WITH RECURSIVE ancestors(` + nodeColumns + `, depth) AS (
			SELECT ` + nodeColumns + `, 0 FROM nodes WHERE id = ?
			UNION ALL
			SELECT n.id, n.user_id, n.parent_id, n.session_id, n.query, n.answer, n.status,
			       n.intent, n.ref_fragment_id, n.created_at, n.finalized_at, a.depth + 1
			FROM nodes n JOIN ancestors a ON n.id = a.parent_id
		)
		SELECT ` + nodeColumns + ` FROM ancestors ORDER BY depth DESC
	`

	rows, err := s.db.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("querying path: %w", err)
	}
	defer rows.Close()

	var path []*Node
	for rows.Next() {
		node, err := scanNode(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning path row: %w", err)
		}
		path = append(path, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating path rows: %w", err)
	}

	if len(path) == 0 {
		return nil, ErrNotFound
	}
	return path, nil
}

// ListChildren returns the direct children of a node ordered by creation
// time (rowid as tiebreak for identical timestamps).
func (s *SQLiteStore) ListChildren(ctx context.Context, parentID string) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? ORDER BY created_at, rowid`, parentID)
	if err != nil {
		return nil, fmt.Errorf("querying children: %w", err)
	}
	defer rows.Close()

	var children []*Node
	for rows.Next() {
		node, err := scanNode(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning child row: %w", err)
		}
		children = append(children, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating child rows: %w", err)
	}
	return children, nil
}

// GetTree returns the node with its children resolved recursively, each
// level ordered by creation time. maxDepth bounds the recursion; 0 or
// negative means the default of 10.
func (s *SQLiteStore) GetTree(ctx context.Context, rootID string, maxDepth int) (*TreeNode, error) {
	if maxDepth <= 0 {
		maxDepth = 10
	}

	root, err := s.GetNode(ctx, rootID)
	if err != nil {
		return nil, err
	}

	tree := &TreeNode{Node: root}
	if err := s.fillChildren(ctx, tree, 0, maxDepth); err != nil {
		return nil, err
	}
	return tree, nil
}

func (s *SQLiteStore) fillChildren(ctx context.Context, parent *TreeNode, depth, maxDepth int) error {
	if depth >= maxDepth {
		return nil
	}

	children, err := s.ListChildren(ctx, parent.Node.ID)
	if err != nil {
		return err
	}

	for _, child := range children {
		tn := &TreeNode{Node: child}
		if err := s.fillChildren(ctx, tn, depth+1, maxDepth); err != nil {
			return err
		}
		parent.Children = append(parent.Children, tn)
	}
	return nil
}

// SaveFragments replaces the fragment set of a node. Fragments are indexed
// once after finalize; replacing wholesale keeps retried indexing idempotent.
func (s *SQLiteStore) SaveFragments(ctx context.Context, nodeID string, fragments []*Fragment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("clearing fragments: %w", err)
	}

	for _, f := range fragments {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fragments (node_id, id, type, content, position) VALUES (?, ?, ?, ?, ?)`,
			nodeID, f.ID, f.Type, f.Content, f.Position)
		if err != nil {
			return fmt.Errorf("inserting fragment %s: %w", f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing fragments: %w", err)
	}

	s.logger.Debug("saved fragments", "node_id", nodeID, "count", len(fragments))
	return nil
}

// GetFragments returns a node's fragments in registration order.
func (s *SQLiteStore) GetFragments(ctx context.Context, nodeID string) ([]*Fragment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, id, type, content, position FROM fragments WHERE node_id = ? ORDER BY position`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("querying fragments: %w", err)
	}
	defer rows.Close()

	var fragments []*Fragment
	for rows.Next() {
		var f Fragment
		if err := rows.Scan(&f.NodeID, &f.ID, &f.Type, &f.Content, &f.Position); err != nil {
			return nil, fmt.Errorf("scanning fragment row: %w", err)
		}
		fragments = append(fragments, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fragment rows: %w", err)
	}
	return fragments, nil
}

// SaveTriples merges triples into a node's stored set. Duplicates (compared
// case-insensitively via the NOCASE unique index) are dropped silently.
func (s *SQLiteStore) SaveTriples(ctx context.Context, nodeID string, triples []Triple) error {
	if len(triples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeFormat)
	for _, t := range triples {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO triples (node_id, subject, predicate, object, created_at) VALUES (?, ?, ?, ?, ?)`,
			nodeID, t.Subject, t.Predicate, t.Object, now)
		if err != nil {
			return fmt.Errorf("inserting triple: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing triples: %w", err)
	}

	s.logger.Debug("saved triples", "node_id", nodeID, "count", len(triples))
	return nil
}

// GetTriples returns a node's stored triples in insertion order.
func (s *SQLiteStore) GetTriples(ctx context.Context, nodeID string) ([]Triple, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, subject, predicate, object FROM triples WHERE node_id = ? ORDER BY rowid`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("querying triples: %w", err)
	}
	defer rows.Close()

	var triples []Triple
	for rows.Next() {
		var t Triple
		if err := rows.Scan(&t.SourceNodeID, &t.Subject, &t.Predicate, &t.Object); err != nil {
			return nil, fmt.Errorf("scanning triple row: %w", err)
		}
		triples = append(triples, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating triple rows: %w", err)
	}
	return triples, nil
}

// CreateUser inserts a new user account.
// Returns ErrDuplicateUser if the username is already taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Username, user.PasswordHash, user.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID, "username", user.Username)
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUserWhere(ctx, `id = ?`, id)
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUserWhere(ctx, `username = ?`, username)
}

func (s *SQLiteStore) getUserWhere(ctx context.Context, where string, arg any) (*User, error) {
	var user User
	var createdAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE `+where, arg).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &user, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
