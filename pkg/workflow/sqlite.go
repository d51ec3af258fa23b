// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentci/agentci/pkg/errors"
)

// SQLiteStore persists workflows in a local SQLite database. Records are
// stored as the redacted JSON document plus indexed columns for queries.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and runs
// migrations. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "opening workflow database")
	}
	// modernc sqlite is single-writer; a second connection would just
	// contend on the busy timeout.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		state TEXT NOT NULL,
		doc TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workflows_project ON workflows(project);
	CREATE INDEX IF NOT EXISTS idx_workflows_state ON workflows(state);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "migrating workflow schema")
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, w *Workflow) error {
	if err := validateWorkflow(w); err != nil {
		return err
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = now
	}
	if w.State == "" {
		w.State = StateIdle
	}
	doc, err := json.Marshal(w)
	if err != nil {
		return errors.Wrap(err, "encoding workflow")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, project, state, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.Project, string(w.State), string(doc), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ValidationError{
				Field:      "id",
				Message:    fmt.Sprintf("workflow %s already exists", w.ID),
				Suggestion: "use a unique workflow ID or call Update",
			}
		}
		return errors.Wrap(err, "inserting workflow")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Workflow, error) {
	if id == "" {
		return nil, &errors.ValidationError{Field: "id", Message: "workflow ID cannot be empty"}
	}
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM workflows WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying workflow")
	}
	var w Workflow
	if err := json.Unmarshal([]byte(doc), &w); err != nil {
		return nil, errors.Wrap(err, "decoding workflow")
	}
	return &w, nil
}

func (s *SQLiteStore) Update(ctx context.Context, w *Workflow) error {
	if err := validateWorkflow(w); err != nil {
		return err
	}
	w.UpdatedAt = time.Now()
	doc, err := json.Marshal(w)
	if err != nil {
		return errors.Wrap(err, "encoding workflow")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET project = ?, state = ?, doc = ?, updated_at = ? WHERE id = ?`,
		w.Project, string(w.State), string(doc), w.UpdatedAt, w.ID)
	if err != nil {
		return errors.Wrap(err, "updating workflow")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: w.ID}
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "deleting workflow")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, q Query) ([]*Workflow, error) {
	query := `SELECT doc FROM workflows`
	var conds []string
	var args []any
	if q.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(q.State))
	}
	if q.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, q.Project)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing workflows")
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Wrap(err, "scanning workflow row")
		}
		var w Workflow
		if err := json.Unmarshal([]byte(doc), &w); err != nil {
			return nil, errors.Wrap(err, "decoding workflow")
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
