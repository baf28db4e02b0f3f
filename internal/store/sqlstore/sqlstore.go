// Package sqlstore is the single-node SQL-backed reference implementation
// of the relation-tuple store (authz.TupleStore), built on squirrel for
// query construction and the cgo-based mattn/go-sqlite3 driver for storage
// — the same pair jackal's own store layer uses for its single-node
// deployment mode. It does not implement the detached-session store.
package sqlstore

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"waddle.chat/xmppd/internal/authz"
)

// TupleStore is a squirrel/sqlite3-backed authz.TupleStore.
type TupleStore struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

// Open creates (if needed) the relation_tuples table at dsn and returns a
// ready TupleStore.
func Open(dsn string) (*TupleStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: open")
	}
	const schema = `CREATE TABLE IF NOT EXISTS relation_tuples (
		object TEXT NOT NULL,
		relation TEXT NOT NULL,
		subject TEXT NOT NULL,
		PRIMARY KEY (object, relation, subject)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlstore: migrate")
	}
	return &TupleStore{db: db, builder: sq.StatementBuilder.PlaceholderFormat(sq.Question)}, nil
}

// Close releases the underlying database handle.
func (s *TupleStore) Close() error {
	return s.db.Close()
}

// Write implements authz.TupleStore.
func (s *TupleStore) Write(ctx context.Context, t authz.Tuple) error {
	q := s.builder.Insert("relation_tuples").
		Columns("object", "relation", "subject").
		Values(t.Object, t.Relation, t.Subject).
		Suffix("ON CONFLICT(object, relation, subject) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return errors.Wrap(err, "sqlstore: build insert")
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	return errors.Wrap(err, "sqlstore: write tuple")
}

// Delete implements authz.TupleStore.
func (s *TupleStore) Delete(ctx context.Context, t authz.Tuple) error {
	q := s.builder.Delete("relation_tuples").
		Where(sq.Eq{"object": t.Object, "relation": t.Relation, "subject": t.Subject})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return errors.Wrap(err, "sqlstore: build delete")
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	return errors.Wrap(err, "sqlstore: delete tuple")
}

// Read implements authz.TupleStore.
func (s *TupleStore) Read(ctx context.Context, object, relation string) ([]authz.Tuple, error) {
	q := s.builder.Select("subject").
		From("relation_tuples").
		Where(sq.Eq{"object": object, "relation": relation})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: build select")
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: read tuples")
	}
	defer rows.Close()

	var out []authz.Tuple
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, errors.Wrap(err, "sqlstore: scan tuple")
		}
		out = append(out, authz.Tuple{Object: object, Relation: relation, Subject: subject})
	}
	return out, errors.Wrap(rows.Err(), "sqlstore: iterate tuples")
}
