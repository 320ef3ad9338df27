package index

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect is the SQL flavor of a database.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQL is an Index over database/sql. The schema must already exist; see
// Migrate.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQL wraps db.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

// OpenSQLite opens (or creates) a SQLite index file and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	if path == "" {
		path = "chaintrace-index.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open sqlite: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	return openAndMigrate(ctx, db, DialectSQLite)
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("index: open postgres: %w", err)
	}
	return openAndMigrate(ctx, db, DialectPostgres)
}

func openAndMigrate(ctx context.Context, db *sql.DB, dialect Dialect) (*SQL, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: connect %s: %w", dialect, err)
	}
	if err := Migrate(db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQL(db, dialect), nil
}

// Migrate applies the embedded schema migrations for dialect.
func Migrate(db *sql.DB, dialect Dialect) error {
	src, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return fmt.Errorf("index: migrations: %w", err)
	}

	var drv database.Driver
	switch dialect {
	case DialectSQLite:
		drv, err = sqlite.WithInstance(db, &sqlite.Config{})
	case DialectPostgres:
		drv, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		return fmt.Errorf("index: unsupported dialect %q", dialect)
	}
	if err != nil {
		return fmt.Errorf("index: migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(dialect), drv)
	if err != nil {
		return fmt.Errorf("index: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("index: migrate up: %w", err)
	}
	return nil
}

const entryColumns = "tx_hash, payload_hash, hash_algorithm, type_tag, submitter, package_timestamp, status, block_number, recorded_at"

// Put inserts e, or updates status and block of an existing entry.
func (s *SQL) Put(ctx context.Context, e *Entry) error {
	query := s.dialect.rebind(`INSERT INTO records (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash) DO UPDATE SET
			status = excluded.status,
			block_number = excluded.block_number`)
	_, err := s.db.ExecContext(ctx, query,
		string(e.TxHash), e.PayloadHash.Hex(), e.HashAlgorithm, string(e.TypeTag), e.Submitter,
		e.Timestamp, string(e.Status), int64(e.BlockNumber), e.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("index: put %s: %w", e.TxHash, err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, tx ledger.TxHash) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind("SELECT "+entryColumns+" FROM records WHERE tx_hash = ?"), string(tx))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: get %s: %w", tx, err)
	}
	return e, nil
}

func (s *SQL) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind("SELECT "+entryColumns+" FROM records ORDER BY recorded_at DESC LIMIT ?"), limit)
	if err != nil {
		return nil, fmt.Errorf("index: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("index: list: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: list: %w", err)
	}
	return out, nil
}

func (s *SQL) FindByPayloadHash(ctx context.Context, h digest.Hash) ([]ledger.TxHash, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind("SELECT tx_hash FROM records WHERE payload_hash = ? ORDER BY recorded_at, tx_hash"), h.Hex())
	if err != nil {
		return nil, fmt.Errorf("index: find: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ledger.TxHash
	for rows.Next() {
		var tx string
		if err := rows.Scan(&tx); err != nil {
			return nil, fmt.Errorf("index: find: %w", err)
		}
		out = append(out, ledger.TxHash(tx))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: find: %w", err)
	}
	return out, nil
}

func (s *SQL) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e           Entry
		tx          string
		payloadHash string
		tag         string
		status      string
		block       int64
		recordedAt  int64
	)
	err := row.Scan(&tx, &payloadHash, &e.HashAlgorithm, &tag, &e.Submitter, &e.Timestamp, &status, &block, &recordedAt)
	if err != nil {
		return nil, err
	}
	h, err := digest.FromHex(strings.TrimSpace(payloadHash))
	if err != nil {
		return nil, err
	}
	e.TxHash = ledger.TxHash(tx)
	e.PayloadHash = h
	e.TypeTag = provenance.TypeTag(tag)
	e.Status = ledger.Status(status)
	e.BlockNumber = uint64(block)
	e.RecordedAt = time.Unix(0, recordedAt).UTC()
	return &e, nil
}
