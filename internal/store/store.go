package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

type Store struct {
	db     *sqlx.DB
	driver Driver
}

// New opens a SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	return Open(context.Background(), DriverSQLite, dbPath)
}

// Open opens a database for the given driver and ensures the schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*Store, error) {
	var drvName string
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		drvName = "sqlite"
		if dsn == "" {
			dsn = "schoolexam.db"
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?" + sqlitePragmas
		}
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			dsn = "postgres://localhost:5432/schoolexam?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sqlx.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One writer at a time; also keeps ":memory:" on a single database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Driver reports the backend in use.
func (s *Store) Driver() Driver {
	return s.driver
}

func (s *Store) migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// rebind converts "?" placeholders for the active driver.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// forUpdate locks selected rows on backends that support row locks. SQLite
// serializes writers on its own.
func (s *Store) forUpdate() string {
	if s.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// isConflict reports a uniqueness violation or a transient lock conflict.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "23505", "40001", "40P01":
			return true
		}
	}
	return false
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS exams (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	title TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'quiz',
	instructions TEXT NOT NULL DEFAULT '',
	randomize_questions BOOLEAN NOT NULL DEFAULT 0,
	randomize_answers BOOLEAN NOT NULL DEFAULT 0,
	allow_review BOOLEAN NOT NULL DEFAULT 0,
	show_correct_answers BOOLEAN NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS exam_questions (
	id TEXT PRIMARY KEY,
	exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	type TEXT NOT NULL,
	options TEXT NOT NULL DEFAULT '[]',
	correct_answer TEXT NOT NULL DEFAULT '',
	explanation TEXT NOT NULL DEFAULT '',
	points REAL NOT NULL DEFAULT 1,
	difficulty TEXT NOT NULL DEFAULT 'medium',
	active BOOLEAN NOT NULL DEFAULT 1,
	display_order INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS exam_questions_exam ON exam_questions(exam_id, display_order);

CREATE TABLE IF NOT EXISTS exam_schedules (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	exam_id TEXT NOT NULL REFERENCES exams(id),
	class_name TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	teacher_id TEXT NOT NULL DEFAULT '',
	start_time DATETIME NOT NULL,
	end_time DATETIME NOT NULL,
	duration_minutes INTEGER NOT NULL,
	total_questions INTEGER NOT NULL DEFAULT 0,
	total_score REAL NOT NULL DEFAULT 0,
	passing_score REAL NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS exam_attempts (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	schedule_id TEXT NOT NULL REFERENCES exam_schedules(id),
	exam_id TEXT NOT NULL,
	student_id TEXT NOT NULL,
	status TEXT NOT NULL,
	close_reason TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	deadline DATETIME NOT NULL,
	submitted_at DATETIME,
	question_order TEXT NOT NULL,
	option_order TEXT NOT NULL DEFAULT '{}',
	time_spent_seconds INTEGER NOT NULL DEFAULT 0,
	score REAL NOT NULL DEFAULT 0,
	total_points REAL NOT NULL DEFAULT 0,
	percentage REAL NOT NULL DEFAULT 0,
	passed BOOLEAN NOT NULL DEFAULT 0,
	grade_label TEXT NOT NULL DEFAULT '',
	correct_count INTEGER NOT NULL DEFAULT 0,
	incorrect_count INTEGER NOT NULL DEFAULT 0,
	blank_count INTEGER NOT NULL DEFAULT 0,
	ungraded_count INTEGER NOT NULL DEFAULT 0,
	client_ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS exam_attempts_one_active
	ON exam_attempts(student_id, schedule_id) WHERE status = 'in_progress';
CREATE INDEX IF NOT EXISTS exam_attempts_exam_status ON exam_attempts(exam_id, status);

CREATE TABLE IF NOT EXISTS student_answers (
	attempt_id TEXT NOT NULL REFERENCES exam_attempts(id) ON DELETE CASCADE,
	question_id TEXT NOT NULL,
	choice TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	is_correct BOOLEAN,
	outcome TEXT NOT NULL DEFAULT '',
	points_awarded REAL NOT NULL DEFAULT 0,
	time_spent_seconds INTEGER NOT NULL DEFAULT 0,
	answered_at DATETIME NOT NULL,
	PRIMARY KEY (attempt_id, question_id)
);

CREATE TABLE IF NOT EXISTS item_analysis (
	exam_id TEXT NOT NULL,
	question_id TEXT NOT NULL,
	total_attempts INTEGER NOT NULL,
	correct_count INTEGER NOT NULL,
	incorrect_count INTEGER NOT NULL,
	blank_count INTEGER NOT NULL,
	ungraded_count INTEGER NOT NULL,
	difficulty_index REAL NOT NULL,
	discrimination_index REAL,
	discrimination_quality TEXT NOT NULL,
	group_size INTEGER NOT NULL,
	top_group_correct REAL NOT NULL,
	bottom_group_correct REAL NOT NULL,
	option_statistics TEXT NOT NULL DEFAULT '{}',
	recommendation TEXT NOT NULL,
	computed_at DATETIME NOT NULL,
	PRIMARY KEY (exam_id, question_id)
);

CREATE TABLE IF NOT EXISTS grade_bands (
	tenant_id TEXT NOT NULL,
	scope_kind TEXT NOT NULL,
	scope_ref TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL,
	min_score REAL NOT NULL,
	max_score REAL NOT NULL,
	label TEXT NOT NULL,
	passing BOOLEAN NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, scope_kind, scope_ref, position)
);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS exams (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	title TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'quiz',
	instructions TEXT NOT NULL DEFAULT '',
	randomize_questions BOOLEAN NOT NULL DEFAULT FALSE,
	randomize_answers BOOLEAN NOT NULL DEFAULT FALSE,
	allow_review BOOLEAN NOT NULL DEFAULT FALSE,
	show_correct_answers BOOLEAN NOT NULL DEFAULT FALSE,
	max_attempts INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS exam_questions (
	id TEXT PRIMARY KEY,
	exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	type TEXT NOT NULL,
	options TEXT NOT NULL DEFAULT '[]',
	correct_answer TEXT NOT NULL DEFAULT '',
	explanation TEXT NOT NULL DEFAULT '',
	points DOUBLE PRECISION NOT NULL DEFAULT 1,
	difficulty TEXT NOT NULL DEFAULT 'medium',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	display_order INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS exam_questions_exam ON exam_questions(exam_id, display_order);

CREATE TABLE IF NOT EXISTS exam_schedules (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	exam_id TEXT NOT NULL REFERENCES exams(id),
	class_name TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	teacher_id TEXT NOT NULL DEFAULT '',
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	duration_minutes INTEGER NOT NULL,
	total_questions INTEGER NOT NULL DEFAULT 0,
	total_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	passing_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS exam_attempts (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	schedule_id TEXT NOT NULL REFERENCES exam_schedules(id),
	exam_id TEXT NOT NULL,
	student_id TEXT NOT NULL,
	status TEXT NOT NULL,
	close_reason TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	deadline TIMESTAMPTZ NOT NULL,
	submitted_at TIMESTAMPTZ,
	question_order TEXT NOT NULL,
	option_order TEXT NOT NULL DEFAULT '{}',
	time_spent_seconds INTEGER NOT NULL DEFAULT 0,
	score DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_points DOUBLE PRECISION NOT NULL DEFAULT 0,
	percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
	passed BOOLEAN NOT NULL DEFAULT FALSE,
	grade_label TEXT NOT NULL DEFAULT '',
	correct_count INTEGER NOT NULL DEFAULT 0,
	incorrect_count INTEGER NOT NULL DEFAULT 0,
	blank_count INTEGER NOT NULL DEFAULT 0,
	ungraded_count INTEGER NOT NULL DEFAULT 0,
	client_ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS exam_attempts_one_active
	ON exam_attempts(student_id, schedule_id) WHERE status = 'in_progress';
CREATE INDEX IF NOT EXISTS exam_attempts_exam_status ON exam_attempts(exam_id, status);

CREATE TABLE IF NOT EXISTS student_answers (
	attempt_id TEXT NOT NULL REFERENCES exam_attempts(id) ON DELETE CASCADE,
	question_id TEXT NOT NULL,
	choice TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	is_correct BOOLEAN,
	outcome TEXT NOT NULL DEFAULT '',
	points_awarded DOUBLE PRECISION NOT NULL DEFAULT 0,
	time_spent_seconds INTEGER NOT NULL DEFAULT 0,
	answered_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (attempt_id, question_id)
);

CREATE TABLE IF NOT EXISTS item_analysis (
	exam_id TEXT NOT NULL,
	question_id TEXT NOT NULL,
	total_attempts INTEGER NOT NULL,
	correct_count INTEGER NOT NULL,
	incorrect_count INTEGER NOT NULL,
	blank_count INTEGER NOT NULL,
	ungraded_count INTEGER NOT NULL,
	difficulty_index DOUBLE PRECISION NOT NULL,
	discrimination_index DOUBLE PRECISION,
	discrimination_quality TEXT NOT NULL,
	group_size INTEGER NOT NULL,
	top_group_correct DOUBLE PRECISION NOT NULL,
	bottom_group_correct DOUBLE PRECISION NOT NULL,
	option_statistics TEXT NOT NULL DEFAULT '{}',
	recommendation TEXT NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (exam_id, question_id)
);

CREATE TABLE IF NOT EXISTS grade_bands (
	tenant_id TEXT NOT NULL,
	scope_kind TEXT NOT NULL,
	scope_ref TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL,
	min_score DOUBLE PRECISION NOT NULL,
	max_score DOUBLE PRECISION NOT NULL,
	label TEXT NOT NULL,
	passing BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (tenant_id, scope_kind, scope_ref, position)
);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
