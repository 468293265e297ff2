// Package datastore opens the relational store used for image records.
//
// Two drivers are supported: sqlite (modernc.org/sqlite, pure Go) for
// development and tests, and postgres through pgx's database/sql adapter.
// Open connects, pings and creates the schema before returning so that
// callers can fail startup before any listener opens.
package datastore

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/keithlinneman/linnemanlabs-social/internal/health"
	"github.com/keithlinneman/linnemanlabs-social/internal/log"
	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

func init() {
	// sqlx only knows the cgo driver name
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type dialect struct {
	name    string
	driver  string
	pragmas []string
}

var (
	sqliteDialect = dialect{
		name:   "sqlite",
		driver: "sqlite",
		pragmas: []string{
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		},
	}
	postgresDialect = dialect{name: "postgres", driver: "pgx"}
)

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3", "":
		return sqliteDialect, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect, nil
	}
	return dialect{}, xerrors.Newf("unsupported database driver %q", driver)
}

type Config struct {
	// Driver is sqlite or postgres.
	Driver string

	// Path is the sqlite database file or URI.
	Path string

	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string

	// PasswordParam names an SSM SecureString holding the postgres
	// password. It takes precedence over Password and needs Secrets.
	PasswordParam string
	Secrets       ParameterGetter

	MaxOpenConns   int
	ConnectTimeout time.Duration

	Logger log.Logger
}

// DSN returns the driver name and data source name for c. The password
// must already be resolved.
func (c Config) DSN() (string, string, error) {
	d, err := dialectFor(c.Driver)
	if err != nil {
		return "", "", err
	}
	if d.name == "sqlite" {
		if c.Path == "" {
			return "", "", xerrors.New("sqlite database path is required")
		}
		return d.driver, c.Path, nil
	}

	if c.Host == "" || c.Name == "" {
		return "", "", xerrors.New("postgres host and database name are required")
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:   "/" + c.Name,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	q := url.Values{}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	q.Set("sslmode", sslMode)
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return d.driver, u.String(), nil
}

type DB struct {
	db      *sqlx.DB
	dialect dialect
	logger  log.Logger
}

// Open connects to the configured database, verifies it answers and
// creates missing tables.
func Open(ctx context.Context, c Config) (*DB, error) {
	if c.Logger == nil {
		c.Logger = log.Nop()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	d, err := dialectFor(c.Driver)
	if err != nil {
		return nil, err
	}

	if c.PasswordParam != "" {
		pw, err := ResolvePassword(ctx, c.Secrets, c.PasswordParam)
		if err != nil {
			return nil, err
		}
		c.Password = pw
	}

	driver, dsn, err := c.DSN()
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open %s database", d.name)
	}
	if d.name == "sqlite" {
		// one connection so in-memory databases are shared
		db.SetMaxOpenConns(1)
	} else if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
	}

	pctx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrapf(err, "connect to %s database", d.name)
	}

	for _, stmt := range d.pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, xerrors.Wrapf(err, "exec %q", stmt)
		}
	}

	s := &DB{db: db, dialect: d, logger: c.Logger}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	c.Logger.Info(ctx, "datastore connected", "driver", d.name)
	return s, nil
}

func (s *DB) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS images (
id TEXT PRIMARY KEY,
name TEXT NOT NULL UNIQUE,
mime_type TEXT NOT NULL,
size_bytes BIGINT NOT NULL,
caption TEXT,
owner_id TEXT,
created_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_images_created_at ON images(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(err, "initialize schema")
		}
	}
	return nil
}

// Driver returns the dialect name, sqlite or postgres.
func (s *DB) Driver() string { return s.dialect.name }

func (s *DB) Close() error { return s.db.Close() }

// Ping checks the connection with a short deadline.
func (s *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return xerrors.Wrapf(err, "%s ping", s.dialect.name)
	}
	return nil
}

// Probe reports readiness based on Ping.
func (s *DB) Probe() health.CheckFunc {
	return s.Ping
}

// Images returns the image record repository.
func (s *DB) Images() *ImageRepo {
	return &ImageRepo{db: s.db}
}
