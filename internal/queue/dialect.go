package queue

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Dialect is the closed set of storage backends.
type Dialect int

const (
	SQLite Dialect = iota + 1
	Postgres
	MySQL
)

func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	default:
		return "unknown"
	}
}

// DriverName is the database/sql driver the dialect registers under.
func (d Dialect) DriverName() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "pgx"
	case MySQL:
		return "mysql"
	default:
		return ""
	}
}

// ResolveDialect picks the dialect from an explicit driver identifier, or
// from the URI scheme when driver is empty.
func ResolveDialect(driver, uri string) (Dialect, error) {
	name := strings.ToLower(strings.TrimSpace(driver))
	if name == "" {
		name = scheme(uri)
	}
	switch name {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedDriver, name)
}

// scheme returns the URI scheme without a driver suffix ("mysql+pymysql" is "mysql").
func scheme(uri string) string {
	i := strings.Index(uri, "://")
	if i < 0 {
		if strings.HasPrefix(uri, "file:") {
			return "sqlite"
		}
		return ""
	}
	s := strings.ToLower(uri[:i])
	if j := strings.Index(s, "+"); j >= 0 {
		s = s[:j]
	}
	return s
}

// DSN translates a connection URI into the driver's data source name.
func (d Dialect) DSN(uri string) (string, error) {
	switch d {
	case SQLite:
		return sqliteDSN(uri), nil
	case Postgres:
		return postgresDSN(uri), nil
	case MySQL:
		return mysqlDSN(uri)
	}
	return "", ErrUnsupportedDriver
}

var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"journal_size_limit(1024)",
	"cache_size(-65536)", // 64MB
	"foreign_keys(1)",
	"ignore_check_constraints(0)",
	"synchronous(0)",
	"busy_timeout(5000)",
}

func sqliteDSN(uri string) string {
	path := strings.ReplaceAll(uri, "\\", "/")
	for _, prefix := range []string{"sqlite3:///", "sqlite:///", "sqlite3://", "sqlite://", "file:"} {
		if strings.HasPrefix(path, prefix) {
			path = strings.TrimPrefix(path, prefix)
			break
		}
	}
	var query string
	if i := strings.Index(path, "?"); i >= 0 {
		path, query = path[:i], path[i+1:]
	}
	params := make([]string, 0, len(sqlitePragmas)+2)
	for _, p := range sqlitePragmas {
		params = append(params, "_pragma="+p)
	}
	params = append(params, "_txlock=immediate", "_time_format=sqlite")
	if query != "" {
		params = append(params, query)
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

func postgresDSN(uri string) string {
	if i := strings.Index(uri, "://"); i >= 0 {
		return "postgres" + uri[i:]
	}
	return uri
}

func mysqlDSN(uri string) (string, error) {
	if !strings.Contains(uri, "://") {
		// already a go-sql-driver DSN
		cfg, err := mysql.ParseDSN(uri)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		return cfg.FormatDSN(), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse mysql uri: %w", err)
	}
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(3306)
	}
	cfg.Addr = net.JoinHostPort(host, port)
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	for k, v := range u.Query() {
		if len(v) == 0 {
			continue
		}
		if cfg.Params == nil {
			cfg.Params = map[string]string{}
		}
		cfg.Params[k] = v[0]
	}
	return cfg.FormatDSN(), nil
}

// Rebind rewrites ? placeholders to $n for postgres.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// lockClause keeps concurrent claimers off the row being claimed. SQLite
// transactions already take the write lock at BEGIN.
func (d Dialect) lockClause() string {
	if d == SQLite {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}

// schema returns the DDL statements for the schedule table.
func (d Dialect) schema() []string {
	switch d {
	case Postgres:
		return []string{`
CREATE TABLE IF NOT EXISTS schedule (
  id BIGSERIAL PRIMARY KEY,
  task_name VARCHAR(255) NOT NULL,
  scheduled_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ,
  payload JSONB NOT NULL,
  output JSONB,
  claimed BOOLEAN NOT NULL DEFAULT FALSE,
  done BOOLEAN NOT NULL DEFAULT FALSE,
  retry_count INTEGER NOT NULL DEFAULT 0,
  exhausted BOOLEAN NOT NULL DEFAULT FALSE,
  fail_message JSONB
)`,
			`CREATE INDEX IF NOT EXISTS idx_schedule_claim ON schedule(done, exhausted, claimed, scheduled_at DESC)`,
		}
	case MySQL:
		return []string{`
CREATE TABLE IF NOT EXISTS schedule (
  id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
  task_name VARCHAR(255) NOT NULL,
  scheduled_at DATETIME(6) NOT NULL,
  completed_at DATETIME(6) NULL,
  payload JSON NOT NULL,
  output JSON NULL,
  claimed BOOLEAN NOT NULL DEFAULT FALSE,
  done BOOLEAN NOT NULL DEFAULT FALSE,
  retry_count INT NOT NULL DEFAULT 0,
  exhausted BOOLEAN NOT NULL DEFAULT FALSE,
  fail_message JSON NULL,
  INDEX idx_schedule_claim (done, exhausted, claimed, scheduled_at)
)`,
		}
	default:
		return []string{`
CREATE TABLE IF NOT EXISTS schedule (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_name TEXT NOT NULL,
  scheduled_at DATETIME NOT NULL,
  completed_at DATETIME,
  payload TEXT NOT NULL,
  output TEXT,
  claimed BOOLEAN NOT NULL DEFAULT FALSE,
  done BOOLEAN NOT NULL DEFAULT FALSE,
  retry_count INTEGER NOT NULL DEFAULT 0,
  exhausted BOOLEAN NOT NULL DEFAULT FALSE,
  fail_message TEXT
)`,
			`CREATE INDEX IF NOT EXISTS idx_schedule_claim ON schedule(done, exhausted, claimed, scheduled_at DESC)`,
		}
	}
}
