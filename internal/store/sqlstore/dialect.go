package sqlstore

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Dialect selects the SQL flavour and database/sql driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

// dequeueLockKey is the advisory lock that serialises dequeuers on Postgres.
const dequeueLockKey = 0x6669666f // "fifo"

// queries is the full statement set for one dialect.
//
// When returning is true the dequeue statements are single
// DELETE ... RETURNING statements and insert returns (id, enqueued_at).
// Otherwise the row is locked with a SELECT ... FOR UPDATE and removed with
// deleteByID in the same transaction, and insertedAt reads the stamp back.
//
// enqueued_at is stamped by the database clock inside the INSERT and never
// falls below the newest pending stamp, so replicas with skewed clocks, or a
// clock stepping back, cannot reorder the queue.
type queries struct {
	driver    string
	returning bool

	schema []string

	insert       string
	insertedAt   string
	lockDequeue  string
	popOldest    string
	popByID      string
	selectOldest string
	selectByID   string
	deleteByID   string
	exists       string
	countUpTo    string
	count        string
}

func queriesFor(d Dialect) (queries, error) {
	switch d {
	case SQLite:
		return queries{
			driver:    "sqlite",
			returning: true,
			schema: []string{
				`CREATE TABLE IF NOT EXISTS queue_items (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	data        BLOB    NOT NULL,
	enqueued_at INTEGER NOT NULL
)`,
				`CREATE INDEX IF NOT EXISTS idx_queue_items_order ON queue_items (enqueued_at, id)`,
			},
			insert: `INSERT INTO queue_items (data, enqueued_at)
SELECT ?, max(CAST((julianday('now') - 2440587.5) * 86400000000 AS INTEGER), COALESCE(MAX(enqueued_at), 0) + 1)
FROM queue_items
RETURNING id, enqueued_at`,
			popOldest: `DELETE FROM queue_items WHERE id = (SELECT id FROM queue_items ORDER BY enqueued_at, id LIMIT 1) RETURNING id, data, enqueued_at`,
			popByID:   `DELETE FROM queue_items WHERE id = ? RETURNING id, data, enqueued_at`,
			exists:    `SELECT COUNT(*) FROM queue_items WHERE id = ?`,
			countUpTo: `SELECT COUNT(*) FROM queue_items WHERE id <= ?`,
			count:     `SELECT COUNT(*) FROM queue_items`,
		}, nil

	case Postgres:
		return queries{
			driver:    "pgx",
			returning: true,
			schema: []string{
				`CREATE TABLE IF NOT EXISTS queue_items (
	id          BIGSERIAL PRIMARY KEY,
	data        BYTEA  NOT NULL,
	enqueued_at BIGINT NOT NULL
)`,
				`CREATE INDEX IF NOT EXISTS idx_queue_items_order ON queue_items (enqueued_at, id)`,
			},
			insert: `INSERT INTO queue_items (data, enqueued_at)
SELECT $1::bytea, GREATEST((extract(epoch FROM clock_timestamp()) * 1000000)::bigint, COALESCE(MAX(enqueued_at), 0) + 1)
FROM queue_items
RETURNING id, enqueued_at`,
			lockDequeue: fmt.Sprintf(`SELECT pg_advisory_xact_lock(%d)`, dequeueLockKey),
			popOldest:   `DELETE FROM queue_items WHERE id = (SELECT id FROM queue_items ORDER BY enqueued_at, id LIMIT 1) RETURNING id, data, enqueued_at`,
			popByID:     `DELETE FROM queue_items WHERE id = $1 RETURNING id, data, enqueued_at`,
			exists:      `SELECT COUNT(*) FROM queue_items WHERE id = $1`,
			countUpTo:   `SELECT COUNT(*) FROM queue_items WHERE id <= $1`,
			count:       `SELECT COUNT(*) FROM queue_items`,
		}, nil

	case MySQL:
		return queries{
			driver: "mysql",
			schema: []string{
				`CREATE TABLE IF NOT EXISTS queue_items (
	id          BIGINT   NOT NULL AUTO_INCREMENT PRIMARY KEY,
	data        LONGBLOB NOT NULL,
	enqueued_at BIGINT   NOT NULL,
	INDEX idx_queue_items_order (enqueued_at, id)
) ENGINE=InnoDB`,
			},
			insert: `INSERT INTO queue_items (data, enqueued_at)
SELECT ?, GREATEST(CAST(UNIX_TIMESTAMP(NOW(6)) * 1000000 AS SIGNED), COALESCE(MAX(enqueued_at), 0) + 1)
FROM queue_items`,
			insertedAt:   `SELECT enqueued_at FROM queue_items WHERE id = ?`,
			selectOldest: `SELECT id, data, enqueued_at FROM queue_items ORDER BY enqueued_at, id LIMIT 1 FOR UPDATE`,
			selectByID:   `SELECT id, data, enqueued_at FROM queue_items WHERE id = ? FOR UPDATE`,
			deleteByID:   `DELETE FROM queue_items WHERE id = ?`,
			exists:       `SELECT COUNT(*) FROM queue_items WHERE id = ?`,
			countUpTo:    `SELECT COUNT(*) FROM queue_items WHERE id <= ?`,
			count:        `SELECT COUNT(*) FROM queue_items`,
		}, nil
	}
	return queries{}, fmt.Errorf("sqlstore: unknown dialect %q", d)
}

// dataSourceName returns the DSN for cfg. An explicit cfg.DSN wins;
// otherwise one is assembled from the connection fields.
func (cfg Config) dataSourceName() (string, error) {
	switch cfg.Dialect {
	case SQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.Path
		}
		if dsn == "" {
			return "", fmt.Errorf("sqlstore: sqlite needs a path or dsn")
		}
		if strings.Contains(dsn, "?") {
			return dsn, nil
		}
		// Writers take the database lock at BEGIN so a dequeue never
		// upgrades a read lock mid-transaction.
		return dsn + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", nil

	case MySQL:
		if cfg.DSN != "" {
			return cfg.DSN, nil
		}
		mc := mysql.NewConfig()
		mc.Net = "tcp"
		mc.Addr = cfg.Host
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.DBName = cfg.Database
		mc.Loc = time.UTC
		return mc.FormatDSN(), nil

	case Postgres:
		if cfg.DSN != "" {
			return cfg.DSN, nil
		}
		u := url.URL{
			Scheme: "postgres",
			Host:   cfg.Host,
			Path:   "/" + cfg.Database,
		}
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else if cfg.User != "" {
			u.User = url.User(cfg.User)
		}
		return u.String(), nil
	}
	return "", fmt.Errorf("sqlstore: unknown dialect %q", cfg.Dialect)
}
