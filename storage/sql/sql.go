// Package sql is the Postgres implementation of storage.Storage.
//
// Unlike the multi-flavor translation layer this package is descended from,
// GroveAuth speaks to exactly one engine, so there is no query-rewriting
// abstraction here — just lib/pq, database/sql, and a single retry helper
// for serialization failures under SERIALIZABLE isolation.
package sql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/AutumnsGrove/groveauth/pkg/crypto"
	"github.com/AutumnsGrove/groveauth/pkg/log"
)

// Config holds the connection parameters for the Postgres backend.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// ConnMaxOpen bounds the pool; zero means database/sql's default.
	ConnMaxOpen int

	// EncryptionSecret is the root secret field encryption keys are derived
	// from via crypto.DeriveKey. Required.
	EncryptionSecret string
}

func (c Config) dsn() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, sslMode)
}

// conn is the Postgres-backed storage.Storage implementation.
type conn struct {
	db       *sql.DB
	logger   log.Logger
	fieldKey []byte
}

// Open connects to Postgres and returns a storage.Storage. Callers are
// expected to have already applied migrations (see storage/sql/migrations).
func Open(c Config, logger log.Logger) (*conn, error) {
	db, err := sql.Open("postgres", c.dsn())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if c.ConnMaxOpen > 0 {
		db.SetMaxOpenConns(c.ConnMaxOpen)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	fieldKey, err := crypto.DeriveKey([]byte(c.EncryptionSecret), "field-encryption")
	if err != nil {
		return nil, fmt.Errorf("derive field encryption key: %w", err)
	}

	return &conn{db: db, logger: logger, fieldKey: fieldKey}, nil
}

func (c *conn) Close() error {
	return c.db.Close()
}

// execTx runs fn inside a SERIALIZABLE transaction, retrying automatically
// on serialization_failure. Callers must not wrap sql errors returned from
// fn, or the retry check below will never recognize them.
func execTx(db *sql.DB, fn func(*sql.Tx) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}

	for {
		tx, err := db.BeginTx(context.Background(), opts)
		if err != nil {
			return err
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			if isSerializationFailure(err) {
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) {
				continue
			}
			return err
		}
		return nil
	}
}

func isSerializationFailure(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code.Name() == "serialization_failure"
}
