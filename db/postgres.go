// Package db is the relational state layer of the sync engine: entity
// state rows, access control memberships, connections, syncs and jobs,
// persisted in PostgreSQL through gorm.
package db

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"weave.evalgo.org/common"
)

// DB bundles the gorm handle with the stores built on top of it.
type DB struct {
	gorm *gorm.DB
	log  *logrus.Entry
}

// Connect opens a PostgreSQL connection pool.
func Connect(url string) (*DB, error) {
	gdb, err := gorm.Open(postgres.Open(url), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &DB{gorm: gdb, log: common.Component("db")}, nil
}

// Migrate creates or updates the engine's tables.
func (d *DB) Migrate() error {
	return d.gorm.AutoMigrate(
		&EntityState{},
		&Membership{},
		&SourceConnection{},
		&ConnectionCredential{},
		&Sync{},
		&SyncDestination{},
		&SyncJob{},
	)
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EntityStates returns the entity state store.
func (d *DB) EntityStates() *EntityStateStore {
	return &EntityStateStore{db: d.gorm}
}

// Memberships returns the access control membership store.
func (d *DB) Memberships() *MembershipStore {
	return &MembershipStore{db: d.gorm}
}

// Connections returns the source connection and credential store.
func (d *DB) Connections() *ConnectionStore {
	return &ConnectionStore{db: d.gorm}
}

// Syncs returns the sync and sync destination store.
func (d *DB) Syncs() *SyncStore {
	return &SyncStore{db: d.gorm}
}

// Jobs returns the sync job store.
func (d *DB) Jobs() *SyncJobStore {
	return &SyncJobStore{db: d.gorm}
}

// Transaction runs fn with stores bound to one database transaction.
func (d *DB) Transaction(fn func(tx *DB) error) error {
	return d.gorm.Transaction(func(tx *gorm.DB) error {
		return fn(&DB{gorm: tx, log: d.log})
	})
}
