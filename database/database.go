// Copyright 2026 OpenBCH Developers
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

// Package database is the engine's persistence layer. Structured state
// (the UTXO mirror, entity statuses, signing sessions, category spend
// counters) lives in SQLite via gorm; opaque blobs (escrowed keys) live
// in Badger. An empty data directory selects in-memory backends for both,
// which is what the tests use.
package database

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrStaleSequence is returned when an update carries a sequence number
// that no longer matches the stored row.
var ErrStaleSequence = errors.New("stale sequence")

// ErrUtxoLocked is returned when a UTXO is soft-locked by another signing
// session.
var ErrUtxoLocked = errors.New("utxo locked by another session")

type Database struct {
	logger  *slog.Logger
	db      *gorm.DB
	blob    *badger.DB
	dataDir string
}

// New creates a new database instance with optional persistence using the
// provided data directory.
func New(logger *slog.Logger, dataDir string) (*Database, error) {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	metadataDb, err := openMetadata(dataDir)
	if err != nil {
		return nil, err
	}
	blobDb, err := openBlob(dataDir, logger)
	if err != nil {
		return nil, err
	}
	d := &Database{
		logger:  logger,
		db:      metadataDb,
		blob:    blobDb,
		dataDir: dataDir,
	}
	for _, model := range migrateModels {
		d.logger.Debug(
			fmt.Sprintf("creating table: %#v", model),
			"component", "database",
		)
		if err := d.db.AutoMigrate(model); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func openMetadata(dataDir string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	}
	if dataDir == "" {
		// In-memory database, useful for testing. cache=shared allows
		// multiple connections to share the same in-memory database
		return gorm.Open(
			sqlite.Open("file::memory:?cache=shared"),
			gormCfg,
		)
	}
	if _, err := os.Stat(dataDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read data dir: %w", err)
		}
		if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	dbPath := filepath.Join(dataDir, "metadata.sqlite")
	// WAL journal mode, disable sync on write
	connOpts := "_pragma=journal_mode(WAL)&_pragma=sync(OFF)"
	return gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?%s", dbPath, connOpts)),
		gormCfg,
	)
}

func openBlob(dataDir string, logger *slog.Logger) (*badger.DB, error) {
	var opts badger.Options
	if dataDir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		blobDir := filepath.Join(dataDir, "blob")
		if err := os.MkdirAll(blobDir, fs.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create blob dir: %w", err)
		}
		opts = badger.DefaultOptions(blobDir)
	}
	opts = opts.WithLogger(newBadgerLogger(logger))
	return badger.Open(opts)
}

// DataDir returns the path to the data directory used for storage.
func (d *Database) DataDir() string {
	return d.dataDir
}

// Logger returns the logger instance.
func (d *Database) Logger() *slog.Logger {
	return d.logger
}

// Close cleans up the database connections.
func (d *Database) Close() error {
	var err error
	if sqlDb, sqlErr := d.db.DB(); sqlErr == nil {
		err = errors.Join(err, sqlDb.Close())
	}
	err = errors.Join(err, d.blob.Close())
	return err
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	return &badgerLogger{logger: logger.With("component", "database")}
}

func (b *badgerLogger) Errorf(format string, args ...any) {
	b.logger.Error(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Warningf(format string, args ...any) {
	b.logger.Warn(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Infof(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Debugf(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}
