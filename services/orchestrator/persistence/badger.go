// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

const badgerKeyPrefix = "transcript/"

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in memory. Used by tests.
	InMemory bool

	// Logger receives badger's own log lines. Nil disables them.
	Logger *slog.Logger
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerPersister keeps transcripts in an embedded badger database under
// "transcript/<conversation id>".
type BadgerPersister struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadger opens (or creates) the database described by cfg.
func OpenBadger(cfg BadgerConfig) (*BadgerPersister, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerPersister{db: db, now: time.Now}, nil
}

// Persist implements Persister.
func (p *BadgerPersister) Persist(_ context.Context, conversationID string, turns []datatypes.Turn) error {
	rec, err := newRecord(conversationID, turns, p.now())
	if err != nil {
		return err
	}
	value, err := rec.marshal()
	if err != nil {
		return err
	}
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+conversationID), value)
	})
}

// Load returns the stored record for conversationID.
func (p *BadgerPersister) Load(conversationID string) (Record, error) {
	var rec Record
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + conversationID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, fmt.Errorf("transcript %s: %w", conversationID, err)
	}
	return rec, err
}

// Name implements Persister.
func (p *BadgerPersister) Name() string { return "badger" }

// Close closes the database.
func (p *BadgerPersister) Close() error {
	return p.db.Close()
}
