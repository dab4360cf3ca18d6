// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keylifecycle.
//
// go-keylifecycle is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package mongo persists lifecycle history in MongoDB, the production
// metadata store.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/metadata"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// DefaultDatabase holds the history collections unless configured
// otherwise.
const DefaultDatabase = "keylifecycle"

// DefaultConnectTimeout bounds the initial dial and ping.
const DefaultConnectTimeout = 10 * time.Second

// Config holds MongoDB connection settings.
type Config struct {
	// URI is the mongodb:// connection string.
	URI string

	// Database selects the database. Empty means DefaultDatabase.
	Database string

	// ConnectTimeout bounds the initial dial and ping. Zero means
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Store is the MongoDB metadata adapter.
type Store struct {
	logger *logging.Logger
	client *mongo.Client
	db     *mongo.Database
}

// Compile-time interface check
var _ metadata.Store = (*Store)(nil)

// Connect dials the database and verifies it responds before
// returning, so callers can fall back to local-only mode immediately.
func Connect(ctx context.Context, config Config, logger *logging.Logger) (*Store, error) {
	if config.URI == "" {
		return nil, fmt.Errorf("metadata: mongo uri required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	database := config.Database
	if database == "" {
		database = DefaultDatabase
	}
	timeout := config.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", metadata.ErrUnavailable, err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping: %v", metadata.ErrUnavailable, err)
	}

	s := &Store{
		logger: logger.WithComponent("metadata.mongo"),
		client: client,
		db:     client.Database(database),
	}
	s.logger.Debug("connected", "database", database)
	return s, nil
}

func (s *Store) InsertRotation(ctx context.Context, record types.RotationRecord) error {
	_, err := s.db.Collection(metadata.CollectionRotationHistory).InsertOne(ctx, record)
	if err != nil {
		return fmt.Errorf("metadata: insert rotation record: %w", err)
	}
	return nil
}

func (s *Store) InsertRestore(ctx context.Context, record types.RestoreRecord) error {
	_, err := s.db.Collection(metadata.CollectionRestoreHistory).InsertOne(ctx, record)
	if err != nil {
		return fmt.Errorf("metadata: insert restore record: %w", err)
	}
	return nil
}

func (s *Store) UpsertCurrentKey(ctx context.Context, ref types.CurrentKeyRef) error {
	_, err := s.db.Collection(metadata.CollectionCurrentKeys).ReplaceOne(ctx,
		bson.M{"key_type": ref.KeyType},
		ref,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("metadata: upsert current key: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %v", metadata.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
