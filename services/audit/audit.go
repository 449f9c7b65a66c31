// Package audit archives sync conflict snapshots. Conflicts never block
// a run; the archive exists so an operator can inspect what the remote
// held before the local store overwrote it.
package audit

import (
	"context"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"stock_warehouse/models"
)

// Sink receives conflict records.
type Sink interface {
	RecordConflict(ctx context.Context, audit models.ConflictAudit) error
}

// LogSink writes conflict records to the process log. It is the
// fallback when no archive database is configured.
type LogSink struct{}

func (LogSink) RecordConflict(_ context.Context, a models.ConflictAudit) error {
	log.Printf("[AUDIT] conflict on %s %s: expected %q, remote held %q (%d byte snapshot)",
		a.Backend, a.Path, a.ExpectedRevision, a.RemoteRevision, len(a.RemoteSnapshot))
	return nil
}

// MongoSink archives conflict records in a MongoDB collection.
type MongoSink struct {
	collection *mongo.Collection
}

const conflictCollection = "sync_conflicts"

// NewMongoSink connects to the archive database. The connection is
// verified with a ping so a bad URI fails at startup, not mid-run.
func NewMongoSink(ctx context.Context, uri, database string) (*MongoSink, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, err
	}
	log.Println("[AUDIT] connected to conflict archive")
	return &MongoSink{collection: client.Database(database).Collection(conflictCollection)}, nil
}

func (s *MongoSink) RecordConflict(ctx context.Context, a models.ConflictAudit) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := s.collection.InsertOne(ctx, a)
	return err
}
