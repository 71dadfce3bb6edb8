// Package stats takes advisory before/after snapshots of the databases on
// both ends of a migration. Counts are for the operator's judgment only:
// replication lag, capped collections and TTL expiry can all make the sides
// diverge on a perfectly healthy copy, so nothing here fails a job.
package stats

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/mongoferry/mongoferry/internal/models"
)

const defaultTimeout = 5 * time.Second

// Collector queries deployments for snapshots and connectivity probes. Every
// call is bounded by the configured timeout, so a dead deployment turns into
// a prompt error instead of a hang.
type Collector struct {
	timeout time.Duration
	logger  zerolog.Logger
}

func NewCollector(timeout time.Duration, logger zerolog.Logger) *Collector {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Collector{
		timeout: timeout,
		logger:  logger.With().Str("component", "stats").Logger(),
	}
}

// dbStatsResult holds the fields of the dbStats command this tool reads.
// Sizes come back as doubles on some server versions.
type dbStatsResult struct {
	Collections int64   `bson:"collections"`
	Objects     int64   `bson:"objects"`
	DataSize    float64 `bson:"dataSize"`
	StorageSize float64 `bson:"storageSize"`
}

func (c *Collector) connect(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(c.timeout).
		SetConnectTimeout(c.timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}
	return client, nil
}

// Snapshot reads one database's collection count, document count and raw
// sizes. Side and phase are left for the caller to stamp.
func (c *Collector) Snapshot(ctx context.Context, uri, dbName string) (*models.StatsSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client, err := c.connect(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer client.Disconnect(context.Background())

	var res dbStatsResult
	if err := client.Database(dbName).RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}}).Decode(&res); err != nil {
		return nil, errors.Wrapf(err, "dbStats for %s", dbName)
	}

	return &models.StatsSnapshot{
		Collections: res.Collections,
		Objects:     res.Objects,
		DataSize:    int64(res.DataSize),
		StorageSize: int64(res.StorageSize),
		TakenAt:     time.Now().UTC(),
	}, nil
}

// Probe verifies a deployment is reachable and returns its server version.
func (c *Collector) Probe(ctx context.Context, uri string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client, err := c.connect(ctx, uri)
	if err != nil {
		return "", err
	}
	defer client.Disconnect(context.Background())

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return "", errors.Wrap(err, "ping")
	}

	var info struct {
		Version string `bson:"version"`
	}
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info); err != nil {
		return "", errors.Wrap(err, "buildInfo")
	}
	return info.Version, nil
}
