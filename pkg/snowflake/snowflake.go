// Copyright 2025 Tom Barlow
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

// Package snowflake drives the warehouse-side control plane for data streams.
//
// A data stream replicates one snowflake table into a relation of the remote
// compute database. The stream is created through stored procedures in the
// RAI schema, observed via a status procedure, and deleted once the sync has
// finished (or failed).
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	sf "github.com/snowflakedb/gosnowflake"

	"github.com/tombee/batchflow/internal/config"
	"github.com/tombee/batchflow/pkg/errors"
	"github.com/tombee/batchflow/pkg/retry"
)

// Status properties and values reported by RAI.get_data_stream_status.
const (
	propSyncStatus   = "Data sync status"
	propHealthStatus = "Data stream health"
	propTotalRows    = "Latest changes written to RAI - Total rows"

	statusFullySynced = `"Fully synced"`
	statusHealthy     = `"Healthy"`
)

// Sync polling bounds. The first delay covers ingestion-service job startup;
// the max delay stays under the warehouse auto-suspend threshold.
const (
	syncFirstDelay = 10 * time.Second
	syncMaxDelay   = 55 * time.Second
	syncRate       = 0.5
	syncTimeout    = 30 * time.Minute
)

// DB is a connection to one snowflake account used for stream control.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to snowflake with the credentials of the given container.
func Open(container config.Container, logger *slog.Logger) (*DB, error) {
	dsn, err := sf.DSN(&sf.Config{
		Account:   container.Account,
		User:      container.User,
		Password:  container.Password,
		Role:      container.Role,
		Warehouse: container.Warehouse,
		Database:  container.Database,
		Schema:    container.Schema,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "building snowflake DSN for container %q", container.Name)
	}
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening snowflake connection for container %q", container.Name)
	}
	return &DB{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// BeginDataSync creates the data stream that replicates sourceTable into
// destRelation of the given compute database, using the given engine.
func (d *DB) BeginDataSync(ctx context.Context, sourceTable, database, engine, destRelation string) error {
	commands := []string{
		fmt.Sprintf("CALL RAI.use_rai_database('%s');", database),
		fmt.Sprintf("CALL RAI.use_rai_engine('%s');", engine),
		fmt.Sprintf("CALL RAI.create_data_stream('%s', '%s', 'simple_source_catalog, :%s');",
			sourceTable, database, destRelation),
	}
	for _, command := range commands {
		d.logger.Info("executing snowflake command", "command", command)
		if _, err := d.db.ExecContext(ctx, command); err != nil {
			return errors.Wrapf(err, "snowflake command %q", command)
		}
	}
	return nil
}

// AwaitDataSync polls the stream status until the sync has fully finished.
// The stream is deleted afterwards regardless of the outcome.
func (d *DB) AwaitDataSync(ctx context.Context, sourceTable string) error {
	d.logger.Info("waiting for snowflake data sync", "table", sourceTable)

	syncErr := retry.Poll(ctx, retry.Options{
		Operation:    fmt.Sprintf("snowflake sync of %s", sourceTable),
		OverheadRate: syncRate,
		Timeout:      syncTimeout,
		FirstDelay:   syncFirstDelay,
		MaxDelay:     syncMaxDelay,
	}, func(ctx context.Context) (bool, error) {
		return d.syncFinished(ctx, sourceTable)
	})

	// Clean up the stream even when the sync failed or the wait was
	// cancelled. Deletion is best effort on the failure path.
	deleteCtx := ctx
	if deleteCtx.Err() != nil {
		var cancel context.CancelFunc
		deleteCtx, cancel = context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
	}
	if err := d.DeleteDataStream(deleteCtx, sourceTable); err != nil {
		if syncErr == nil {
			return err
		}
		d.logger.Warn("failed to delete data stream after sync failure", "table", sourceTable, "error", err)
	}
	return syncErr
}

// DeleteDataStream removes the stream for sourceTable.
func (d *DB) DeleteDataStream(ctx context.Context, sourceTable string) error {
	d.logger.Info("deleting data stream", "table", sourceTable)
	_, err := d.db.ExecContext(ctx, fmt.Sprintf("CALL RAI.delete_data_stream('%s')", sourceTable))
	return errors.Wrapf(err, "deleting data stream for %q", sourceTable)
}

// syncFinished reads the stream status. An unhealthy stream fails the sync
// immediately; a healthy, fully synced stream finishes it.
func (d *DB) syncFinished(ctx context.Context, sourceTable string) (bool, error) {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf("CALL RAI.get_data_stream_status('%s');", sourceTable))
	if err != nil {
		return false, errors.Wrapf(err, "reading data stream status for %q", sourceTable)
	}
	defer rows.Close()

	properties := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return false, errors.Wrap(err, "scanning data stream status")
		}
		properties[key] = value
	}
	if err := rows.Err(); err != nil {
		return false, errors.Wrap(err, "reading data stream status")
	}

	if health := properties[propHealthStatus]; health != statusHealthy {
		return false, fmt.Errorf("snowflake sync for %q has failed, health status: %s", sourceTable, health)
	}
	if properties[propSyncStatus] == statusFullySynced {
		d.logger.Info("snowflake sync finished", "table", sourceTable, "synced_rows", properties[propTotalRows])
		return true, nil
	}
	return false, nil
}
