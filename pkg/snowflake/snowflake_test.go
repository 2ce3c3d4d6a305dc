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

package snowflake

import (
	"context"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return &DB{db: mockDB, logger: slog.New(slog.DiscardHandler)}, mock
}

func TestBeginDataSync(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`CALL RAI\.use_rai_database\('wm-db'\)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CALL RAI\.use_rai_engine\('wm-engine'\)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CALL RAI\.create_data_stream\('SFDB\.PUBLIC\.ORDERS', 'wm-db', 'simple_source_catalog, :orders'\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.BeginDataSync(context.Background(), "SFDB.PUBLIC.ORDERS", "wm-db", "wm-engine", "orders")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncFinished(t *testing.T) {
	tests := []struct {
		name    string
		health  string
		sync    string
		done    bool
		wantErr bool
	}{
		{name: "fully synced", health: statusHealthy, sync: statusFullySynced, done: true},
		{name: "still syncing", health: statusHealthy, sync: `"Syncing"`, done: false},
		{name: "unhealthy stream fails", health: `"Broken"`, sync: statusFullySynced, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			rows := sqlmock.NewRows([]string{"key", "value"}).
				AddRow(propHealthStatus, tt.health).
				AddRow(propSyncStatus, tt.sync).
				AddRow(propTotalRows, "42")
			mock.ExpectQuery(`CALL RAI\.get_data_stream_status\('T'\)`).WillReturnRows(rows)

			done, err := db.syncFinished(context.Background(), "T")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.done, done)
		})
	}
}

func TestAwaitDataSyncDeletesStreamAfterSuccess(t *testing.T) {
	db, mock := newMockDB(t)

	rows := sqlmock.NewRows([]string{"key", "value"}).
		AddRow(propHealthStatus, statusHealthy).
		AddRow(propSyncStatus, statusFullySynced)
	mock.ExpectQuery(`CALL RAI\.get_data_stream_status\('T'\)`).WillReturnRows(rows)
	mock.ExpectExec(`CALL RAI\.delete_data_stream\('T'\)`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.AwaitDataSync(context.Background(), "T")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAwaitDataSyncDeletesStreamAfterFailure(t *testing.T) {
	db, mock := newMockDB(t)

	rows := sqlmock.NewRows([]string{"key", "value"}).
		AddRow(propHealthStatus, `"Broken"`).
		AddRow(propSyncStatus, `"Syncing"`)
	mock.ExpectQuery(`CALL RAI\.get_data_stream_status\('T'\)`).WillReturnRows(rows)
	mock.ExpectExec(`CALL RAI\.delete_data_stream\('T'\)`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.AwaitDataSync(context.Background(), "T")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has failed")
	assert.NoError(t, mock.ExpectationsWereMet(), "the stream is deleted even when the sync failed")
}
