/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 AlertSentinel

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package alertdb

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres"), log: zap.NewNop()}, mock
}

func testRecord() Record {
	return Record{
		EventName:  "LVC_S190510g",
		EventType:  "GW",
		Origin:     "LVC",
		EventTime:  time.Date(2019, 5, 10, 2, 59, 39, 0, time.UTC),
		IVORN:      "ivo://gwnet/LVC#S190510g-1-Preliminary",
		Payload:    []byte("<voe:VOEvent/>"),
		SkymapID:   "abc123",
		Strategy:   "GW_RANK_2_NARROW",
		NoticeTime: time.Date(2019, 5, 10, 3, 0, 52, 0, time.UTC),
	}
}

func TestRecordNoticeExistingEvent(t *testing.T) {
	s, mock := newMockStore(t)
	rec := testRecord()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM event WHERE name`).
		WithArgs(rec.EventName).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(`INSERT INTO notice`).
		WithArgs(int64(7), rec.IVORN, rec.Payload, rec.SkymapID, rec.Strategy, rec.NoticeTime).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectCommit()

	eventID, noticeID, err := s.RecordNotice(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, int64(7), eventID)
	assert.Equal(t, int64(42), noticeID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordNoticeCreatesEvent(t *testing.T) {
	s, mock := newMockStore(t)
	rec := testRecord()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM event WHERE name`).
		WithArgs(rec.EventName).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`INSERT INTO event`).
		WithArgs(rec.EventName, rec.EventType, rec.Origin, rec.EventTime).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))
	mock.ExpectQuery(`INSERT INTO notice`).
		WithArgs(int64(8), rec.IVORN, rec.Payload, rec.SkymapID, rec.Strategy, rec.NoticeTime).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	eventID, noticeID, err := s.RecordNotice(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, int64(8), eventID)
	assert.Equal(t, int64(1), noticeID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordNoticeDuplicateIVORN(t *testing.T) {
	s, mock := newMockStore(t)
	rec := testRecord()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM event WHERE name`).
		WithArgs(rec.EventName).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(`INSERT INTO notice`).
		WillReturnError(&pq.Error{Code: pqUniqueViolation})
	mock.ExpectRollback()

	_, _, err := s.RecordNotice(context.Background(), rec)
	assert.ErrorIs(t, err, ErrDuplicateNotice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreviousNotice(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "event_id", "ivorn", "survey_id", "payload",
		"skymap_fingerprint", "strategy_key", "notice_time", "received_time"}
	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM notice WHERE event_id`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(42, 7, "ivo://gwnet/LVC#S190510g-2-Initial", nil, []byte{}, "def", "GW_RANK_2_NARROW", now, now).
			AddRow(41, 7, "ivo://gwnet/LVC#S190510g-1-Preliminary", nil, []byte{}, "abc", "GW_RANK_3_WIDE", now, now))

	prev, err := s.PreviousNotice(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, int64(41), prev.ID)
	assert.Equal(t, "abc", prev.SkymapFingerprint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreviousNoticeFirstForEvent(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "event_id", "ivorn", "survey_id", "payload",
		"skymap_fingerprint", "strategy_key", "notice_time", "received_time"}
	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM notice WHERE event_id`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(41, 7, "ivo://gwnet/LVC#S190510g-1-Preliminary", nil, []byte{}, "abc", "GW_RANK_3_WIDE", now, now))

	prev, err := s.PreviousNotice(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasIVORN(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ivo://gwnet/LVC#S190510g-1-Preliminary").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	seen, err := s.HasIVORN(context.Background(), "ivo://gwnet/LVC#S190510g-1-Preliminary")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetNoticeSurvey(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE notice SET survey_id`).
		WithArgs(int64(5), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetNoticeSurvey(context.Background(), 42, 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}
