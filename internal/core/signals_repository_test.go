package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalsInsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSignalsRepository(db)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO signals").
		WithArgs("s1", "alice", "bob", "offer", `{"type":"offer","sdp":"v=0"}`, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(17))

	signal, err := repo.Insert(context.Background(), &Signal{
		SessionID: "s1",
		FromID:    "alice",
		ToID:      "bob",
		Kind:      SignalOffer,
		Payload:   Payload(`{"type":"offer","sdp":"v=0"}`),
		CreatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(17), signal.ID)
}

func TestSignalsUnprocessed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSignalsRepository(db)

	rows := sqlmock.NewRows([]string{"id", "session_id", "from_id", "to_id", "kind", "payload", "processed", "created_at"}).
		AddRow(1, "s1", "alice", "bob", "ice-candidate", []byte(`{"candidate":"a"}`), false, time.Now()).
		AddRow(2, "s1", "alice", "bob", "ice-candidate", `{"candidate":"b"}`, false, time.Now())
	mock.ExpectQuery("SELECT (.+) FROM signals WHERE to_id = \\$1 AND processed = false").
		WithArgs("bob", "s1").
		WillReturnRows(rows)

	signals, err := repo.Unprocessed(context.Background(), "bob", "s1")
	require.NoError(t, err)

	require.Len(t, signals, 2)
	assert.Equal(t, SignalICECandidate, signals[0].Kind)
	assert.JSONEq(t, `{"candidate":"a"}`, string(signals[0].Payload))
	assert.JSONEq(t, `{"candidate":"b"}`, string(signals[1].Payload))
}

func TestSignalsMarkProcessed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSignalsRepository(db)

	mock.ExpectExec("UPDATE signals SET processed = true WHERE id = \\$1 AND processed = false").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE signals SET processed = true").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := repo.MarkProcessed(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.MarkProcessed(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestSignalsDeleteProcessed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSignalsRepository(db)
	before := time.Now()

	mock.ExpectExec("DELETE FROM signals WHERE processed = true").
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := repo.DeleteProcessed(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestPayloadJSON(t *testing.T) {
	signal := &Signal{ID: 1, Kind: SignalAnswer, Payload: Payload(`{"type":"answer"}`)}

	raw, err := json.Marshal(signal)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"payload":{"type":"answer"}`)

	decoded := &Signal{}
	require.NoError(t, json.Unmarshal(raw, decoded))
	assert.JSONEq(t, `{"type":"answer"}`, string(decoded.Payload))

	empty, err := json.Marshal(&Signal{})
	require.NoError(t, err)
	assert.Contains(t, string(empty), `"payload":null`)
}
