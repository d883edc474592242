package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func TestEncodeDecode(t *testing.T) {
	at := time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC)

	doc, err := Encode(KindPerformanceRecord, "EURUSD", 1, sample{Name: "EURUSD", Score: 61.5}, at)
	require.NoError(t, err)
	assert.Equal(t, KindPerformanceRecord, doc.Kind)
	assert.Equal(t, "EURUSD", doc.Key)
	assert.Equal(t, at, doc.UpdatedAt)

	var out sample
	require.NoError(t, Decode(doc, 1, &out))
	assert.Equal(t, 61.5, out.Score)
}

func TestDecode_VersionMismatch(t *testing.T) {
	doc, err := Encode(KindCorrelationMatrix, "current", 2, sample{}, time.Now())
	require.NoError(t, err)

	var out sample
	err = Decode(doc, 1, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionMismatch))

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "decode", perr.Op)
}

func testStoreRoundTrip(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC)

	missing, err := store.Get(ctx, KindPerformanceRecord, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, missing)

	for _, key := range []string{"GBPUSD", "EURUSD"} {
		doc, err := Encode(KindPerformanceRecord, key, 1, sample{Name: key}, at)
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, doc))
	}

	got, err := store.Get(ctx, KindPerformanceRecord, "EURUSD")
	require.NoError(t, err)
	require.NotNil(t, got)
	var out sample
	require.NoError(t, Decode(*got, 1, &out))
	assert.Equal(t, "EURUSD", out.Name)

	list, err := store.List(ctx, KindPerformanceRecord)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "EURUSD", list[0].Key)
	assert.Equal(t, "GBPUSD", list[1].Key)

	empty, err := store.List(ctx, KindCorrelationMatrix)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore(t *testing.T) {
	testStoreRoundTrip(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	testStoreRoundTrip(t, store)
}

func TestFileStore_EscapesKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	doc, err := Encode(KindPerformanceRecord, "Volatility 75/1s", 1, sample{Name: "v75"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, doc))

	list, err := store.List(ctx, KindPerformanceRecord)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Volatility 75/1s", list[0].Key)
}
