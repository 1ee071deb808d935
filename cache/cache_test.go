package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-errors/errors"
	"github.com/stretchr/testify/require"

	"github.com/walletscope/wallet-reporter/models"
)

type fakeDurable struct {
	GetFn func(ctx context.Context, key Key) ([]models.Record, bool, error)
	PutFn func(ctx context.Context, key Key, records []models.Record) error
}

func (f *fakeDurable) Get(ctx context.Context, key Key) ([]models.Record, bool, error) {
	if f.GetFn == nil {
		return nil, false, nil
	}
	return f.GetFn(ctx, key)
}

func (f *fakeDurable) Put(ctx context.Context, key Key, records []models.Record) error {
	if f.PutFn == nil {
		return nil
	}
	return f.PutFn(ctx, key, records)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRecords() []models.Record {
	return []models.Record{
		{Hash: "0xaa", BlockNumber: 100, Type: models.TxTypeETH, Value: "1.5", GasFee: "0.001"},
		{Hash: "0xbb", BlockNumber: 150, Type: models.TxTypeETH, Value: "2", GasFee: "0.002"},
	}
}

func TestKeyString(t *testing.T) {
	key := Key{
		Wallet: "0xabc",
		Type:   models.TxTypeERC20,
		Range:  models.BlockRange{Start: 100_000, End: 200_000},
	}
	require.Equal(t, "tx:0xabc:ERC-20:100000:200000", key.String())
}

func TestFinalized(t *testing.T) {
	tiered := NewTiered(testLogger(), NewMemory(10), nil, Config{FinalityDepth: 64})

	rng := models.BlockRange{Start: 0, End: 1000}
	require.True(t, tiered.Finalized(rng, 1063))
	require.False(t, tiered.Finalized(rng, 1062))
	require.False(t, tiered.Finalized(rng, 0))
	require.False(t, tiered.Finalized(models.OpenRange(), 20_000_000))
}

func TestRecordsRoundTripThroughVolatile(t *testing.T) {
	ctx := context.Background()
	tiered := NewTiered(testLogger(), NewMemory(10), nil, Config{TTL: time.Minute, FinalityDepth: 64})
	key := Key{Wallet: "0xabc", Type: models.TxTypeETH, Range: models.BlockRange{Start: 0, End: 100}}

	_, ok := tiered.Records(ctx, key)
	require.False(t, ok)

	require.NoError(t, tiered.StoreRecords(ctx, key, testRecords(), 0))
	records, ok := tiered.Records(ctx, key)
	require.True(t, ok)
	require.Equal(t, testRecords(), records)
}

func TestStoreRecordsWritesDurableOnlyWhenFinalized(t *testing.T) {
	ctx := context.Background()
	var puts int
	durable := &fakeDurable{
		PutFn: func(context.Context, Key, []models.Record) error {
			puts++
			return nil
		},
	}
	tiered := NewTiered(testLogger(), NewMemory(10), durable, Config{TTL: time.Minute, FinalityDepth: 64})
	key := Key{Wallet: "0xabc", Type: models.TxTypeETH, Range: models.BlockRange{Start: 0, End: 1000}}

	require.NoError(t, tiered.StoreRecords(ctx, key, testRecords(), 1000))
	require.Zero(t, puts)

	require.NoError(t, tiered.StoreRecords(ctx, key, testRecords(), 2000))
	require.Equal(t, 1, puts)
}

func TestDurableHitPreferred(t *testing.T) {
	ctx := context.Background()
	want := testRecords()
	durable := &fakeDurable{
		GetFn: func(context.Context, Key) ([]models.Record, bool, error) {
			return want, true, nil
		},
	}
	tiered := NewTiered(testLogger(), NewMemory(10), durable, Config{TTL: time.Minute})

	records, ok := tiered.Records(ctx, Key{Wallet: "0xabc", Type: models.TxTypeETH})
	require.True(t, ok)
	require.Equal(t, want, records)
}

func TestDurableReadErrorDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	durable := &fakeDurable{
		GetFn: func(context.Context, Key) ([]models.Record, bool, error) {
			return nil, false, errors.Errorf("connection refused")
		},
	}
	tiered := NewTiered(testLogger(), NewMemory(10), durable, Config{TTL: time.Minute})
	key := Key{Wallet: "0xabc", Type: models.TxTypeETH, Range: models.BlockRange{Start: 0, End: 100}}

	// A broken durable tier must not poison reads: the volatile entry still
	// serves.
	require.NoError(t, tiered.StoreRecords(ctx, key, testRecords(), 0))
	records, ok := tiered.Records(ctx, key)
	require.True(t, ok)
	require.Equal(t, testRecords(), records)
}

func TestDurableWriteFailureIsStorageError(t *testing.T) {
	ctx := context.Background()
	durable := &fakeDurable{
		PutFn: func(context.Context, Key, []models.Record) error {
			return errors.Errorf("disk full")
		},
	}
	tiered := NewTiered(testLogger(), NewMemory(10), durable, Config{TTL: time.Minute, FinalityDepth: 64})
	key := Key{Wallet: "0xabc", Type: models.TxTypeETH, Range: models.BlockRange{Start: 0, End: 100}}

	err := tiered.StoreRecords(ctx, key, testRecords(), 10_000)
	var stErr *models.StorageError
	require.ErrorAs(t, err, &stErr)
}

func TestClearPurgesVolatileOnly(t *testing.T) {
	ctx := context.Background()
	want := testRecords()
	durable := &fakeDurable{
		GetFn: func(_ context.Context, key Key) ([]models.Record, bool, error) {
			if key.Range.Start == 0 {
				return want, true, nil
			}
			return nil, false, nil
		},
	}
	tiered := NewTiered(testLogger(), NewMemory(10), durable, Config{TTL: time.Minute, FinalityDepth: 64})

	volatileKey := Key{Wallet: "0xabc", Type: models.TxTypeETH, Range: models.BlockRange{Start: 500, End: 600}}
	require.NoError(t, tiered.StoreRecords(ctx, volatileKey, testRecords(), 0))
	require.NoError(t, tiered.Clear(ctx))

	_, ok := tiered.Records(ctx, volatileKey)
	require.False(t, ok)

	durableKey := Key{Wallet: "0xabc", Type: models.TxTypeETH, Range: models.BlockRange{Start: 0, End: 100}}
	records, ok := tiered.Records(ctx, durableKey)
	require.True(t, ok)
	require.Equal(t, want, records)
}

func TestHeightRoundTrip(t *testing.T) {
	ctx := context.Background()
	tiered := NewTiered(testLogger(), NewMemory(10), nil, Config{HeightTTL: time.Minute})

	_, ok := tiered.Height(ctx)
	require.False(t, ok)

	tiered.StoreHeight(ctx, 19_000_000)
	height, ok := tiered.Height(ctx)
	require.True(t, ok)
	require.Equal(t, int64(19_000_000), height)
}
