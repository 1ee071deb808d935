package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/walletscope/wallet-reporter/models"
)

// Key identifies one cached fetch unit: (wallet, type, range).
type Key struct {
	Wallet string
	Type   models.TxType
	Range  models.BlockRange
}

func (k Key) String() string {
	return fmt.Sprintf("tx:%s:%s:%d:%d", k.Wallet, k.Type, k.Range.Start, k.Range.End)
}

// Volatile is the TTL-bound fast tier. Entries are whole-range record sets
// serialized as JSON; a manual clear purges this tier only.
type Volatile interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Clear(ctx context.Context) error
}

// Durable is the write-once tier for finalized ranges. A Put for an existing
// key is a detectable no-op, never an overwrite.
type Durable interface {
	Get(ctx context.Context, key Key) ([]models.Record, bool, error)
	Put(ctx context.Context, key Key, records []models.Record) error
}

type Config struct {
	// TTL bounds volatile record entries; HeightTTL bounds the cached chain
	// height read-through.
	TTL       time.Duration
	HeightTTL time.Duration

	// FinalityDepth is the number of blocks behind the chain height beyond
	// which range contents are assumed immutable.
	FinalityDepth int64
}

// Tiered composes the volatile and durable tiers. Reads prefer finalized
// durable entries, then non-expired volatile entries; writes always land in
// the volatile tier and additionally in the durable tier once the range is
// finalized.
type Tiered struct {
	log      *slog.Logger
	volatile Volatile
	durable  Durable
	cfg      Config
}

func NewTiered(log *slog.Logger, volatile Volatile, durable Durable, cfg Config) *Tiered {
	return &Tiered{
		log:      log.With("module", "cache"),
		volatile: volatile,
		durable:  durable,
		cfg:      cfg,
	}
}

// Finalized reports whether every block in rng is at least FinalityDepth
// blocks below height.
func (t *Tiered) Finalized(rng models.BlockRange, height int64) bool {
	if height <= 0 {
		return false
	}
	return rng.End-1+t.cfg.FinalityDepth <= height
}

// Records looks a fetch unit up through both tiers. Tier read failures are
// logged and treated as misses so a flaky cache degrades to upstream calls.
func (t *Tiered) Records(ctx context.Context, key Key) ([]models.Record, bool) {
	if t.durable != nil {
		records, ok, err := t.durable.Get(ctx, key)
		if err != nil {
			t.log.Warn("Durable tier read failed", "key", key.String(), "error", err)
		} else if ok {
			observeLookup("durable", "hit")
			return records, true
		}
	}

	raw, ok, err := t.volatile.Get(ctx, key.String())
	if err != nil {
		t.log.Warn("Volatile tier read failed", "key", key.String(), "error", err)
	} else if ok {
		var records []models.Record
		if err := json.Unmarshal(raw, &records); err != nil {
			t.log.Warn("Dropping undecodable volatile entry", "key", key.String(), "error", err)
		} else {
			observeLookup("volatile", "hit")
			return records, true
		}
	}

	observeLookup("volatile", "miss")
	return nil, false
}

// StoreRecords writes one complete record set for a fetch unit. The volatile
// write is best effort; a durable write failure is a StorageError.
func (t *Tiered) StoreRecords(ctx context.Context, key Key, records []models.Record, height int64) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return &models.StorageError{Op: "encode cache entry", Err: err}
	}
	if err := t.volatile.Set(ctx, key.String(), raw, t.cfg.TTL); err != nil {
		t.log.Warn("Volatile tier write failed", "key", key.String(), "error", err)
	}

	if t.durable != nil && t.Finalized(key.Range, height) {
		if err := t.durable.Put(ctx, key, records); err != nil {
			return &models.StorageError{Op: "finalize cache entry", Err: err}
		}
	}
	return nil
}

// Height returns the cached chain height, if fresh.
func (t *Tiered) Height(ctx context.Context) (int64, bool) {
	raw, ok, err := t.volatile.Get(ctx, "chain_height")
	if err != nil || !ok {
		return 0, false
	}
	height, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return height, true
}

// StoreHeight caches the chain height under the short height TTL so
// submission bursts do not spend rate-limit tokens on it.
func (t *Tiered) StoreHeight(ctx context.Context, height int64) {
	raw := []byte(strconv.FormatInt(height, 10))
	if err := t.volatile.Set(ctx, "chain_height", raw, t.cfg.HeightTTL); err != nil {
		t.log.Warn("Failed to cache chain height", "error", err)
	}
}

// Clear purges the volatile tier. The durable tier is untouched: finalized
// history is immutable and stays served from it.
func (t *Tiered) Clear(ctx context.Context) error {
	return t.volatile.Clear(ctx)
}
