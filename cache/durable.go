package cache

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/go-errors/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/walletscope/wallet-reporter/models"
)

// Postgres is the durable tier: an append-only keyed store of finalized
// range payloads with a uniqueness constraint on (wallet, type, range), so a
// double-write is a no-op rather than a silent overwrite. Payloads are
// zstd-compressed JSON record arrays.
type Postgres struct {
	db         *sql.DB
	compressor *zstd.Encoder
	decoder    *zstd.Decoder
}

var _ Durable = &Postgres{}

func NewPostgres(db *sql.DB) (*Postgres, error) {
	comp, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	p := &Postgres{db: db, compressor: comp, decoder: dec}
	if err := p.createTable(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) createTable() error {
	_, err := p.db.Exec(`
	CREATE TABLE IF NOT EXISTS finalized_ranges (
		wallet_address text NOT NULL,
		tx_type text NOT NULL,
		start_block bigint NOT NULL,
		end_block bigint NOT NULL,
		record_count integer NOT NULL,
		payload bytea NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		UNIQUE (wallet_address, tx_type, start_block, end_block)
	);
	`)
	if err != nil {
		return errors.Errorf("create finalized_ranges table: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key Key) ([]models.Record, bool, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT payload FROM finalized_ranges
		WHERE wallet_address = $1 AND tx_type = $2 AND start_block = $3 AND end_block = $4
	`, key.Wallet, string(key.Type), key.Range.Start, key.Range.End).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Errorf("read finalized range: %w", err)
	}

	raw, err := p.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, false, errors.Errorf("decompress finalized range: %w", err)
	}
	var records []models.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, false, errors.Errorf("decode finalized range: %w", err)
	}
	return records, true, nil
}

func (p *Postgres) Put(ctx context.Context, key Key, records []models.Record) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return errors.Errorf("encode finalized range: %w", err)
	}
	payload := p.compressor.EncodeAll(raw, nil)

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO finalized_ranges (wallet_address, tx_type, start_block, end_block, record_count, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (wallet_address, tx_type, start_block, end_block) DO NOTHING
	`, key.Wallet, string(key.Type), key.Range.Start, key.Range.End, len(records), payload)
	if err != nil {
		return errors.Errorf("write finalized range: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.decoder.Close()
	return p.compressor.Close()
}
