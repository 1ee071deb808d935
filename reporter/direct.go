package reporter

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/walletscope/wallet-reporter/models"
)

const (
	defaultQueryPageSize = 50
	maxQueryPageSize     = 1000
)

type QueryOptions struct {
	// Types filters the record types to fetch; empty means all.
	Types []models.TxType

	// Range bounds the scan; nil means the whole chain.
	Range *models.BlockRange

	Page     int
	PageSize int
}

type QueryResult struct {
	Transactions []models.Record `json:"transactions"`
	TotalCount   int             `json:"total_count"`
	Page         int             `json:"page"`
	PageSize     int             `json:"page_size"`
	HasMore      bool            `json:"has_more"`
}

type Summary struct {
	Wallet            string         `json:"wallet"`
	TotalTransactions int            `json:"total_transactions"`
	TypeBreakdown     map[string]int `json:"type_breakdown"`
	TotalGasFeesETH   string         `json:"total_gas_fees_eth"`
	EarliestTx        *time.Time     `json:"earliest_tx,omitempty"`
	LatestTx          *time.Time     `json:"latest_tx,omitempty"`
}

// Query serves the synchronous path: fetch, merge and paginate in one call.
// Wallets whose history exceeds the direct ceiling get ErrDatasetTooLarge
// and should go through a report job instead.
func (e *Engine) Query(ctx context.Context, wallet string, opts QueryOptions) (*QueryResult, error) {
	addr, err := models.NormalizeAddress(wallet)
	if err != nil {
		return nil, err
	}
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = defaultQueryPageSize
	}
	if opts.PageSize > maxQueryPageSize {
		opts.PageSize = maxQueryPageSize
	}

	records, err := e.collect(ctx, addr, opts.Types, opts.Range)
	if err != nil {
		return nil, err
	}

	// Newest first for interactive listing.
	sort.Slice(records, func(i, j int) bool {
		return records[j].Key().Compare(records[i].Key()) < 0
	})

	total := len(records)
	lo := (opts.Page - 1) * opts.PageSize
	if lo > total {
		lo = total
	}
	hi := lo + opts.PageSize
	if hi > total {
		hi = total
	}

	return &QueryResult{
		Transactions: records[lo:hi],
		TotalCount:   total,
		Page:         opts.Page,
		PageSize:     opts.PageSize,
		HasMore:      hi < total,
	}, nil
}

// Summarize aggregates a wallet's full history into per-type counts, a total
// gas spend and the activity time span.
func (e *Engine) Summarize(ctx context.Context, wallet string) (*Summary, error) {
	addr, err := models.NormalizeAddress(wallet)
	if err != nil {
		return nil, err
	}

	records, err := e.collect(ctx, addr, nil, nil)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Wallet:        addr,
		TypeBreakdown: make(map[string]int),
	}
	var gasTotal float64
	for i := range records {
		rec := &records[i]
		summary.TotalTransactions++
		summary.TypeBreakdown[string(rec.Type)]++
		if fee, err := strconv.ParseFloat(rec.GasFee, 64); err == nil {
			gasTotal += fee
		}
		t := rec.Time
		if summary.EarliestTx == nil || t.Before(*summary.EarliestTx) {
			summary.EarliestTx = &t
		}
		if summary.LatestTx == nil || t.After(*summary.LatestTx) {
			summary.LatestTx = &t
		}
	}
	summary.TotalGasFeesETH = fmt.Sprintf("%.6f", gasTotal)
	return summary, nil
}

// Export streams a wallet's history as CSV directly to w, subject to the
// same direct-path size ceiling as Query.
func (e *Engine) Export(ctx context.Context, wallet string, types []models.TxType, w io.Writer) (int64, error) {
	addr, err := models.NormalizeAddress(wallet)
	if err != nil {
		return 0, err
	}
	records, err := e.collect(ctx, addr, types, nil)
	if err != nil {
		return 0, err
	}
	rows, err := WriteCSV(w, SliceSource(records))
	if err == nil {
		exportRowCount.Add(float64(rows))
	}
	return rows, err
}

// collect fetches and merges the requested types over one range, ascending
// and deduplicated, enforcing the direct-path record ceiling.
func (e *Engine) collect(ctx context.Context, addr string, types []models.TxType, rng *models.BlockRange) ([]models.Record, error) {
	if len(types) == 0 {
		types = models.AllTxTypes()
	}
	scan := models.OpenRange()
	if rng != nil {
		if rng.End <= rng.Start {
			return nil, &models.ValidationError{Msg: "block range end must be greater than start"}
		}
		scan = *rng
	}

	height, err := e.fetcher.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[models.RecordKey]struct{})
	var all []models.Record
	for _, typ := range types {
		records, err := e.fetcher.AccountRecords(ctx, addr, typ, scan, height)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			key := rec.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			all = append(all, rec)
		}
		if len(all) > e.cfg.DirectMaxRecords {
			return nil, models.ErrDatasetTooLarge
		}
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Key().Compare(all[j].Key()) < 0
	})
	return all, nil
}
