package reporter

import (
	"bufio"
	"encoding/csv"
	"io"

	"github.com/walletscope/wallet-reporter/models"
)

var csvHeader = []string{
	"Transaction Hash",
	"Date & Time",
	"From Address",
	"To Address",
	"Transaction Type",
	"Asset Contract Address",
	"Asset Symbol",
	"Asset Name",
	"Token ID",
	"Value/Amount",
	"Gas Fee (ETH)",
}

const csvTimeLayout = "2006-01-02 15:04:05"

// WriteCSV streams records in source order to w, one row each, preceded by
// the header. The source callback returns false when drained, so arbitrarily
// large reports never need to be buffered as CSV in memory.
func WriteCSV(w io.Writer, next func() (models.Record, bool)) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := csv.NewWriter(bw)

	if err := cw.Write(csvHeader); err != nil {
		return 0, err
	}

	var rows int64
	for {
		rec, ok := next()
		if !ok {
			break
		}
		row := []string{
			rec.Hash,
			rec.Time.UTC().Format(csvTimeLayout),
			rec.From,
			rec.To,
			string(rec.Type),
			rec.TokenAddress,
			rec.TokenSymbol,
			rec.TokenName,
			rec.TokenID,
			rec.Value,
			rec.GasFee,
		}
		if err := cw.Write(row); err != nil {
			return rows, err
		}
		rows++
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return rows, err
	}
	return rows, bw.Flush()
}

// SliceSource adapts an in-memory record slice to the WriteCSV callback.
func SliceSource(records []models.Record) func() (models.Record, bool) {
	i := 0
	return func() (models.Record, bool) {
		if i >= len(records) {
			return models.Record{}, false
		}
		rec := records[i]
		i++
		return rec, true
	}
}
