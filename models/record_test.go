package models_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walletscope/wallet-reporter/models"
)

func TestNormalizeAddress(t *testing.T) {
	addr, err := models.NormalizeAddress("0xAbC1234567890123456789012345678901234567")
	require.NoError(t, err)
	require.Equal(t, "0xabc1234567890123456789012345678901234567", addr)

	for _, bad := range []string{
		"",
		"0x123",
		"abc1234567890123456789012345678901234567",
		"0xZZZ1234567890123456789012345678901234567",
		"0xabc12345678901234567890123456789012345678",
	} {
		_, err := models.NormalizeAddress(bad)
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr, "address %q", bad)
	}
}

func TestRecordKeyOrdering(t *testing.T) {
	records := []models.Record{
		{Hash: "0xbb", BlockNumber: 20, LogIndex: 0, Type: models.TxTypeETH},
		{Hash: "0xaa", BlockNumber: 10, LogIndex: 5, Type: models.TxTypeERC20},
		{Hash: "0xaa", BlockNumber: 10, LogIndex: 2, Type: models.TxTypeERC20},
		{Hash: "0xaa", BlockNumber: 10, LogIndex: 2, Type: models.TxTypeERC721},
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Key().Compare(records[j].Key()) < 0
	})

	require.Equal(t, int64(2), records[0].LogIndex)
	require.Equal(t, models.TxTypeERC20, records[0].Type)
	require.Equal(t, models.TxTypeERC721, records[1].Type)
	require.Equal(t, int64(5), records[2].LogIndex)
	require.Equal(t, int64(20), records[3].BlockNumber)
}

func TestRecordKeyDistinguishesTypes(t *testing.T) {
	// An ETH row and a log-derived row of the same transaction must not
	// collapse during deduplication.
	eth := models.Record{Hash: "0xaa", BlockNumber: 1, Type: models.TxTypeETH}
	erc20 := models.Record{Hash: "0xaa", BlockNumber: 1, Type: models.TxTypeERC20}
	require.NotEqual(t, eth.Key(), erc20.Key())
	require.NotZero(t, eth.Key().Compare(erc20.Key()))
	require.Zero(t, eth.Key().Compare(eth.Key()))
}

func TestParseTxType(t *testing.T) {
	for _, typ := range models.AllTxTypes() {
		parsed, ok := models.ParseTxType(typ.String())
		require.True(t, ok)
		require.Equal(t, typ, parsed)
	}
	_, ok := models.ParseTxType("erc20")
	require.False(t, ok)
}
