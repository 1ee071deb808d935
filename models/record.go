package models

import (
	"regexp"
	"strings"
	"time"
)

// TxType is the transaction record kind. Each type is fetched and cached
// independently; the string values are the export vocabulary.
type TxType string

const (
	TxTypeETH      TxType = "ETH"
	TxTypeInternal TxType = "Internal"
	TxTypeERC20    TxType = "ERC-20"
	TxTypeERC721   TxType = "ERC-721"
	TxTypeERC1155  TxType = "ERC-1155"
)

func (t TxType) String() string {
	return string(t)
}

// AllTxTypes returns the fetch order for a full account scan.
func AllTxTypes() []TxType {
	return []TxType{TxTypeETH, TxTypeInternal, TxTypeERC20, TxTypeERC721, TxTypeERC1155}
}

func ParseTxType(s string) (TxType, bool) {
	switch TxType(s) {
	case TxTypeETH, TxTypeInternal, TxTypeERC20, TxTypeERC721, TxTypeERC1155:
		return TxType(s), true
	}
	return "", false
}

// Record is a transaction normalized at the fetcher boundary. No downstream
// component sees raw upstream payloads.
type Record struct {
	Hash         string    `json:"hash"`
	BlockNumber  int64     `json:"block_number"`
	LogIndex     int64     `json:"log_index"`
	Time         time.Time `json:"time"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Type         TxType    `json:"type"`
	Value        string    `json:"value"`
	TokenAddress string    `json:"token_address,omitempty"`
	TokenSymbol  string    `json:"token_symbol,omitempty"`
	TokenName    string    `json:"token_name,omitempty"`
	TokenID      string    `json:"token_id,omitempty"`
	GasFee       string    `json:"gas_fee"`
}

// RecordKey identifies a record for deduplication and imposes the export
// order. Same-type rows from adjacent segment queries collapse on it; ETH
// and log-derived rows of one transaction never do.
type RecordKey struct {
	BlockNumber int64
	LogIndex    int64
	Hash        string
	Type        TxType
}

func (r Record) Key() RecordKey {
	return RecordKey{
		BlockNumber: r.BlockNumber,
		LogIndex:    r.LogIndex,
		Hash:        r.Hash,
		Type:        r.Type,
	}
}

// Compare orders keys by (block number, log index, hash, type) ascending.
// The leading components are the externally visible export ordering.
func (k RecordKey) Compare(o RecordKey) int {
	if k.BlockNumber != o.BlockNumber {
		if k.BlockNumber < o.BlockNumber {
			return -1
		}
		return 1
	}
	if k.LogIndex != o.LogIndex {
		if k.LogIndex < o.LogIndex {
			return -1
		}
		return 1
	}
	if c := strings.Compare(k.Hash, o.Hash); c != 0 {
		return c
	}
	return strings.Compare(string(k.Type), string(o.Type))
}

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// NormalizeAddress validates a wallet address and returns its canonical
// lowercase form.
func NormalizeAddress(address string) (string, error) {
	if address == "" {
		return "", &ValidationError{Msg: "wallet address is required"}
	}
	if !addressPattern.MatchString(address) {
		return "", &ValidationError{Msg: "invalid wallet address, expected 0x followed by 40 hex characters"}
	}
	return strings.ToLower(address), nil
}
