package etherscan

import (
	"encoding/json"
	"time"

	"github.com/walletscope/wallet-reporter/models"
)

type Config struct {
	APIKey string
	URL    string

	// PageSize is the per-page offset; ResultWindow is the upstream ceiling
	// on page*offset. Crossing the window is what pushes callers onto the
	// report path.
	PageSize     int
	ResultWindow int

	// RetryMax bounds the application-level retry loop around one page call;
	// BackoffBase doubles per attempt, capped at BackoffMax, with jitter.
	RetryMax    int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	RequestTimeout time.Duration
}

// apiResponse is the upstream envelope. Result is either a record array or
// an error string, depending on Status.
type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// accountTx is one raw row of an account query. All fields arrive as
// strings; nothing downstream of normalization sees this type.
type accountTx struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	LogIndex        string `json:"logIndex"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	GasUsed         string `json:"gasUsed"`
	GasPrice        string `json:"gasPrice"`
	ContractAddress string `json:"contractAddress"`
	TokenName       string `json:"tokenName"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
	TokenID         string `json:"tokenID"`
	TokenValue      string `json:"tokenValue"`
}

// actions maps each record type to its upstream account query action.
var actions = map[models.TxType]string{
	models.TxTypeETH:      "txlist",
	models.TxTypeInternal: "txlistinternal",
	models.TxTypeERC20:    "tokentx",
	models.TxTypeERC721:   "tokennfttx",
	models.TxTypeERC1155:  "token1155tx",
}
