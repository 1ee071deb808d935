package etherscan

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/go-errors/errors"

	"github.com/walletscope/wallet-reporter/models"
)

const weiDecimals = 18

// normalizeRecord converts one raw upstream row into the tagged record
// union. Addresses are lowercased, wei amounts become canonical decimal
// strings and token amounts are scaled by the reported token decimals.
func normalizeRecord(tx accountTx, typ models.TxType) (models.Record, error) {
	blockNumber, err := strconv.ParseInt(tx.BlockNumber, 10, 64)
	if err != nil {
		return models.Record{}, errors.Errorf("invalid block number '%s': %w", tx.BlockNumber, err)
	}
	unixTime, err := strconv.ParseInt(tx.TimeStamp, 10, 64)
	if err != nil {
		return models.Record{}, errors.Errorf("invalid timestamp '%s': %w", tx.TimeStamp, err)
	}
	var logIndex int64
	if tx.LogIndex != "" {
		logIndex, err = strconv.ParseInt(tx.LogIndex, 10, 64)
		if err != nil {
			return models.Record{}, errors.Errorf("invalid log index '%s': %w", tx.LogIndex, err)
		}
	}

	rec := models.Record{
		Hash:        tx.Hash,
		BlockNumber: blockNumber,
		LogIndex:    logIndex,
		Time:        time.Unix(unixTime, 0).UTC(),
		From:        strings.ToLower(tx.From),
		To:          strings.ToLower(tx.To),
		Type:        typ,
		GasFee:      "0",
	}

	switch typ {
	case models.TxTypeETH:
		rec.TokenSymbol = "ETH"
		rec.Value, err = scaleDecimal(tx.Value, weiDecimals)
		if err != nil {
			return models.Record{}, err
		}
		rec.GasFee, err = gasFee(tx)
		if err != nil {
			return models.Record{}, err
		}

	case models.TxTypeInternal:
		// Internal transfers carry no gas fee of their own.
		rec.TokenSymbol = "ETH"
		rec.Value, err = scaleDecimal(tx.Value, weiDecimals)
		if err != nil {
			return models.Record{}, err
		}

	case models.TxTypeERC20:
		decimals := weiDecimals
		if tx.TokenDecimal != "" {
			decimals, err = strconv.Atoi(tx.TokenDecimal)
			if err != nil {
				return models.Record{}, errors.Errorf("invalid token decimals '%s': %w", tx.TokenDecimal, err)
			}
		}
		rec.TokenAddress = strings.ToLower(tx.ContractAddress)
		rec.TokenSymbol = tx.TokenSymbol
		rec.TokenName = tx.TokenName
		rec.Value, err = scaleDecimal(tx.Value, decimals)
		if err != nil {
			return models.Record{}, err
		}
		rec.GasFee, err = gasFee(tx)
		if err != nil {
			return models.Record{}, err
		}

	case models.TxTypeERC721:
		rec.TokenAddress = strings.ToLower(tx.ContractAddress)
		rec.TokenSymbol = tx.TokenSymbol
		rec.TokenName = tx.TokenName
		rec.TokenID = tx.TokenID
		rec.Value = "1"
		rec.GasFee, err = gasFee(tx)
		if err != nil {
			return models.Record{}, err
		}

	case models.TxTypeERC1155:
		rec.TokenAddress = strings.ToLower(tx.ContractAddress)
		rec.TokenSymbol = tx.TokenSymbol
		rec.TokenName = tx.TokenName
		rec.TokenID = tx.TokenID
		// ERC-1155 transfers move a count of one token id.
		rec.Value = tx.TokenValue
		if rec.Value == "" {
			rec.Value = "1"
		}
		rec.GasFee, err = gasFee(tx)
		if err != nil {
			return models.Record{}, err
		}

	default:
		return models.Record{}, errors.Errorf("unknown transaction type %q", typ)
	}

	return rec, nil
}

func gasFee(tx accountTx) (string, error) {
	if tx.GasUsed == "" || tx.GasPrice == "" {
		return "0", nil
	}
	gasUsed, ok := new(big.Int).SetString(tx.GasUsed, 10)
	if !ok {
		return "", errors.Errorf("invalid gas used '%s'", tx.GasUsed)
	}
	gasPrice, ok := new(big.Int).SetString(tx.GasPrice, 10)
	if !ok {
		return "", errors.Errorf("invalid gas price '%s'", tx.GasPrice)
	}
	return scaleDecimal(new(big.Int).Mul(gasUsed, gasPrice).String(), weiDecimals)
}

// scaleDecimal renders an integer amount as a decimal string scaled down by
// 10^decimals, with trailing zeros trimmed.
func scaleDecimal(value string, decimals int) (string, error) {
	if value == "" {
		return "0", nil
	}
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return "", errors.Errorf("invalid integer amount '%s'", value)
	}
	if decimals <= 0 {
		return n.String(), nil
	}

	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	quo, rem := new(big.Int).QuoRem(n, exp, new(big.Int))
	if rem.Sign() == 0 {
		return quo.String(), nil
	}
	frac := rem.String()
	if pad := decimals - len(frac); pad > 0 {
		frac = strings.Repeat("0", pad) + frac
	}
	frac = strings.TrimRight(frac, "0")
	return quo.String() + "." + frac, nil
}
