package events

import (
	"math/big"
	"strconv"
	"strings"

	"bittrust/core/ledger"
)

func normalizeAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

func formatHeight(h ledger.Height) string { return formatUint(uint64(h)) }
