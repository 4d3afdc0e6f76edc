package payment

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const weiDecimals = 18

// ValidateAddress reports whether s is a 0x-prefixed 20-byte hex address.
// Mixed-case input must carry a valid EIP-55 checksum.
func ValidateAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return false
	}
	if !common.IsHexAddress(s) {
		return false
	}

	body := s[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}

	return common.HexToAddress(s).Hex() == s
}

// ToWei converts a positive amount in whole coins to wei. Amounts finer than
// one wei are rejected rather than rounded.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	if amount.Sign() <= 0 {
		return nil, newError(KindInvalidAmount, "amount must be positive, got "+amount.String(), "")
	}

	wei := amount.Shift(weiDecimals)
	if !wei.IsInteger() {
		return nil, newError(KindInvalidAmount, "amount has more than 18 decimal places: "+amount.String(), "")
	}

	return wei.BigInt(), nil
}

func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -weiDecimals)
}
