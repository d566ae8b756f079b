package chains

import "math/big"

// RequiredAmount scales a 6-decimal atomic price to the token's on-wire
// width: priceAtomic * 10^(decimals-6). Decimal widths below 6 are rejected
// at registry construction, so the exponent is never negative here.
func RequiredAmount(priceAtomic int64, token Token) *big.Int {
	price := big.NewInt(priceAtomic)
	if token.Decimals == PriceDecimals {
		return price
	}
	exp := big.NewInt(int64(token.Decimals - PriceDecimals))
	scale := new(big.Int).Exp(big.NewInt(10), exp, nil)
	return new(big.Int).Mul(price, scale)
}
