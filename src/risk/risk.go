package risk

import (
	"errors"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

var (
	// ErrInsufficientSize means the position size buys less than one share
	// at the requested entry price.
	ErrInsufficientSize = errors.New("position size too small for one share")

	// ErrInsufficientBuyingPower means the account cannot cover the
	// requested position size.
	ErrInsufficientBuyingPower = errors.New("insufficient buying power")

	// ErrBadEntryPrice means the entry price is zero or negative.
	ErrBadEntryPrice = errors.New("entry price must be positive")
)

// ShareCount computes the whole-share count a position size buys at the
// given entry price: floor(positionSize / entryPrice).
func ShareCount(positionSize, entryPrice decimal.Decimal) (int64, error) {
	if !entryPrice.IsPositive() {
		return 0, ErrBadEntryPrice
	}

	shares := positionSize.Div(entryPrice).Floor().IntPart()

	logger.WithFields(map[string]interface{}{
		"position_size": positionSize.String(),
		"entry_price":   entryPrice.String(),
		"shares":        shares,
	}).Debug("Computed share count for position size")

	if shares <= 0 {
		return 0, ErrInsufficientSize
	}
	return shares, nil
}

// CheckBuyingPower verifies the account can cover the position size.
func CheckBuyingPower(positionSize, buyingPower decimal.Decimal) error {
	if positionSize.GreaterThan(buyingPower) {
		logger.WithFields(map[string]interface{}{
			"position_size": positionSize.String(),
			"buying_power":  buyingPower.String(),
		}).Warn("Position size exceeds available buying power")
		return ErrInsufficientBuyingPower
	}
	return nil
}
