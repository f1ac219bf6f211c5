package utils

import (
	"github.com/shopspring/decimal"
)

var decimalOneHundred = decimal.NewFromInt(100)

// Money is stored fixed-point with two decimals; quantities and unit values keep four.
const (
	MoneyPlaces = 2
	QtyPlaces   = 4
)

// LineAmounts are the derived monetary fields of one document line.
type LineAmounts struct {
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	Total          decimal.Decimal
}

// CalculateLineAmounts derives subtotal, discount, tax and total from qty and rates (percentages).
// Tax is applied on the discounted subtotal and is always exclusive.
func CalculateLineAmounts(qty, unitPrice, discountRate, taxRate decimal.Decimal) LineAmounts {
	subtotal := qty.Mul(unitPrice).Round(MoneyPlaces)
	discount := CalculateDiscountAmount(subtotal, discountRate, "P").Round(MoneyPlaces)
	taxable := subtotal.Sub(discount)
	tax := CalculateTaxAmount(taxable, taxRate, false).Round(MoneyPlaces)
	return LineAmounts{
		Subtotal:       subtotal,
		DiscountAmount: discount,
		TaxAmount:      tax,
		Total:          taxable.Add(tax),
	}
}

func CalculateTaxAmount(totalAmount decimal.Decimal, taxRate decimal.Decimal, isTaxInclusive bool) decimal.Decimal {
	if !taxRate.IsPositive() {
		return decimal.Zero
	}
	if isTaxInclusive {
		// Tax-inclusive: (totalAmount / (100 + taxRate)) * taxRate
		return totalAmount.DivRound(taxRate.Add(decimalOneHundred), 4).Mul(taxRate)
	}
	// Tax-exclusive: (totalAmount / 100) * taxRate
	return totalAmount.DivRound(decimalOneHundred, 4).Mul(taxRate)
}

func CalculateDiscountAmount(subTotal decimal.Decimal, discount decimal.Decimal, discountType string) decimal.Decimal {
	if !discount.GreaterThan(decimal.Zero) {
		return decimal.Zero
	}
	if discountType == "P" {
		return subTotal.Mul(discount).DivRound(decimalOneHundred, 4)
	}
	return discount
}

// TaxExclusivePrice strips tax from a tax-inclusive price: price / (1 + taxRate/100).
func TaxExclusivePrice(price decimal.Decimal, taxRate decimal.Decimal) decimal.Decimal {
	if !taxRate.IsPositive() {
		return price
	}
	return price.Mul(decimalOneHundred).DivRound(decimalOneHundred.Add(taxRate), QtyPlaces)
}
