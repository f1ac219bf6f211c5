package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Purchase orders receive goods; the received unit price becomes the product's last cost.
type purchaseOrderRules struct{ baseRules }

func (purchaseOrderRules) stockDirection(*Document) MovementKind { return MovementKindIn }

func (purchaseOrderRules) lineValuation(_ *gorm.DB, _ *Document, line *DocumentLine) (decimal.Decimal, decimal.Decimal, error) {
	return line.UnitPrice, line.UnitPrice, nil
}

func (purchaseOrderRules) afterStock(tx *gorm.DB, doc *Document) error {
	for _, l := range doc.Lines {
		if err := updateLastCost(tx, l.ProductId, l.UnitPrice); err != nil {
			return err
		}
	}
	return nil
}
