package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Product struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Name      string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Sku       string          `gorm:"size:100;index" json:"sku"`
	TaxRate   decimal.Decimal `gorm:"type:decimal(7,4);default:0" json:"tax_rate"`
	LastCost  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"last_cost"`
	IsActive  *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// PriceListEntry is a tax-inclusive sales price of a product in one price list.
type PriceListEntry struct {
	ID          int             `gorm:"primary_key" json:"id"`
	PriceListId int             `gorm:"not null;uniqueIndex:idx_price_list_product,priority:1" json:"price_list_id"`
	ProductId   int             `gorm:"not null;uniqueIndex:idx_price_list_product,priority:2" json:"product_id"`
	Price       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name     string          `json:"name" binding:"required"`
	Sku      string          `json:"sku"`
	TaxRate  decimal.Decimal `json:"tax_rate" binding:"gte=0"`
	LastCost decimal.Decimal `json:"last_cost" binding:"gte=0"`
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	if err := utils.ValidateInput(input); err != nil {
		return nil, err
	}
	product := Product{
		Name:     input.Name,
		Sku:      input.Sku,
		TaxRate:  input.TaxRate,
		LastCost: input.LastCost,
		IsActive: utils.NewTrue(),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, utils.AsFatal(err)
	}
	return &product, nil
}

// SetPriceListEntry upserts the price of productId in priceListId.
func SetPriceListEntry(ctx context.Context, priceListId int, productId int, price decimal.Decimal) error {
	db := config.GetDB()
	if err := utils.ValidateResourceId[Product](db.WithContext(ctx), "product", productId); err != nil {
		return err
	}
	var entry PriceListEntry
	err := db.WithContext(ctx).
		Where(PriceListEntry{PriceListId: priceListId, ProductId: productId}).
		Assign(PriceListEntry{Price: price}).
		FirstOrCreate(&entry).Error
	return utils.AsFatal(err)
}

// updateLastCost records the most recent purchase cost of a product.
func updateLastCost(tx *gorm.DB, productId int, cost decimal.Decimal) error {
	return tx.Model(&Product{}).Where("id = ?", productId).Update("last_cost", cost).Error
}
