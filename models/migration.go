package models

import (
	"log"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	db := config.GetDB()
	if err := AutoMigrateAll(db); err != nil {
		log.Fatal(err)
	}
}

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&ApprovalRequest{},
		&Client{},
		&Document{}, &DocumentLine{}, &DocumentLink{},
		&PriceListEntry{}, &Product{},
		&SequenceCounter{},
		&StockHistory{}, &StockSummary{},
		&Warehouse{},
	)
}
