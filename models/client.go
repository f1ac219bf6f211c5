package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
)

type Client struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	TaxNumber string    `gorm:"size:50;index" json:"tax_number"`
	Email     string    `gorm:"size:100" json:"email"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewClient struct {
	Name      string `json:"name" binding:"required"`
	TaxNumber string `json:"tax_number"`
	Email     string `json:"email" binding:"omitempty,email"`
}

func CreateClient(ctx context.Context, input *NewClient) (*Client, error) {
	if err := utils.ValidateInput(input); err != nil {
		return nil, err
	}
	client := Client{
		Name:      input.Name,
		TaxNumber: input.TaxNumber,
		Email:     input.Email,
		IsActive:  utils.NewTrue(),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&client).Error; err != nil {
		return nil, utils.AsFatal(err)
	}
	return &client, nil
}

func SetClientActive(ctx context.Context, id int, active bool) error {
	db := config.GetDB()
	result := db.WithContext(ctx).Model(&Client{}).Where("id = ?", id).Update("is_active", active)
	if result.Error != nil {
		return utils.AsFatal(result.Error)
	}
	if result.RowsAffected == 0 {
		return utils.NewReferentialError("client %d not found", id)
	}
	return nil
}
