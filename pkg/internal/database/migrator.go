package database

import (
	"github.com/meridian-social/horizon/pkg/internal/models"
	"gorm.io/gorm"
)

var AutoMaintainRange = []any{
	&models.Account{},
	&models.Relationship{},
	&models.Post{},
	&models.FanOutJob{},
}

func RunMigration(source *gorm.DB) error {
	if err := source.AutoMigrate(
		append(
			AutoMaintainRange,
			&models.FeedEntry{},
		)...,
	); err != nil {
		return err
	}

	return nil
}
