package database

import (
	"fmt"

	"github.com/terrabase/backend/internal/config"
	"github.com/terrabase/backend/internal/models"
	"github.com/terrabase/backend/pkg/utils"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect(cfg config.DBConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := seedSuperuser(db); err != nil {
		return nil, err
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.VerificationDevice{},
		&models.Organization{},
		&models.OrganizationRole{},
		&models.Project{},
		&models.ProjectRole{},
		&models.AuditLog{},
	)
}

func seedSuperuser(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.User{}).Count(&count).Error; err != nil {
		return err
	}

	if count > 0 {
		return nil
	}

	hash, err := utils.HashPassword("administrator1")
	if err != nil {
		return err
	}

	email := "admin@terrabase.local"
	admin := models.User{
		Username:      "admin",
		Email:         &email,
		PasswordHash:  hash,
		FullName:      "System Admin",
		EmailVerified: true,
		IsActive:      true,
		IsSuperuser:   true,
	}

	return db.Create(&admin).Error
}
