package db

import (
	"errors"
	"fmt"
	"time"

	"memberchat/internal/auth"
	"memberchat/internal/config"
	"memberchat/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "", "postgres":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}
}

// Connect 建立数据库连接，并带有简单的重试来等待容器就绪。
func Connect(driver, dsn string) (*gorm.DB, error) {
	dial, err := dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	var gdb *gorm.DB
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				if driver == "sqlite" {
					// sqlite 只允许单写连接，:memory: 库也必须共享同一连接。
					sqlDB.SetMaxOpenConns(1)
				} else {
					sqlDB.SetMaxIdleConns(5)
					sqlDB.SetMaxOpenConns(20)
					sqlDB.SetConnMaxLifetime(time.Hour)
				}
				return gdb, nil
			}
			err = err2
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("db connect retry")
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.Room{}, &models.Message{}, &models.RefreshToken{})
}

// Close 关闭底层连接池。
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func strPtr(s string) *string { return &s }

var defaultRooms = []models.Room{
	{Name: "Free Notice", RoomType: "notice", IsFree: true, Description: strPtr("Announcements anyone can read")},
	{Name: "Stock Signals", RoomType: "stock", IsFree: false, Description: strPtr("Stock trading signals")},
	{Name: "Futures Signals", RoomType: "futures", IsFree: false, Description: strPtr("Overseas futures trading signals")},
	{Name: "Crypto Signals", RoomType: "crypto", IsFree: false, Description: strPtr("Crypto futures trading signals")},
}

// Seed 确保管理员账号存在，并在房间表为空时写入默认房间。
func Seed(gdb *gorm.DB, cfg config.Config) error {
	phone := auth.FormatPhone(cfg.AdminPhone)
	var admin models.User
	err := gdb.Where("phone = ?", phone).First(&admin).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		hash, err := auth.HashPassword(cfg.AdminPassword)
		if err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
		admin = models.User{Phone: phone, PasswordHash: hash, Name: cfg.AdminName, Role: models.RoleAdmin, IsApproved: true}
		if err := gdb.Create(&admin).Error; err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
		log.Info().Str("phone", phone).Msg("seeded admin account")
	case err != nil:
		return fmt.Errorf("seed admin: %w", err)
	}

	var count int64
	if err := gdb.Model(&models.Room{}).Count(&count).Error; err != nil {
		return fmt.Errorf("seed rooms: %w", err)
	}
	if count > 0 {
		return nil
	}
	rooms := make([]models.Room, len(defaultRooms))
	copy(rooms, defaultRooms)
	if err := gdb.Create(&rooms).Error; err != nil {
		return fmt.Errorf("seed rooms: %w", err)
	}
	log.Info().Int("rooms", len(rooms)).Msg("seeded default rooms")
	return nil
}
