package store

import (
	"database/sql"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// InitMySQL opens the shared gorm handle and migrates the chat archive
// table. The raw *sql.DB is reused by the plain-SQL stores.
func InitMySQL(dsn string) (*gorm.DB, *sql.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	if err := db.AutoMigrate(&MessageRecord{}); err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, sqlDB, nil
}
