package database

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to a postgres:// or postgresql:// URL, or to a SQLite file
// given as sqlite://path.
func Open(uri string, log logrus.FieldLogger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		dialector = postgres.Open(uri)
	case strings.HasPrefix(uri, "sqlite://"):
		dialector = sqlite.Open(strings.TrimPrefix(uri, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported database url %q", uri)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		log.WithError(err).Error("Failed to connect to database")
		return nil, err
	}
	log.WithField("dialect", dialector.Name()).Info("Connected to database")
	return db, nil
}

func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
