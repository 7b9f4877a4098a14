package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upSnapshots, downSnapshots)
}

// BuildStat is one build chroot timing sample.
type BuildStat struct {
	BuildID   int64     `gorm:"primaryKey;autoIncrement:false"`
	Chroot    string    `gorm:"type:text;primaryKey"`
	Date      string    `gorm:"type:char(8);not null;index"`
	Package   string    `gorm:"type:text;not null;index"`
	BuildTime int64     `gorm:"not null"`
	State     string    `gorm:"type:text;not null"`
	Timestamp time.Time `gorm:"type:timestamptz;not null"`
}

// CheckResult records one checker run.
type CheckResult struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Strategy  string            `gorm:"type:text;not null;index:idx_check_day"`
	Date      string            `gorm:"type:char(8);not null;index:idx_check_day"`
	Project   string            `gorm:"type:text;not null"`
	Complete  bool              `gorm:"not null"`
	Counts    datatypes.JSONMap `gorm:"type:jsonb"`
	IssueURL  string            `gorm:"type:text"`
	CheckedAt time.Time         `gorm:"type:timestamptz;not null;default:now()"`
}

func open(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upSnapshots(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&BuildStat{}, &CheckResult{})
}

func downSnapshots(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&CheckResult{}, &BuildStat{})
}
