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
	goose.AddMigrationContext(upInit, downInit)
}

type ProgramUpload struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	ProgramName  string            `gorm:"type:text;not null;index"`
	ProgramID    string            `gorm:"type:text;not null"`
	SourceSHA256 string            `gorm:"type:text;not null"`
	ArchiveKey   string            `gorm:"type:text"`
	Details      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type FaucetGrant struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Address   string    `gorm:"type:text;not null;index:idx_faucet_grants_address_created,priority:1"`
	Amount    string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime;index:idx_faucet_grants_address_created,priority:2,sort:desc"`
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&ProgramUpload{}, &FaucetGrant{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&FaucetGrant{}, &ProgramUpload{})
}
