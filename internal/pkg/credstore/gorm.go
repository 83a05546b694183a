package credstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jake-scott/devicehub/internal/pkg/device"
)

// tokenRow is the database shape of a TokenRecord. Token columns hold
// sealed bytes, never plaintext.
type tokenRow struct {
	Key          string `gorm:"column:cred_key;primaryKey;size:255"`
	Vendor       string `gorm:"index;size:64"`
	PortfolioID  string `gorm:"size:64"`
	PropertyID   string `gorm:"size:64"`
	UnitID       string `gorm:"size:64"`
	AccessToken  []byte
	RefreshToken []byte
	Expiry       time.Time
	Scope        string
	Active       bool `gorm:"index"`
	UpdatedAt    time.Time
}

func (tokenRow) TableName() string {
	return "credentials"
}

// GormStore keeps credentials in a SQL database
type GormStore struct {
	db     *gorm.DB
	sealer *Sealer
}

// OpenSQLite opens (creating if needed) a sqlite database at path
func OpenSQLite(path string, sealer *Sealer) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening credential database %s", path)
	}
	return NewGormStore(db, sealer)
}

func NewGormStore(db *gorm.DB, sealer *Sealer) (*GormStore, error) {
	if err := db.AutoMigrate(&tokenRow{}); err != nil {
		return nil, errors.Wrap(err, "migrating credential table")
	}
	return &GormStore{db: db, sealer: sealer}, nil
}

func (s *GormStore) toRow(rec TokenRecord) (tokenRow, error) {
	at, err := s.sealer.Seal([]byte(rec.AccessToken))
	if err != nil {
		return tokenRow{}, err
	}
	rt, err := s.sealer.Seal([]byte(rec.RefreshToken))
	if err != nil {
		return tokenRow{}, err
	}
	return tokenRow{
		Key:          rec.Key().String(),
		Vendor:       rec.Vendor,
		PortfolioID:  rec.Tenancy.PortfolioID,
		PropertyID:   rec.Tenancy.PropertyID,
		UnitID:       rec.Tenancy.UnitID,
		AccessToken:  at,
		RefreshToken: rt,
		Expiry:       rec.Expiry,
		Scope:        rec.Scope,
		Active:       rec.Active,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

func (s *GormStore) fromRow(row tokenRow) (TokenRecord, error) {
	at, err := s.sealer.Open(row.AccessToken)
	if err != nil {
		return TokenRecord{}, errors.Wrapf(err, "access token for %s", row.Key)
	}
	rt, err := s.sealer.Open(row.RefreshToken)
	if err != nil {
		return TokenRecord{}, errors.Wrapf(err, "refresh token for %s", row.Key)
	}
	return TokenRecord{
		Vendor:       row.Vendor,
		AccessToken:  string(at),
		RefreshToken: string(rt),
		Expiry:       row.Expiry,
		Scope:        row.Scope,
		Tenancy: device.TenancyScope{
			PortfolioID: row.PortfolioID,
			PropertyID:  row.PropertyID,
			UnitID:      row.UnitID,
		},
		Active:    row.Active,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *GormStore) Get(ctx context.Context, key Key) (TokenRecord, error) {
	var row tokenRow
	err := s.db.WithContext(ctx).First(&row, "cred_key = ?", key.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TokenRecord{}, ErrNotFound
	}
	if err != nil {
		return TokenRecord{}, errors.Wrapf(err, "loading credential %s", key)
	}
	return s.fromRow(row)
}

func (s *GormStore) Set(ctx context.Context, rec TokenRecord) error {
	row, err := s.toRow(rec)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cred_key"}},
		UpdateAll: true,
	}).Create(&row).Error
	return errors.Wrapf(err, "saving credential %s", row.Key)
}

func (s *GormStore) Delete(ctx context.Context, key Key) error {
	err := s.db.WithContext(ctx).Delete(&tokenRow{}, "cred_key = ?", key.String()).Error
	return errors.Wrapf(err, "deleting credential %s", key)
}

func (s *GormStore) List(ctx context.Context) ([]TokenRecord, error) {
	var rows []tokenRow
	if err := s.db.WithContext(ctx).Order("cred_key").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "listing credentials")
	}
	out := make([]TokenRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := s.fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
