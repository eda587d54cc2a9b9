package gormrepo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/taoyao-code/wake-gateway/internal/storage/models"
)

var (
	ErrSiteNotFound   = errors.New("gormrepo: site not found")
	ErrDeviceNotFound = errors.New("gormrepo: device not found")
)

// SiteStore 站点与设备分配
type SiteStore struct {
	db *gorm.DB
}

func NewSiteStore(db *gorm.DB) *SiteStore {
	return &SiteStore{db: db}
}

// CreateSite 新建站点
func (s *SiteStore) CreateSite(ctx context.Context, name, timezone string) (models.Site, error) {
	site := models.Site{Name: name, Timezone: timezone}
	err := s.db.WithContext(ctx).Create(&site).Error
	return site, err
}

func (s *SiteStore) GetSite(ctx context.Context, id int64) (models.Site, error) {
	var site models.Site
	err := s.db.WithContext(ctx).Take(&site, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Site{}, ErrSiteNotFound
	}
	return site, err
}

// MapDevice 把设备分配到站点并激活；mapped_at 只在首次分配时写入
func (s *SiteStore) MapDevice(ctx context.Context, deviceID string, siteID int64, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Site{}).Where("id = ?", siteID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrSiteNotFound
		}
		res := tx.Table("devices").Where("id = ?", deviceID).Updates(map[string]any{
			"status":     "active",
			"site_id":    siteID,
			"mapped_at":  gorm.Expr("COALESCE(mapped_at, ?)", at),
			"updated_at": gorm.Expr("NOW()"),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDeviceNotFound
		}
		return nil
	})
}
