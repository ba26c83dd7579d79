// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/RGBOARD/webapp/internal/conf"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Interface abstracts the underlying database implementation and defines the
// operations the rotation engine and the HTTP layer need.
type Interface interface {
	Open() error
	Close() error

	// design store (read side of the upload/approval subsystem)
	GetDesign(id uint) (*Design, error)
	DesignExists(id uint) (bool, error)
	SaveDesign(design *Design) error

	// upload history, fire-and-forget from the caller's perspective
	RecordUploadAttempt(designID uint, attemptTime time.Time, status string) error

	// rotation queue
	GetRotationItem(itemID uint) (*RotationItem, error)
	GetFirstRotationItem() (*RotationItem, error)
	GetNextRotationItem(afterOrder int) (*RotationItem, error)
	GetAllRotationItems() ([]RotationItem, error)
	GetRotationItemsPaginated(page, pageSize int) (*RotationPage, error)
	CountRotationItems() (int64, error)
	InsertRotationItem(designID uint, duration int, expiry time.Time, overrideCurrent bool) (*RotationItem, bool, error)
	ReorderRotationItem(itemID uint, newOrder int) error
	RemoveRotationItem(itemID uint) (*RemovalResult, error)
	RemoveExpiredItems(now time.Time) (*SweepResult, error)

	// active item singleton
	GetActiveState() (*ActiveItem, error)
	SetActiveItem(itemID *uint, activatedAt time.Time) error
	GetActiveImage() (*ActiveImage, error)

	// scheduled items
	InsertScheduledItem(item *ScheduledItem) error
	UpdateScheduledItem(item *ScheduledItem) error
	GetScheduledItem(id uint) (*ScheduledItem, error)
	GetScheduledItems() ([]ScheduledItem, error)
	GetScheduledItemsPaginated(page, pageSize int) (*SchedulePage, error)
	RemoveScheduledItem(id uint) error
	PromoteDueScheduledItems(now time.Time, defaultTTL time.Duration) (*PromotionResult, error)

	// listings
	GetUserHistory(userID uint) ([]HistoryEntry, error)
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB // GORM database instance
}

// New creates a new DataStore instance based on the provided configuration.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{
			Settings: settings,
		}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{
			Settings: settings,
		}
	default:
		// Validation rejects configs with no database enabled
		return nil
	}
}

// createGormLogger configures the GORM logger used by both store flavors.
func createGormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// performAutoMigration runs the GORM auto-migration and seeds the active-item
// singleton row, which the rest of the code assumes always exists.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	if err := db.AutoMigrate(&Design{}, &RotationItem{}, &ScheduledItem{}, &ActiveItem{}, &UploadHistory{}); err != nil {
		return fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)
	}

	if err := seedActiveItemRow(db); err != nil {
		return fmt.Errorf("failed to seed active item row: %w", err)
	}

	if debug {
		log.Printf("%s database connection initialized: %s", dbType, connectionInfo)
	}

	return nil
}

// seedActiveItemRow creates the single active_items row if it is missing.
func seedActiveItemRow(db *gorm.DB) error {
	var count int64
	if err := db.Model(&ActiveItem{}).Where("id = ?", activeRowID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return db.Create(&ActiveItem{ID: activeRowID, ItemID: nil, ActivatedAt: time.Now().UTC()}).Error
}
