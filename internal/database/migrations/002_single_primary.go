package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/connections"
)

// AddSinglePrimaryIndex makes a second primary connection per user
// unrepresentable, backing up the transactional clear-then-set.
func AddSinglePrimaryIndex(db *gorm.DB) error {
	if err := db.AutoMigrate(&connections.BrokerConnection{}); err != nil {
		return err
	}

	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_broker_connections_one_primary
		ON broker_connections(user_id) WHERE is_primary = 1`).Error
}
