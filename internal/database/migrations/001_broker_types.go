package migrations

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-broker/internal/connections"
)

// BrokerTypes is the seeded catalog.
var BrokerTypes = []connections.BrokerType{
	{
		ID:                   1,
		Name:                 "alpaca",
		DisplayName:          "Alpaca",
		AssetClass:           "stock",
		RequiresAPIKey:       true,
		RequiresSecretKey:    true,
		SupportsPaperTrading: true,
		SupportsLiveTrading:  true,
		DefaultFeeRate:       0.0,
		DefaultLiquidity:     0.8,
	},
	{
		ID:                  2,
		Name:                "binance",
		DisplayName:         "Binance Spot",
		AssetClass:          "crypto",
		RequiresAPIKey:      true,
		RequiresSecretKey:   true,
		SupportsLiveTrading: true,
		SupportsCopyTrading: true,
		DefaultFeeRate:      0.001,
		DefaultLiquidity:    0.9,
	},
	{
		ID:                  3,
		Name:                "kite",
		DisplayName:         "Zerodha Kite",
		AssetClass:          "stock",
		RequiresAPIKey:      true,
		RequiresAccessToken: true,
		SupportsLiveTrading: true,
		DefaultFeeRate:      0.0003,
		DefaultLiquidity:    0.7,
	},
	{
		ID:                   4,
		Name:                 "paper",
		DisplayName:          "Paper Trading",
		AssetClass:           "paper",
		SupportsPaperTrading: true,
		SupportsCopyTrading:  true,
		DefaultFeeRate:       0.001,
		DefaultLiquidity:     0.9,
	},
}

// SeedBrokerTypes creates the catalog table and inserts any missing rows.
// Existing rows are left alone.
func SeedBrokerTypes(db *gorm.DB) error {
	if err := db.AutoMigrate(&connections.BrokerType{}); err != nil {
		return err
	}
	seed := make([]connections.BrokerType, len(BrokerTypes))
	copy(seed, BrokerTypes)
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error
}
