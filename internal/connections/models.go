package connections

import (
	"time"

	"github.com/ksred/klear-broker/internal/types"
)

// BrokerType is a catalog entry describing what a broker needs and offers.
// Rows are seeded by migration and never edited at runtime.
type BrokerType struct {
	ID                       uint      `gorm:"primaryKey" json:"id"`
	Name                     string    `gorm:"uniqueIndex;not null" json:"name"`
	DisplayName              string    `json:"display_name"`
	AssetClass               string    `json:"asset_class"` // stock, crypto or paper
	RequiresAPIKey           bool      `json:"requires_api_key"`
	RequiresSecretKey        bool      `json:"requires_secret_key"`
	RequiresAccessToken      bool      `json:"requires_access_token"`
	RequiresAccountID        bool      `json:"requires_account_id"`
	RequiresUsernamePassword bool      `json:"requires_username_password"`
	SupportsPaperTrading     bool      `json:"supports_paper_trading"`
	SupportsLiveTrading      bool      `json:"supports_live_trading"`
	SupportsCopyTrading      bool      `json:"supports_copy_trading"`
	DefaultFeeRate           float64   `json:"default_fee_rate"`  // fraction of notional
	DefaultLiquidity         float64   `json:"default_liquidity"` // 0-1
	CreatedAt                time.Time `json:"created_at"`
}

// RequiredSecrets lists the secret fields a connection of this type must
// supply.
func (t BrokerType) RequiredSecrets() []types.SecretField {
	var fields []types.SecretField
	if t.RequiresAPIKey {
		fields = append(fields, types.SecretAPIKey)
	}
	if t.RequiresSecretKey {
		fields = append(fields, types.SecretSecretKey)
	}
	if t.RequiresAccessToken {
		fields = append(fields, types.SecretAccessToken)
	}
	if t.RequiresUsernamePassword {
		fields = append(fields, types.SecretUsername, types.SecretPassword)
	}
	return fields
}

// BrokerConnection links a user to one broker account. Secrets holds one
// vault envelope per secret field and is never serialized to clients.
type BrokerConnection struct {
	ID               string                       `gorm:"primaryKey" json:"id"`
	UserID           string                       `gorm:"index;not null" json:"user_id"`
	BrokerTypeID     uint                         `gorm:"not null" json:"broker_type_id"`
	BrokerName       string                       `gorm:"not null" json:"broker"`
	Label            string                       `json:"label"`
	Secrets          map[types.SecretField]string `gorm:"serializer:json" json:"-"`
	AccountID        string                       `json:"account_id,omitempty"`
	ConnectionToken  string                       `gorm:"uniqueIndex" json:"-"`
	IsPrimary        bool                         `json:"is_primary"`
	IsLiveTrading    bool                         `json:"is_live_trading"`
	IsActive         bool                         `json:"is_active"`
	AllowCopyTrading bool                         `json:"allow_copy_trading"`
	LastConnectedAt  *time.Time                   `json:"last_connected_at,omitempty"`
	CreatedAt        time.Time                    `json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// Validated reports whether the connection is active and has completed a
// successful credential check.
func (c BrokerConnection) Validated() bool {
	return c.IsActive && c.LastConnectedAt != nil
}

// Flags are the caller controlled switches set at creation.
type Flags struct {
	IsPrimary        bool `json:"is_primary"`
	IsLiveTrading    bool `json:"is_live_trading"`
	AllowCopyTrading bool `json:"allow_copy_trading"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Label            *string            `json:"label,omitempty"`
	Credentials      *types.Credentials `json:"credentials,omitempty"`
	IsActive         *bool              `json:"is_active,omitempty"`
	IsLiveTrading    *bool              `json:"is_live_trading,omitempty"`
	AllowCopyTrading *bool              `json:"allow_copy_trading,omitempty"`
	IsPrimary        *bool              `json:"is_primary,omitempty"`
}
