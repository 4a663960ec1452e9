package connections

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/types"
)

// Store is the persistence the registry needs. SetPrimary and Insert with
// IsPrimary must clear any other primary of the same user atomically.
type Store interface {
	ListTypes(ctx context.Context) ([]BrokerType, error)
	GetType(ctx context.Context, id uint) (*BrokerType, error)
	GetTypeByName(ctx context.Context, name string) (*BrokerType, error)

	Insert(ctx context.Context, conn *BrokerConnection) error
	Get(ctx context.Context, id string) (*BrokerConnection, error)
	ListByUser(ctx context.Context, userID string) ([]BrokerConnection, error)
	ListActive(ctx context.Context) ([]BrokerConnection, error)
	GetPrimary(ctx context.Context, userID string) (*BrokerConnection, error)
	Update(ctx context.Context, id string, fields map[string]any) error
	Apply(ctx context.Context, userID, id string, change Change) error
	Delete(ctx context.Context, id string) (bool, error)
	SetPrimary(ctx context.Context, userID, id string) error
	RewriteSecrets(ctx context.Context, fn func(conn *BrokerConnection) (map[types.SecretField]string, error)) (int, error)
}

// Database is the gorm Store.
type Database struct {
	db *gorm.DB
}

var _ Store = (*Database)(nil)

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// metadataColumns excludes the encrypted secrets from listings.
var metadataColumns = []string{
	"id", "user_id", "broker_type_id", "broker_name", "label", "account_id",
	"is_primary", "is_live_trading", "is_active", "allow_copy_trading",
	"last_connected_at", "created_at", "updated_at",
}

func (d *Database) ListTypes(ctx context.Context) ([]BrokerType, error) {
	var out []BrokerType
	if err := d.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Database) GetType(ctx context.Context, id uint) (*BrokerType, error) {
	var bt BrokerType
	if err := d.db.WithContext(ctx).First(&bt, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bt, nil
}

func (d *Database) GetTypeByName(ctx context.Context, name string) (*BrokerType, error) {
	var bt BrokerType
	if err := d.db.WithContext(ctx).Where("name = ?", name).First(&bt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bt, nil
}

// Insert creates conn, clearing the user's previous primary in the same
// transaction when conn is primary.
func (d *Database) Insert(ctx context.Context, conn *BrokerConnection) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if conn.IsPrimary {
		if err := clearPrimary(tx, conn.UserID, conn.ID); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Create(conn).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func clearPrimary(tx *gorm.DB, userID, keepID string) error {
	return tx.Model(&BrokerConnection{}).
		Where("user_id = ? AND is_primary = ? AND id <> ?", userID, true, keepID).
		Update("is_primary", false).Error
}

func (d *Database) Get(ctx context.Context, id string) (*BrokerConnection, error) {
	var conn BrokerConnection
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func (d *Database) ListByUser(ctx context.Context, userID string) ([]BrokerConnection, error) {
	var out []BrokerConnection
	err := d.db.WithContext(ctx).
		Select(metadataColumns).
		Where("user_id = ?", userID).
		Order("created_at").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListActive returns every active connection with its envelopes, for the
// health sweeper.
func (d *Database) ListActive(ctx context.Context) ([]BrokerConnection, error) {
	var out []BrokerConnection
	if err := d.db.WithContext(ctx).Where("is_active = ?", true).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Database) GetPrimary(ctx context.Context, userID string) (*BrokerConnection, error) {
	var conn BrokerConnection
	err := d.db.WithContext(ctx).
		Select(metadataColumns).
		Where("user_id = ? AND is_primary = ?", userID, true).
		First(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func (d *Database) Update(ctx context.Context, id string, fields map[string]any) error {
	return updateFields(d.db.WithContext(ctx), id, fields)
}

func updateFields(tx *gorm.DB, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now()
	res := tx.Model(&BrokerConnection{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// Change is a set of connection writes that succeed or fail together.
type Change struct {
	Fields map[string]any
	// Secrets, when not nil, replaces the envelopes and clears
	// lastConnectedAt until the new secrets are tested.
	Secrets map[types.SecretField]string
	// Primary makes the connection the user's only primary.
	Primary bool
}

// Apply writes change in one transaction.
func (d *Database) Apply(ctx context.Context, userID, id string, change Change) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(change.Fields) > 0 {
			if err := updateFields(tx, id, change.Fields); err != nil {
				return err
			}
		}
		if change.Secrets != nil {
			res := tx.Model(&BrokerConnection{}).
				Where("id = ?", id).
				Select("secrets", "last_connected_at", "updated_at").
				Updates(&BrokerConnection{Secrets: change.Secrets, UpdatedAt: time.Now()})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrConnectionNotFound
			}
		}
		if change.Primary {
			return setPrimary(tx, userID, id)
		}
		return nil
	})
}

func (d *Database) Delete(ctx context.Context, id string) (bool, error) {
	res := d.db.WithContext(ctx).Where("id = ?", id).Delete(&BrokerConnection{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetPrimary makes id the user's only primary connection. Readers see
// either the old primary or the new one, never both.
func (d *Database) SetPrimary(ctx context.Context, userID, id string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return setPrimary(tx, userID, id)
	})
}

func setPrimary(tx *gorm.DB, userID, id string) error {
	var count int64
	if err := tx.Model(&BrokerConnection{}).
		Where("id = ? AND user_id = ?", id, userID).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrConnectionNotFound
	}

	if err := clearPrimary(tx, userID, id); err != nil {
		return err
	}
	return tx.Model(&BrokerConnection{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_primary": true, "updated_at": time.Now()}).Error
}

// RewriteSecrets replaces every connection's envelopes with fn's output in
// one transaction. Any error from fn aborts the whole rewrite.
func (d *Database) RewriteSecrets(ctx context.Context, fn func(conn *BrokerConnection) (map[types.SecretField]string, error)) (int, error) {
	rewritten := 0
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var all []BrokerConnection
		if err := tx.Find(&all).Error; err != nil {
			return err
		}
		for i := range all {
			secrets, err := fn(&all[i])
			if err != nil {
				return err
			}
			all[i].Secrets = secrets
			if err := tx.Model(&all[i]).Select("secrets").Updates(&all[i]).Error; err != nil {
				return err
			}
			rewritten++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rewritten, nil
}
