package connections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/factory"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/internal/vault"
)

var (
	ErrConnectionNotFound      = errors.New("broker connection not found")
	ErrConnectionInactive      = errors.New("broker connection is inactive")
	ErrBrokerTypeNotFound      = errors.New("broker type not found")
	ErrMissingCredential       = errors.New("missing required credential")
	ErrLiveTradingUnsupported  = errors.New("broker type does not support live trading")
	ErrPaperTradingUnsupported = errors.New("broker type does not support paper trading")
)

const tokenBytes = 32

// AdapterFactory builds initialized adapters. *factory.Factory satisfies it.
type AdapterFactory interface {
	Create(ctx context.Context, brokerType string, creds types.Credentials, opts factory.CreateOptions) (broker.Adapter, error)
	TestConnection(ctx context.Context, brokerType string, creds types.Credentials, opts factory.CreateOptions) (bool, error)
}

// Registry owns broker connections and is the only place secrets are
// encrypted or decrypted.
type Registry struct {
	store  Store
	cipher *vault.Cipher
}

func NewRegistry(store Store, cipher *vault.Cipher) *Registry {
	return &Registry{store: store, cipher: cipher}
}

func (r *Registry) ListTypes(ctx context.Context) ([]BrokerType, error) {
	return r.store.ListTypes(ctx)
}

func (r *Registry) GetType(ctx context.Context, id uint) (*BrokerType, error) {
	bt, err := r.store.GetType(ctx, id)
	if err != nil {
		return nil, err
	}
	if bt == nil {
		return nil, ErrBrokerTypeNotFound
	}
	return bt, nil
}

func (r *Registry) GetTypeByName(ctx context.Context, name string) (*BrokerType, error) {
	bt, err := r.store.GetTypeByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if bt == nil {
		return nil, ErrBrokerTypeNotFound
	}
	return bt, nil
}

// ListConnections returns the user's connections without secrets.
func (r *Registry) ListConnections(ctx context.Context, userID string) ([]BrokerConnection, error) {
	return r.store.ListByUser(ctx, userID)
}

// GetConnection returns connection metadata. The envelopes are stripped.
func (r *Registry) GetConnection(ctx context.Context, id string) (*BrokerConnection, error) {
	conn, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrConnectionNotFound
	}
	conn.Secrets = nil
	conn.ConnectionToken = ""
	return conn, nil
}

func (r *Registry) GetPrimary(ctx context.Context, userID string) (*BrokerConnection, error) {
	return r.store.GetPrimary(ctx, userID)
}

// CheckCredentials verifies creds carry every secret bt requires and that
// the requested trading mode is supported.
func CheckCredentials(bt *BrokerType, creds types.Credentials, live bool) error {
	for _, field := range bt.RequiredSecrets() {
		if !creds.Has(field) {
			return fmt.Errorf("%w: %s", ErrMissingCredential, field)
		}
	}
	if bt.RequiresAccountID && creds.AccountID == "" {
		return fmt.Errorf("%w: account_id", ErrMissingCredential)
	}
	if live && !bt.SupportsLiveTrading {
		return ErrLiveTradingUnsupported
	}
	if !live && !bt.SupportsPaperTrading {
		return ErrPaperTradingUnsupported
	}
	return nil
}

// Create stores a new connection with every supplied secret sealed
// individually. The returned record carries the connection token once.
func (r *Registry) Create(ctx context.Context, userID string, brokerTypeID uint, label string, raw types.Credentials, flags Flags) (*BrokerConnection, error) {
	bt, err := r.GetType(ctx, brokerTypeID)
	if err != nil {
		return nil, err
	}
	if err := CheckCredentials(bt, raw, flags.IsLiveTrading); err != nil {
		return nil, err
	}

	secrets, err := r.seal(raw)
	if err != nil {
		return nil, err
	}
	token, err := vault.GenerateToken(tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate connection token: %w", err)
	}

	conn := &BrokerConnection{
		ID:               "CONN_" + uuid.New().String(),
		UserID:           userID,
		BrokerTypeID:     bt.ID,
		BrokerName:       bt.Name,
		Label:            label,
		Secrets:          secrets,
		AccountID:        raw.AccountID,
		ConnectionToken:  token,
		IsPrimary:        flags.IsPrimary,
		IsLiveTrading:    flags.IsLiveTrading,
		IsActive:         true,
		AllowCopyTrading: flags.AllowCopyTrading && bt.SupportsCopyTrading,
	}
	if err := r.store.Insert(ctx, conn); err != nil {
		return nil, fmt.Errorf("insert connection: %w", err)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", userID).
		Str("broker", bt.Name).
		Object("credentials", raw).
		Bool("primary", conn.IsPrimary).
		Msg("broker connection created")

	out := *conn
	out.Secrets = nil
	return &out, nil
}

func (r *Registry) seal(raw types.Credentials) (map[types.SecretField]string, error) {
	secrets := make(map[types.SecretField]string, len(raw.Secrets))
	for _, field := range raw.Fields() {
		env, err := r.cipher.Encrypt(raw.Get(field))
		if err != nil {
			return nil, fmt.Errorf("encrypt %s: %w", field, err)
		}
		secrets[field] = env
	}
	return secrets, nil
}

// Update applies patch. New credentials replace the stored envelopes for
// the fields they carry; other fields keep their envelopes.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (*BrokerConnection, error) {
	conn, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrConnectionNotFound
	}

	fields := map[string]any{}
	if patch.Label != nil {
		fields["label"] = *patch.Label
	}
	if patch.IsActive != nil {
		fields["is_active"] = *patch.IsActive
	}
	if patch.AllowCopyTrading != nil {
		fields["allow_copy_trading"] = *patch.AllowCopyTrading
	}
	if patch.IsLiveTrading != nil && *patch.IsLiveTrading != conn.IsLiveTrading {
		bt, err := r.GetType(ctx, conn.BrokerTypeID)
		if err != nil {
			return nil, err
		}
		if *patch.IsLiveTrading && !bt.SupportsLiveTrading {
			return nil, ErrLiveTradingUnsupported
		}
		if !*patch.IsLiveTrading && !bt.SupportsPaperTrading {
			return nil, ErrPaperTradingUnsupported
		}
		fields["is_live_trading"] = *patch.IsLiveTrading
	}
	var merged map[types.SecretField]string
	if patch.Credentials != nil {
		sealed, err := r.seal(*patch.Credentials)
		if err != nil {
			return nil, err
		}
		merged = make(map[types.SecretField]string, len(conn.Secrets)+len(sealed))
		for f, env := range conn.Secrets {
			merged[f] = env
		}
		for f, env := range sealed {
			merged[f] = env
		}
		if patch.Credentials.AccountID != "" {
			fields["account_id"] = patch.Credentials.AccountID
		}
	}
	if patch.IsPrimary != nil && !*patch.IsPrimary {
		fields["is_primary"] = false
	}

	change := Change{
		Fields:  fields,
		Secrets: merged,
		Primary: patch.IsPrimary != nil && *patch.IsPrimary,
	}
	if err := r.store.Apply(ctx, conn.UserID, id, change); err != nil {
		return nil, err
	}

	return r.GetConnection(ctx, id)
}

func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := r.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		log.Info().Str("connection_id", id).Msg("broker connection deleted")
	}
	return deleted, nil
}

// DecryptCredentials is the only path that returns plaintext secrets. It
// returns nil, nil for an unknown connection. Callers must not cache the
// result beyond the current operation.
func (r *Registry) DecryptCredentials(ctx context.Context, id string) (*types.Credentials, error) {
	conn, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, nil
	}
	return r.open(conn)
}

func (r *Registry) open(conn *BrokerConnection) (*types.Credentials, error) {
	creds := &types.Credentials{
		Secrets:   make(map[types.SecretField]string, len(conn.Secrets)),
		AccountID: conn.AccountID,
	}
	for field, env := range conn.Secrets {
		plain, err := r.cipher.Decrypt(env)
		if err != nil {
			return nil, fmt.Errorf("connection %s field %s: %w", conn.ID, field, err)
		}
		creds.Secrets[field] = plain
	}
	return creds, nil
}

func (r *Registry) SetPrimary(ctx context.Context, userID, id string) error {
	if err := r.store.SetPrimary(ctx, userID, id); err != nil {
		return err
	}
	log.Info().Str("user_id", userID).Str("connection_id", id).Msg("primary connection changed")
	return nil
}

func (r *Registry) MarkConnected(ctx context.Context, id string, at time.Time) error {
	return r.store.Update(ctx, id, map[string]any{"last_connected_at": at})
}

func (r *Registry) Deactivate(ctx context.Context, id string) error {
	return r.store.Update(ctx, id, map[string]any{"is_active": false})
}

// Adapter decrypts the connection's secrets and builds an initialized
// adapter for it. The plaintext does not outlive this call. A connection
// whose credentials the broker refuses is deactivated.
func (r *Registry) Adapter(ctx context.Context, f AdapterFactory, conn *BrokerConnection) (broker.Adapter, error) {
	if !conn.IsActive {
		return nil, ErrConnectionInactive
	}
	creds, err := r.DecryptCredentials(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, ErrConnectionNotFound
	}
	a, err := f.Create(ctx, conn.BrokerName, *creds, factory.CreateOptions{
		ConnectionID: conn.ID,
		Live:         conn.IsLiveTrading,
	})
	if broker.IsInvalidCredentials(err) {
		if derr := r.Deactivate(context.WithoutCancel(ctx), conn.ID); derr != nil {
			log.Error().Err(derr).Str("connection_id", conn.ID).Msg("failed to deactivate connection")
		} else {
			log.Warn().Err(err).Str("connection_id", conn.ID).Str("broker", conn.BrokerName).Msg("credentials refused, connection deactivated")
		}
	}
	return a, err
}

// Rekey re-encrypts every stored secret from one key to another in a
// single transaction. One undecryptable envelope aborts the rotation.
func (r *Registry) Rekey(ctx context.Context, from, to *vault.Cipher) (int, error) {
	n, err := r.store.RewriteSecrets(ctx, func(conn *BrokerConnection) (map[types.SecretField]string, error) {
		out := make(map[types.SecretField]string, len(conn.Secrets))
		for field, env := range conn.Secrets {
			plain, err := from.Decrypt(env)
			if err != nil {
				return nil, fmt.Errorf("connection %s field %s: %w", conn.ID, field, err)
			}
			sealed, err := to.Encrypt(plain)
			if err != nil {
				return nil, fmt.Errorf("connection %s field %s: %w", conn.ID, field, err)
			}
			out[field] = sealed
		}
		return out, nil
	})
	if err != nil {
		return 0, err
	}
	log.Info().Int("connections", n).Msg("vault key rotated")
	return n, nil
}
