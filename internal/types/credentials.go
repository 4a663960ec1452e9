package types

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// SecretField names one secret a broker type may require.
type SecretField string

const (
	SecretAPIKey      SecretField = "api_key"
	SecretSecretKey   SecretField = "secret_key"
	SecretAccessToken SecretField = "access_token"
	SecretUsername    SecretField = "username"
	SecretPassword    SecretField = "password"
)

// Credentials holds plaintext secrets for one operation. Values must not be
// persisted or logged; String and MarshalZerologObject redact them.
type Credentials struct {
	Secrets   map[SecretField]string `json:"secrets"`
	AccountID string                 `json:"account_id,omitempty"`
}

func (c Credentials) Get(field SecretField) string {
	if c.Secrets == nil {
		return ""
	}
	return c.Secrets[field]
}

func (c Credentials) Has(field SecretField) bool {
	return c.Get(field) != ""
}

// Fields returns the names of the secrets present, sorted.
func (c Credentials) Fields() []SecretField {
	fields := make([]SecretField, 0, len(c.Secrets))
	for f, v := range c.Secrets {
		if v != "" {
			fields = append(fields, f)
		}
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

func (c Credentials) String() string {
	names := make([]string, 0, len(c.Secrets))
	for _, f := range c.Fields() {
		names = append(names, string(f)+"=***")
	}
	return fmt.Sprintf("Credentials{%s account_id=%q}", strings.Join(names, " "), c.AccountID)
}

func (c Credentials) GoString() string {
	return c.String()
}

func (c Credentials) MarshalZerologObject(e *zerolog.Event) {
	fields := make([]string, 0, len(c.Secrets))
	for _, f := range c.Fields() {
		fields = append(fields, string(f))
	}
	e.Strs("secret_fields", fields).Str("account_id", c.AccountID)
}
