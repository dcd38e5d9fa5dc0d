// Package integrations owns third-party OAuth connections: the stored token
// per tenant and provider, and the browser authorization round trip.
package integrations

import (
	"time"

	"github.com/sigelo/sigelo/backend/internal/contaazul"
	"gorm.io/datatypes"
)

// IntegrationToken is the single credential row kept per (tenant, provider).
type IntegrationToken struct {
	ID           string                             `gorm:"column:id;primaryKey;size:36;not null"`
	TenantID     string                             `gorm:"column:tenant_id;size:190;not null;uniqueIndex:idx_integration_tokens_tenant_provider,priority:1"`
	Provider     string                             `gorm:"column:provider;size:32;not null;uniqueIndex:idx_integration_tokens_tenant_provider,priority:2"`
	AccessToken  string                             `gorm:"column:access_token;type:text;not null" json:"-"`
	RefreshToken string                             `gorm:"column:refresh_token;type:text;not null;default:''" json:"-"`
	TokenType    string                             `gorm:"column:token_type;size:32;not null;default:''"`
	Scope        string                             `gorm:"column:scope;size:512;not null;default:''"`
	ExpiresAt    *time.Time                         `gorm:"column:expires_at"`
	Account      datatypes.JSONType[AccountSummary] `gorm:"column:account"`
	Metadata     datatypes.JSONType[Metadata]       `gorm:"column:metadata"`
	ConnectedBy  string                             `gorm:"column:connected_by;size:190;not null;default:''"`
	CreatedAt    time.Time                          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time                          `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (IntegrationToken) TableName() string {
	return "integration_tokens"
}

// AccountSummary is the provider company snapshot captured when connecting.
type AccountSummary struct {
	Name      *string          `json:"name"`
	TradeName *string          `json:"trade_name"`
	Document  *string          `json:"document"`
	Email     *string          `json:"email"`
	Raw       contaazul.Record `json:"raw,omitempty"`
}

func accountSummaryFrom(account contaazul.Account) AccountSummary {
	return AccountSummary{
		Name:      account.Name,
		TradeName: account.TradeName,
		Document:  account.Document,
		Email:     account.Email,
		Raw:       account.Raw,
	}
}

// expiresWithin reports whether the access token expires before now+window.
// Tokens without a recorded expiry are treated as valid.
func (t *IntegrationToken) expiresWithin(now time.Time, window time.Duration) bool {
	if t.ExpiresAt == nil {
		return false
	}
	return !t.ExpiresAt.After(now.Add(window))
}
