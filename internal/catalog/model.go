// Package catalog keeps the tenant's local copy of provider customers and
// services and reconciles it against the remote collections.
package catalog

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Customer is a provider person with a customer profile, stored per tenant.
type Customer struct {
	TenantID   string         `gorm:"column:tenant_id;primaryKey;size:190;not null" json:"-"`
	ExternalID string         `gorm:"column:external_id;primaryKey;size:190;not null" json:"externalId"`
	Name       *string        `gorm:"column:name;size:512;index:idx_customers_tenant_name" json:"name"`
	Document   *string        `gorm:"column:document;size:64" json:"document"`
	Email      *string        `gorm:"column:email;size:320" json:"email"`
	Phone      *string        `gorm:"column:phone;size:64" json:"phone"`
	PersonType *string        `gorm:"column:person_type;size:32" json:"personType"`
	SearchText string         `gorm:"column:search_text;size:1024;not null;default:''" json:"-"`
	SyncedAt   time.Time      `gorm:"column:synced_at;not null" json:"syncedAt"`
	RawPayload datatypes.JSON `gorm:"column:raw_payload" json:"rawPayload"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Customer) TableName() string {
	return "customers"
}

// SearchIndex is the lower-cased text list searches match against.
func (c Customer) SearchIndex() string {
	return searchIndex(c.Name, c.Document, c.Email)
}

// Service is an entry of the provider service catalogue, stored per tenant.
type Service struct {
	TenantID     string         `gorm:"column:tenant_id;primaryKey;size:190;not null" json:"-"`
	ExternalID   string         `gorm:"column:external_id;primaryKey;size:190;not null" json:"externalId"`
	Code         *string        `gorm:"column:code;size:128" json:"code"`
	ExternalCode *string        `gorm:"column:external_code;size:128" json:"externalCode"`
	Description  *string        `gorm:"column:description;size:1024" json:"description"`
	Status       *string        `gorm:"column:status;size:32" json:"status"`
	Price        *float64       `gorm:"column:price" json:"price"`
	Cost         *float64       `gorm:"column:cost" json:"cost"`
	SearchText   string         `gorm:"column:search_text;size:1400;not null;default:''" json:"-"`
	SyncedAt     time.Time      `gorm:"column:synced_at;not null" json:"syncedAt"`
	RawPayload   datatypes.JSON `gorm:"column:raw_payload" json:"rawPayload"`
	CreatedAt    time.Time      `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Service) TableName() string {
	return "services"
}

// SearchIndex is the lower-cased text list searches match against.
func (s Service) SearchIndex() string {
	return searchIndex(s.Description, s.Code, s.ExternalCode)
}

// searchIndex lower-cases in Go because SQLite's LOWER only folds ASCII.
func searchIndex(values ...*string) string {
	parts := make([]string, 0, len(values))
	for _, value := range values {
		if value == nil {
			continue
		}
		if trimmed := strings.TrimSpace(*value); trimmed != "" {
			parts = append(parts, strings.ToLower(trimmed))
		}
	}
	return strings.Join(parts, "\n")
}

// Models lists the tables owned by this package, in migration order.
func Models() []any {
	return []any{&Customer{}, &Service{}}
}
