package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sigelo/sigelo/backend/internal/contaazul"
	"gorm.io/datatypes"
)

// ErrMissingExternalID indicates a remote record without an id, which cannot be keyed locally.
var ErrMissingExternalID = errors.New("catalog: remote record has no external id")

var (
	legalNameKeys  = []string{"razao_social", "nome"}
	tradeNameKeys  = []string{"nome_fantasia"}
	documentKeys   = []string{"documento", "cnpj", "cpf"}
	emailKeys      = []string{"email"}
	phoneKeys      = []string{"telefone", "telefone_comercial", "telefone_celular"}
	personTypeKeys = []string{"tipo_pessoa", "tipo"}

	serviceCodeKeys         = []string{"codigo"}
	serviceExternalCodeKeys = []string{"codigo_externo", "codigo_cnae"}
	serviceDescriptionKeys  = []string{"descricao", "nome"}
	serviceStatusKeys       = []string{"status"}
	servicePriceKeys        = []string{"preco", "valor_venda"}
	serviceCostKeys         = []string{"custo", "valor_custo"}
)

func customerFromRecord(tenantID string, record contaazul.Record, syncedAt time.Time) (Customer, error) {
	externalID := record.ExternalID()
	if externalID == "" {
		return Customer{}, ErrMissingExternalID
	}
	raw, err := rawPayload(record)
	if err != nil {
		return Customer{}, err
	}
	return Customer{
		TenantID:   tenantID,
		ExternalID: externalID,
		Name:       displayName(record),
		Document:   contaazul.String(record, documentKeys...),
		Email:      contaazul.String(record, emailKeys...),
		Phone:      contaazul.String(record, phoneKeys...),
		PersonType: contaazul.String(record, personTypeKeys...),
		SyncedAt:   syncedAt,
		RawPayload: raw,
	}, nil
}

func serviceFromRecord(tenantID string, record contaazul.Record, syncedAt time.Time) (Service, error) {
	externalID := record.ExternalID()
	if externalID == "" {
		return Service{}, ErrMissingExternalID
	}
	raw, err := rawPayload(record)
	if err != nil {
		return Service{}, err
	}
	return Service{
		TenantID:     tenantID,
		ExternalID:   externalID,
		Code:         contaazul.String(record, serviceCodeKeys...),
		ExternalCode: contaazul.String(record, serviceExternalCodeKeys...),
		Description:  contaazul.String(record, serviceDescriptionKeys...),
		Status:       contaazul.String(record, serviceStatusKeys...),
		Price:        contaazul.Float(record, servicePriceKeys...),
		Cost:         contaazul.Float(record, serviceCostKeys...),
		SyncedAt:     syncedAt,
		RawPayload:   raw,
	}, nil
}

// displayName prefers the legal name and falls back to the trade name.
func displayName(record contaazul.Record) *string {
	if name := contaazul.String(record, legalNameKeys...); name != nil {
		return name
	}
	return contaazul.String(record, tradeNameKeys...)
}

func rawPayload(record contaazul.Record) (datatypes.JSON, error) {
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode raw payload: %w", err)
	}
	return datatypes.JSON(encoded), nil
}
