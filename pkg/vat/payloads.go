package vat

import (
	"encoding/json"
	"fmt"

	"github.com/asaskevich/govalidator"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/fiskal/cmdrelay/pkg/command"
)

// Operation tags handled by this package.
const (
	OpSubmitReturn      = "vat.SubmitReturn"
	OpGrantEntitlement  = "vat.GrantEntitlement"
	OpRevokeEntitlement = "vat.RevokeEntitlement"
	OpRedeemPass        = "vat.RedeemPass"
)

// SubmitReturnPayload is the input of vat.SubmitReturn.
type SubmitReturnPayload struct {
	// Period is the filing period in YYYY-MM form.
	Period string `json:"period" validate:"required"`

	// VATNumber is the trader's VAT registration number.
	VATNumber string `json:"vat_number" validate:"required"`

	// NetAmount and TaxAmount are decimal strings.
	NetAmount string `json:"net_amount" validate:"required"`
	TaxAmount string `json:"tax_amount" validate:"required"`
}

// SubmitReturnResult is the output of vat.SubmitReturn.
type SubmitReturnResult struct {
	ReturnID  string `json:"return_id"`
	Period    string `json:"period"`
	VATNumber string `json:"vat_number"`
	Total     string `json:"total"`
}

// GrantEntitlementPayload is the input of vat.GrantEntitlement.
type GrantEntitlementPayload struct {
	// Product names the entitlement being granted (e.g. "filing.premium").
	Product string `json:"product" validate:"required"`
}

// RevokeEntitlementPayload is the input of vat.RevokeEntitlement.
type RevokeEntitlementPayload struct {
	Product string `json:"product" validate:"required"`
}

// EntitlementResult is the output of the entitlement operations.
type EntitlementResult struct {
	Product     string `json:"product"`
	PrincipalID string `json:"principal_id"`
	Active      bool   `json:"active"`
}

// RedeemPassPayload is the input of vat.RedeemPass.
type RedeemPassPayload struct {
	// Code is the single-use pass code.
	Code string `json:"code" validate:"required,min=8"`
}

// RedeemPassResult is the output of vat.RedeemPass.
type RedeemPassResult struct {
	Code        string `json:"code"`
	PrincipalID string `json:"principal_id"`
	Product     string `json:"product"`
}

// decodePayload unmarshals and struct-validates a typed payload.
// Returns a validation DomainError on any failure.
func decodePayload[T any](validate *validator.Validate, raw json.RawMessage, out *T) *command.DomainError {
	if len(raw) == 0 {
		return command.NewValidationError("request payload is required", nil)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return command.NewValidationError("request payload is not valid JSON", nil)
	}
	if err := validate.Struct(out); err != nil {
		details := map[string]string{}
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		return command.NewValidationError("request payload failed validation", details)
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// validateSubmitReturn applies the field rules that struct tags cannot
// express: period shape, VAT number shape, and decimal amounts.
func validateSubmitReturn(p *SubmitReturnPayload) (net, tax decimal.Decimal, derr *command.DomainError) {
	details := map[string]string{}

	if !govalidator.Matches(p.Period, `^\d{4}-(0[1-9]|1[0-2])$`) {
		details["period"] = "must be YYYY-MM"
	}
	if !govalidator.Matches(p.VATNumber, `^[A-Z]{2}[0-9A-Za-z]{2,12}$`) {
		details["vat_number"] = "must be a country prefix followed by 2-12 alphanumerics"
	}

	var err error
	net, err = decimal.NewFromString(p.NetAmount)
	if err != nil || net.IsNegative() {
		details["net_amount"] = "must be a non-negative decimal"
	}
	tax, err = decimal.NewFromString(p.TaxAmount)
	if err != nil || tax.IsNegative() {
		details["tax_amount"] = "must be a non-negative decimal"
	}

	if len(details) > 0 {
		return decimal.Zero, decimal.Zero, command.NewValidationError("invalid VAT return", details)
	}

	if tax.GreaterThan(net) {
		return decimal.Zero, decimal.Zero, command.NewValidationError(
			fmt.Sprintf("tax amount %s exceeds net amount %s", tax, net), nil)
	}

	return net, tax, nil
}
