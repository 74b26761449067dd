// Package vat is the domain handler behind the command relay in the filing
// backend: VAT return submission, entitlement grants/revocations, and pass
// redemption. Every operation is idempotent under at-least-once invocation
// for the same request id.
package vat

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fiskal/cmdrelay/pkg/command"
	"github.com/fiskal/cmdrelay/pkg/idgen"
)

// Service holds the domain state the operations act on. State lives in
// memory here; the filing backend swaps in its own persistence behind the
// same handlers.
type Service struct {
	validate *validator.Validate

	mu           sync.Mutex
	returns      map[string]*SubmitReturnResult // keyed by principal+period+vat number
	entitlements map[string]bool                // keyed by principal+product
	passes       map[string]string              // pass code -> redeeming principal
}

// NewService creates an empty domain service.
func NewService() *Service {
	return &Service{
		validate:     validator.New(),
		returns:      make(map[string]*SubmitReturnResult),
		entitlements: make(map[string]bool),
		passes:       make(map[string]string),
	}
}

// Register wires all VAT operations into the dispatcher.
func (s *Service) Register(d *command.Dispatcher) {
	d.Register(OpSubmitReturn, command.HandlerFunc(s.submitReturn))
	d.Register(OpGrantEntitlement, command.HandlerFunc(s.grantEntitlement))
	d.Register(OpRevokeEntitlement, command.HandlerFunc(s.revokeEntitlement))
	d.Register(OpRedeemPass, command.HandlerFunc(s.redeemPass))
}

// submitReturn validates and records a VAT return. Resubmitting the same
// return for the same period yields the original result.
func (s *Service) submitReturn(ctx context.Context, cmd *command.Command) (*command.Outcome, error) {
	var p SubmitReturnPayload
	if derr := decodePayload(s.validate, cmd.Payload, &p); derr != nil {
		return &command.Outcome{Error: derr}, nil
	}

	net, tax, derr := validateSubmitReturn(&p)
	if derr != nil {
		return &command.Outcome{Error: derr}, nil
	}

	key := cmd.PrincipalID + "|" + p.Period + "|" + p.VATNumber

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.returns[key]; ok {
		result, err := command.NewResult(http.StatusOK, existing)
		if err != nil {
			return nil, err
		}
		return &command.Outcome{Result: result}, nil
	}

	filed := &SubmitReturnResult{
		ReturnID:  idgen.MustGenerateSortableID(),
		Period:    p.Period,
		VATNumber: p.VATNumber,
		Total:     net.Add(tax).String(),
	}
	s.returns[key] = filed

	result, err := command.NewResult(http.StatusCreated, filed)
	if err != nil {
		return nil, err
	}
	return &command.Outcome{Result: result}, nil
}

// grantEntitlement activates an entitlement. Granting an already-active
// entitlement is a no-op with the same result.
func (s *Service) grantEntitlement(ctx context.Context, cmd *command.Command) (*command.Outcome, error) {
	var p GrantEntitlementPayload
	if derr := decodePayload(s.validate, cmd.Payload, &p); derr != nil {
		return &command.Outcome{Error: derr}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := cmd.PrincipalID + "|" + p.Product
	already := s.entitlements[key]
	s.entitlements[key] = true

	statusCode := http.StatusCreated
	if already {
		statusCode = http.StatusOK
	}

	result, err := command.NewResult(statusCode, &EntitlementResult{
		Product:     p.Product,
		PrincipalID: cmd.PrincipalID,
		Active:      true,
	})
	if err != nil {
		return nil, err
	}
	return &command.Outcome{Result: result}, nil
}

// revokeEntitlement deactivates an entitlement. Revoking an entitlement the
// principal never held is a business failure.
func (s *Service) revokeEntitlement(ctx context.Context, cmd *command.Command) (*command.Outcome, error) {
	var p RevokeEntitlementPayload
	if derr := decodePayload(s.validate, cmd.Payload, &p); derr != nil {
		return &command.Outcome{Error: derr}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := cmd.PrincipalID + "|" + p.Product
	if !s.entitlements[key] {
		return &command.Outcome{Error: command.NewDomainError(
			"ENTITLEMENT_NOT_FOUND", http.StatusNotFound,
			"no active entitlement for product "+p.Product)}, nil
	}
	s.entitlements[key] = false

	result, err := command.NewResult(http.StatusOK, &EntitlementResult{
		Product:     p.Product,
		PrincipalID: cmd.PrincipalID,
		Active:      false,
	})
	if err != nil {
		return nil, err
	}
	return &command.Outcome{Result: result}, nil
}

// redeemPass consumes a single-use pass. Redeeming the same code again by
// the same principal replays the original grant; a code held by another
// principal is a conflict.
func (s *Service) redeemPass(ctx context.Context, cmd *command.Command) (*command.Outcome, error) {
	var p RedeemPassPayload
	if derr := decodePayload(s.validate, cmd.Payload, &p); derr != nil {
		return &command.Outcome{Error: derr}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	owner, redeemed := s.passes[p.Code]
	if redeemed && owner != cmd.PrincipalID {
		return &command.Outcome{Error: command.NewDomainError(
			"PASS_ALREADY_REDEEMED", http.StatusConflict,
			"pass code already redeemed")}, nil
	}

	statusCode := http.StatusCreated
	if redeemed {
		statusCode = http.StatusOK
	}
	s.passes[p.Code] = cmd.PrincipalID
	s.entitlements[cmd.PrincipalID+"|filing.premium"] = true

	result, err := command.NewResult(statusCode, &RedeemPassResult{
		Code:        p.Code,
		PrincipalID: cmd.PrincipalID,
		Product:     "filing.premium",
	})
	if err != nil {
		return nil, err
	}
	return &command.Outcome{Result: result}, nil
}
