// Package validation performs stateless checks on incoming operations
// before they enter the pipeline. Rejection short-circuits the pipeline
// without consuming a sequence number.
package validation

import (
	"encoding/json"
	"fmt"

	"collabsync-server/internal/domain"
	"collabsync-server/internal/ot"

	"github.com/go-playground/validator/v10"
)

// PermissionChecker is the narrow capability interface consumed from the
// external permission system.
type PermissionChecker interface {
	CanEdit(userID string, resource domain.ResourceRef) bool
}

// AllowAll grants every participant edit capability; the participant role
// still gates mutating operations.
type AllowAll struct{}

func (AllowAll) CanEdit(string, domain.ResourceRef) bool { return true }

type Validator struct {
	validate   *validator.Validate
	checker    PermissionChecker
	maxPayload int
}

func New(checker PermissionChecker, maxPayloadBytes int) *Validator {
	return &Validator{
		validate:   validator.New(),
		checker:    checker,
		maxPayload: maxPayloadBytes,
	}
}

// ValidateOperation checks a submission against the participant and the
// resource's collaborative fields. It is a pure function of its inputs:
// no side effects, no I/O. A non-nil return is always a
// *domain.ValidationError.
func (v *Validator) ValidateOperation(
	req *domain.SubmitOperationRequest,
	participant *domain.Participant,
	resource domain.ResourceRef,
	fields map[string]domain.FieldKind,
) error {
	if err := v.validate.Struct(req); err != nil {
		return &domain.ValidationError{Reason: domain.ReasonMalformedPayload, Detail: err.Error()}
	}
	if err := req.Payload.CheckShape(); err != nil {
		return &domain.ValidationError{Reason: domain.ReasonMalformedPayload, Detail: err.Error()}
	}
	if req.Payload.Kind == domain.PayloadTextDelta {
		if err := ot.Validate(req.Payload.Text); err != nil {
			return &domain.ValidationError{Reason: domain.ReasonMalformedPayload, Detail: err.Error()}
		}
	}

	size, err := payloadSize(req.Payload)
	if err != nil {
		return &domain.ValidationError{Reason: domain.ReasonMalformedPayload, Detail: err.Error()}
	}
	if size > v.maxPayload {
		return &domain.ValidationError{
			Reason: domain.ReasonPayloadTooLarge,
			Detail: fmt.Sprintf("payload is %d bytes, ceiling is %d", size, v.maxPayload),
		}
	}

	if participant == nil {
		return &domain.ValidationError{Reason: domain.ReasonNotParticipant}
	}
	if participant.Role != domain.RoleEditor {
		return &domain.ValidationError{Reason: domain.ReasonViewerRole}
	}
	if !v.checker.CanEdit(participant.UserID, resource) {
		return &domain.ValidationError{Reason: domain.ReasonPermissionDenied}
	}

	kind, ok := fields[req.Field]
	if !ok {
		return &domain.ValidationError{
			Reason: domain.ReasonUnknownField,
			Detail: fmt.Sprintf("%q is not a collaborative field of %s", req.Field, resource.Type),
		}
	}
	if domain.KindForField(kind) != req.Payload.Kind {
		return &domain.ValidationError{
			Reason: domain.ReasonKindMismatch,
			Detail: fmt.Sprintf("field %q takes %s payloads, got %s", req.Field, domain.KindForField(kind), req.Payload.Kind),
		}
	}
	return nil
}

func payloadSize(p domain.Payload) (int, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
