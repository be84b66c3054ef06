package errors

import (
	"encoding/json"
	"net/http"
)

// Problem type URIs.
const (
	TypeValidationError = "https://xtconnector.dev/problems/validation-error"
	TypeNotFound        = "https://xtconnector.dev/problems/not-found"
	TypeExchangeError   = "https://xtconnector.dev/problems/exchange-error"
	TypeUnavailable     = "https://xtconnector.dev/problems/exchange-unavailable"
	TypeInternalError   = "https://xtconnector.dev/problems/internal-error"
)

// ProblemDetails is an RFC 7807 response body.
type ProblemDetails struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	Extra    map[string]any `json:"-"`
}

func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithExtra adds a top-level member.
func (p *ProblemDetails) WithExtra(key string, value any) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]any)
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON flattens Extra into the top level.
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]any, 5+len(p.Extra))
	for k, v := range p.Extra {
		result[k] = v
	}
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	return json.Marshal(result)
}

// NewProblemDetails builds a problem.
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{Type: problemType, Title: title, Status: status, Detail: detail, Instance: instance}
}

// ProblemFromError maps err onto a problem using its Kind.
func ProblemFromError(err error, instance string) *ProblemDetails {
	var p *ProblemDetails
	switch {
	case As(err, &p):
		return p
	case Is(err, ErrOrderNotFound):
		p = NewProblemDetails(TypeNotFound, "Not Found", http.StatusNotFound, err.Error(), instance)
	default:
		switch Kind(err) {
		case KindValidation:
			p = NewProblemDetails(TypeValidationError, "Validation Error", http.StatusBadRequest, err.Error(), instance)
			var v *ValidationError
			if As(err, &v) && v.Field != "" {
				p.WithExtra("field", v.Field)
			}
		case KindApplication:
			p = NewProblemDetails(TypeExchangeError, "Exchange Rejected Request", http.StatusBadGateway, err.Error(), instance)
			var a *ApplicationError
			if As(err, &a) {
				p.WithExtra("exchange_code", a.Code)
			}
		case KindTransport:
			p = NewProblemDetails(TypeUnavailable, "Exchange Unavailable", http.StatusServiceUnavailable, err.Error(), instance)
		default:
			p = NewProblemDetails(TypeInternalError, "Internal Server Error", http.StatusInternalServerError, err.Error(), instance)
		}
	}
	if IsRetryable(err) {
		p.WithExtra("retryable", true)
	}
	return p
}
