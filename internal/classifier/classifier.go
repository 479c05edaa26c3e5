// Package classifier turns the outcome of one HTTP delivery attempt
// (a transport error, or a response status code) into the AttemptOutcome
// and Classification pair recorded on the Attempt row (§4.8).
package classifier

import (
	"strings"

	"github.com/hookrelay/deliverant/internal/domain"
)

// Result is the pair of values the state machine needs to decide the
// delivery's next transition.
type Result struct {
	Outcome        domain.AttemptOutcome
	Classification domain.Classification
}

// ClassifyTransportError classifies a failure that occurred before any
// response was received (dial, TLS, timeout, DNS). Substring matching on
// the error text is intentionally coarse: Go's transport errors don't
// carry a stable machine-readable taxonomy, so textual sniffing is the
// most precise signal available without parsing net.Error internals
// library-by-library.
func ClassifyTransportError(errText string) Result {
	lower := strings.ToLower(errText)
	switch {
	case strings.Contains(lower, "timeout"):
		return Result{domain.OutcomeRetryableFailure, domain.ClassificationTimeout}
	case strings.Contains(lower, "dns"):
		return Result{domain.OutcomeRetryableFailure, domain.ClassificationDNSError}
	case strings.Contains(lower, "ssl"), strings.Contains(lower, "tls"):
		return Result{domain.OutcomeRetryableFailure, domain.ClassificationTLSError}
	default:
		return Result{domain.OutcomeRetryableFailure, domain.ClassificationNetworkError}
	}
}

// ClassifyResponse classifies a completed HTTP round trip by status code.
// Redirects are never followed by the delivery worker (§4.5), so a 3xx is
// treated the same as a non-retryable 4xx.
func ClassifyResponse(status int) Result {
	switch {
	case status >= 200 && status < 300:
		return Result{domain.OutcomeSuccess, domain.ClassificationNone}
	case status == 429:
		return Result{domain.OutcomeRetryableFailure, domain.ClassificationRateLimited}
	case status == 408:
		return Result{domain.OutcomeRetryableFailure, domain.ClassificationTimeout}
	case status >= 400 && status < 500:
		return Result{domain.OutcomeNonRetryable, domain.ClassificationHTTP4xxPermanent}
	case status >= 500 && status < 600:
		return Result{domain.OutcomeRetryableFailure, domain.ClassificationHTTP5xxRetryable}
	case status >= 300 && status < 400:
		return Result{domain.OutcomeNonRetryable, domain.ClassificationHTTP4xxPermanent}
	default:
		return Result{domain.OutcomeRetryableFailure, domain.ClassificationOther}
	}
}
