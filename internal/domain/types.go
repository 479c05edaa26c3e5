// Package domain defines the data model shared by every delivery-pipeline
// component: tenants, endpoints, events, deliveries and attempts.
package domain

import "time"

// EndpointStatus is the operational state of a webhook destination.
type EndpointStatus string

const (
	EndpointActive EndpointStatus = "ACTIVE"
	EndpointPaused EndpointStatus = "PAUSED"
)

// DeliveryMode distinguishes producer-supplied idempotency keys (RELIABLE)
// from the auto-deduped re-submission key (BASIC).
type DeliveryMode string

const (
	ModeReliable DeliveryMode = "RELIABLE"
	ModeBasic    DeliveryMode = "BASIC"
)

// DeliveryStatus is the delivery state machine's status enum.
type DeliveryStatus string

const (
	StatusPending     DeliveryStatus = "PENDING"
	StatusScheduled   DeliveryStatus = "SCHEDULED"
	StatusInProgress  DeliveryStatus = "IN_PROGRESS"
	StatusDelivered   DeliveryStatus = "DELIVERED"
	StatusFailed      DeliveryStatus = "FAILED"
	StatusExpired     DeliveryStatus = "EXPIRED"
	StatusCancelled   DeliveryStatus = "CANCELLED"
)

// IsTerminal reports whether status is one of the four terminal states.
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// AttemptOutcome classifies what happened when an HTTP attempt completed.
type AttemptOutcome string

const (
	OutcomeSuccess           AttemptOutcome = "SUCCESS"
	OutcomeRetryableFailure  AttemptOutcome = "RETRYABLE_FAILURE"
	OutcomeNonRetryable      AttemptOutcome = "NON_RETRYABLE_FAILURE"
)

// Classification is the finer-grained tag attached to an outcome (§4.8).
type Classification string

const (
	ClassificationTimeout           Classification = "TIMEOUT"
	ClassificationDNSError          Classification = "DNS_ERROR"
	ClassificationTLSError          Classification = "TLS_ERROR"
	ClassificationNetworkError      Classification = "NETWORK_ERROR"
	ClassificationRateLimited       Classification = "RATE_LIMITED"
	ClassificationHTTP4xxPermanent  Classification = "HTTP_4XX_PERMANENT"
	ClassificationHTTP5xxRetryable  Classification = "HTTP_5XX_RETRYABLE"
	ClassificationWorkerCrash       Classification = "WORKER_CRASH_OR_UNKNOWN"
	ClassificationOther             Classification = "OTHER"
	ClassificationNone              Classification = ""
)

// Tenant is the identity and ownership root.
type Tenant struct {
	ID   string
	Name string
}

// Endpoint is a webhook destination owned by a tenant.
type Endpoint struct {
	ID             string
	TenantID       string
	Name           string
	URL            string
	Secret         []byte
	Headers        map[string]string
	TimeoutSeconds int
	Status         EndpointStatus
	PausedAt       *time.Time
}

// Event is an immutable payload unit submitted by a producer.
type Event struct {
	ID          string
	TenantID    string
	Type        string
	PayloadJSON []byte
	PayloadHash string
	CreatedAt   time.Time
}

// Delivery is the durable record of intent to deliver one event to one endpoint.
type Delivery struct {
	ID                    string
	TenantID              string
	EventID               string
	EndpointID            string
	Mode                  DeliveryMode
	IdempotencyKey        *string
	IdempotencyKeyHash    *string
	IdempotencyKeyReused  bool
	Status                DeliveryStatus
	AttemptsCount         int
	NextAttemptAt         *time.Time
	FirstScheduledAt      *time.Time
	LastAttemptAt         *time.Time
	TerminalAt            *time.Time
	TerminalReason         string
	LeaseID               *string
	LeaseExpiresAt        *time.Time
	CancelRequested       bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Attempt is one recorded HTTP call for a delivery, numbered 1..N.
type Attempt struct {
	ID                  string
	TenantID            string
	DeliveryID          string
	AttemptNumber       int
	StartedAt           time.Time
	EndedAt             time.Time
	LatencyMs           int64
	Outcome             AttemptOutcome
	Classification      Classification
	HTTPStatus          *int
	ResponseHeaders     map[string]string
	ResponseBodySnippet string
	ErrorDetail         string
	RequestPayloadHash  string
}

// MaxResponseSnippetBytes bounds Attempt.ResponseBodySnippet (§3).
const MaxResponseSnippetBytes = 1024
