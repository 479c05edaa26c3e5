// Package worker executes single delivery attempts under a lease (§4.5):
// it builds and signs the outbound HTTP request, performs it, classifies
// the outcome, records an Attempt, and drives the delivery's next state
// transition.
package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hookrelay/deliverant/internal/classifier"
	"github.com/hookrelay/deliverant/internal/domain"
	"github.com/hookrelay/deliverant/internal/killswitch"
	"github.com/hookrelay/deliverant/internal/statemachine"
	"github.com/hookrelay/deliverant/internal/store"
	"github.com/hookrelay/deliverant/pkg/logger"
)

var tracer = otel.Tracer("deliverant/worker")

// attemptsCounter counts attempts by outcome/classification, exported
// through whatever global MeterProvider is installed. telemetry.Setup
// installs only a TracerProvider, so this stays a no-op counter unless the
// embedding process installs a MeterProvider itself.
var attemptsCounter = mustCounter("deliverant.worker.attempts_total", "number of delivery attempts by outcome and classification")

func mustCounter(name, desc string) metric.Int64Counter {
	c, _ := otel.Meter("deliverant/worker").Int64Counter(name, metric.WithDescription(desc))
	return c
}

// Worker performs delivery attempts pulled off the dispatch queue.
type Worker struct {
	store      store.Store
	killSwitch killswitch.Source
	params     statemachine.Params
	httpClient *http.Client
	log        logger.Logger
}

func New(s store.Store, ks killswitch.Source, params statemachine.Params, httpClient *http.Client, log logger.Logger) *Worker {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	// Redirects are not followed: a 3xx reaches the classifier as-is. The
	// client is copied so the caller's client keeps its own redirect policy.
	noRedirect := *httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	httpClient = &noRedirect
	return &Worker{store: s, killSwitch: ks, params: params, httpClient: httpClient, log: log}
}

// Run reads delivery ids from a dequeue function until ctx is cancelled,
// processing each with Execute. The caller supplies dequeue so Worker
// doesn't need to know about queue.Queue directly.
func (w *Worker) Run(ctx context.Context, dequeue func(context.Context) (string, error)) {
	for {
		id, err := dequeue(ctx)
		if err != nil {
			return
		}
		w.Execute(ctx, id)
	}
}

// Execute runs the full §4.5 sequence for one delivery id. It never
// returns an error to the caller: every failure mode is either a quiet
// no-op (kill switch, lost lock race, non-SCHEDULED status) or captured
// into an Attempt row.
func (w *Worker) Execute(ctx context.Context, deliveryID string) {
	if w.killSwitch.IsActive(ctx) {
		return
	}

	var delivery *domain.Delivery
	var endpoint *domain.Endpoint
	var attemptNumber int
	leaseID := uuid.New().String()

	err := w.store.WithDeliveryLock(ctx, deliveryID, func(d *domain.Delivery, ep *domain.Endpoint) error {
		if d.Status != domain.StatusScheduled {
			return errSkip
		}
		if err := statemachine.AcquireLease(d, ep, leaseID, w.params, time.Now()); err != nil {
			return errSkip
		}
		delivery = d
		endpoint = ep
		attemptNumber = d.AttemptsCount + 1
		return nil
	})
	if err != nil || delivery == nil {
		return
	}

	event, err := w.store.GetEvent(ctx, delivery.TenantID, delivery.EventID)
	if err != nil {
		w.log.Error("worker: load event failed", map[string]interface{}{"delivery_id": deliveryID, "error": err.Error()})
		return
	}

	attempt := w.performAttempt(ctx, delivery, endpoint, event, attemptNumber)
	if err := w.store.CreateAttempt(ctx, attempt); err != nil {
		w.log.Error("worker: persist attempt failed", map[string]interface{}{"delivery_id": deliveryID, "error": err.Error()})
	}

	w.finalize(ctx, deliveryID, attempt)
}

var errSkip = fmt.Errorf("worker: skip")

// performAttempt builds, signs, sends and classifies one HTTP attempt. It
// always returns a complete Attempt, even on transport failure.
func (w *Worker) performAttempt(ctx context.Context, d *domain.Delivery, ep *domain.Endpoint, ev *domain.Event, attemptNumber int) *domain.Attempt {
	ctx, span := tracer.Start(ctx, "deliverant.worker.attempt", trace.WithAttributes(
		attribute.String("delivery.id", d.ID),
		attribute.String("endpoint.id", ep.ID),
		attribute.Int("attempt.number", attemptNumber),
	))
	defer span.End()

	started := time.Now()
	req, err := buildRequest(ctx, ep, ev, d, attemptNumber, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return transportFailureAttempt(d, ev, attemptNumber, started, time.Now(), err)
	}

	timeout := time.Duration(ep.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req = req.WithContext(reqCtx)

	resp, err := w.httpClient.Do(req)
	ended := time.Now()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return transportFailureAttempt(d, ev, attemptNumber, started, ended, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, domain.MaxResponseSnippetBytes*4))
	snippet := truncateUTF8(body, domain.MaxResponseSnippetBytes)

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	result := classifier.ClassifyResponse(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if result.Outcome == domain.OutcomeSuccess {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(result.Classification))
	}
	recordAttempt(ctx, result)

	status := resp.StatusCode
	return &domain.Attempt{
		ID:                  uuid.New().String(),
		TenantID:            d.TenantID,
		DeliveryID:          d.ID,
		AttemptNumber:       attemptNumber,
		StartedAt:           started,
		EndedAt:             ended,
		LatencyMs:           ended.Sub(started).Milliseconds(),
		Outcome:             result.Outcome,
		Classification:      result.Classification,
		HTTPStatus:          &status,
		ResponseHeaders:     headers,
		ResponseBodySnippet: snippet,
		RequestPayloadHash:  ev.PayloadHash,
	}
}

// recordAttempt emits one count against attemptsCounter, tagged with the
// outcome and classification, the way the teacher's agent registry tags
// its invocation counters by tool and status.
func recordAttempt(ctx context.Context, result classifier.Result) {
	attemptsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(result.Outcome)),
		attribute.String("classification", string(result.Classification)),
	))
}

func transportFailureAttempt(d *domain.Delivery, ev *domain.Event, attemptNumber int, started, ended time.Time, err error) *domain.Attempt {
	result := classifier.ClassifyTransportError(err.Error())
	recordAttempt(context.Background(), result)
	return &domain.Attempt{
		ID:                 uuid.New().String(),
		TenantID:           d.TenantID,
		DeliveryID:         d.ID,
		AttemptNumber:      attemptNumber,
		StartedAt:          started,
		EndedAt:            ended,
		LatencyMs:          ended.Sub(started).Milliseconds(),
		Outcome:            result.Outcome,
		Classification:     result.Classification,
		ErrorDetail:        err.Error(),
		RequestPayloadHash: ev.PayloadHash,
	}
}

// buildRequest assembles the outbound POST per §4.5 step 4: built-in
// headers first, then endpoint.headers merged in (overriding built-ins),
// then the signature added last so an endpoint can never override it.
func buildRequest(ctx context.Context, ep *domain.Endpoint, ev *domain.Event, d *domain.Delivery, attemptNumber int, now time.Time) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(ev.PayloadJSON))
	if err != nil {
		return nil, err
	}

	timestamp := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Delivery", d.ID)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(attemptNumber))
	req.Header.Set("X-Webhook-Timestamp", timestamp)

	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	if sig := Sign(ep.Secret, timestamp, ev.PayloadJSON); sig != "" {
		req.Header.Set("X-Webhook-Signature", sig)
	}

	return req, nil
}

// Sign computes the HMAC-SHA-256 signature over "{timestamp}.{body}" (§6),
// returning "" when no secret is configured.
func Sign(secret []byte, timestamp string, body []byte) string {
	if len(secret) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// truncateUTF8 returns at most maxBytes of b, trimmed back to the nearest
// rune boundary so the snippet never ends mid-codepoint.
func truncateUTF8(b []byte, maxBytes int) string {
	if len(b) <= maxBytes {
		return string(b)
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut])
}

// finalize re-locks the delivery and applies the outcome-appropriate
// transition (§4.5 step 8). It uses the endpoint re-read under this lock,
// not any endpoint snapshot taken before the HTTP round trip, so a
// pause/resume that happened mid-attempt is reflected in the TTL pause-
// segment exclusion (ttlExceeded, §9 open question (a)). A CANCELLED
// delivery tolerates the attempt having already been written but skips the
// transition (§5, §9 open question (c)).
func (w *Worker) finalize(ctx context.Context, deliveryID string, attempt *domain.Attempt) {
	err := w.store.WithDeliveryLock(ctx, deliveryID, func(d *domain.Delivery, ep *domain.Endpoint) error {
		if d.Status == domain.StatusCancelled {
			return errSkip
		}
		now := time.Now()
		switch attempt.Outcome {
		case domain.OutcomeSuccess:
			return statemachine.CompleteSuccess(d, attempt.AttemptNumber, now)
		case domain.OutcomeNonRetryable:
			reason := nonRetryableReason(attempt)
			return statemachine.CompleteNonRetryable(d, attempt.AttemptNumber, reason, now)
		default:
			return statemachine.CompleteRetryable(d, ep, attempt.AttemptNumber, w.params, now)
		}
	})
	if err != nil && err != errSkip {
		w.log.Error("worker: finalize failed", map[string]interface{}{"delivery_id": deliveryID, "error": err.Error()})
	}
}

func nonRetryableReason(a *domain.Attempt) string {
	detail := a.ErrorDetail
	if detail == "" && a.HTTPStatus != nil {
		detail = strconv.Itoa(*a.HTTPStatus)
	}
	return fmt.Sprintf("%s: %s", a.Classification, detail)
}
