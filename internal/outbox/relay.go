package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Targets maps each downstream service to its base URL. The map is built
// once at startup from configuration; Validate rejects unknown or missing
// entries so dispatch never fails a lookup at delivery time.
type Targets map[TargetService]string

// Validate checks that every key is a known service with a non-empty URL.
func (t Targets) Validate() error {
	for service, baseURL := range t {
		if !service.IsValid() {
			return fmt.Errorf("%w: %q", ErrInvalidTargetService, service)
		}
		if baseURL == "" {
			return fmt.Errorf("outbox: empty base URL for target %q", service)
		}
	}
	return nil
}

// RelayConfig controls the relay's poll loop and delivery calls.
type RelayConfig struct {
	// PollInterval is the fixed delay between poll cycles.
	PollInterval time.Duration
	// BatchSize bounds how many events one cycle fetches.
	BatchSize int
	// DeliveryTimeout bounds each outbound call.
	DeliveryTimeout time.Duration
}

func (c *RelayConfig) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 5 * time.Second
	}
}

// Result captures one delivery cycle's counters.
type Result struct {
	Processed int
	Delivered int
	Failed    int
}

// Relay is the per-service background process that drains the service's
// outbox: on a fixed interval it fetches undelivered events, oldest first,
// and pushes each to the next stage's step handler over HTTP, carrying a
// deterministic idempotency key.
//
// Delivery is at-least-once. Consumers must not assume in-order arrival:
// once retries are in play a later event can land before an earlier one that
// is still failing.
type Relay struct {
	store   Store
	targets Targets
	client  *http.Client
	cfg     RelayConfig

	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewRelay builds a relay over the service's outbox store.
func NewRelay(store Store, targets Targets, cfg RelayConfig) (*Relay, error) {
	if store == nil {
		return nil, fmt.Errorf("outbox: relay requires a store")
	}
	if err := targets.Validate(); err != nil {
		return nil, err
	}

	cfg.normalize()

	return &Relay{
		store:   store,
		targets: targets,
		client:  &http.Client{Timeout: cfg.DeliveryTimeout},
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run polls until ctx is cancelled. Shutdown is graceful: the cycle in flight
// finishes its batch and no new poll starts.
func (r *Relay) Run(ctx context.Context) {
	slog.InfoContext(ctx, "outbox relay started",
		"poll_interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize,
	)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "outbox relay stopped")
			return
		case <-ticker.C:
			// The batch runs detached from the poll tick's cancellation so a
			// shutdown mid-batch lets in-flight deliveries complete or time out.
			res := r.DeliverOnce(context.WithoutCancel(ctx))
			if res.Failed > 0 {
				slog.WarnContext(ctx, "outbox relay cycle had failures",
					"processed", res.Processed,
					"delivered", res.Delivered,
					"failed", res.Failed,
				)
			}
		}
	}
}

// DeliverOnce performs a single poll-and-deliver cycle and returns its
// counters. Tests drive the relay through here instead of wall-clock sleeps.
func (r *Relay) DeliverOnce(ctx context.Context) Result {
	ctx, span := otel.Tracer("outbox").Start(ctx, "outbox.relay.deliver_once")
	defer span.End()

	events, err := r.store.ListUndelivered(ctx, r.cfg.BatchSize)
	if err != nil {
		slog.ErrorContext(ctx, "outbox relay failed to list undelivered events", "error", err)
		return Result{}
	}

	var res Result
	for _, event := range events {
		res.Processed++

		if err := r.deliver(ctx, event); err != nil {
			res.Failed++
			r.recordFailure(ctx, event, err)
			continue
		}

		res.Delivered++
		if err := r.store.MarkDelivered(ctx, event.EventID, r.now()); err != nil {
			// The receiver has the event; its idempotency absorbs the
			// redelivery this missing mark will cause.
			slog.ErrorContext(ctx, "outbox event delivered but not marked",
				"event_id", event.EventID, "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("outbox.relay.processed", res.Processed),
		attribute.Int("outbox.relay.delivered", res.Delivered),
		attribute.Int("outbox.relay.failed", res.Failed),
	)
	return res
}

// ack is the receiving step handler's response envelope.
type ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (r *Relay) deliver(ctx context.Context, event *Event) error {
	baseURL, ok := r.targets[event.TargetService]
	if !ok {
		return fmt.Errorf("outbox: no base URL configured for target %q", event.TargetService)
	}

	url := baseURL + "/api" + event.TargetEndpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(event.Payload))
	if err != nil {
		return fmt.Errorf("outbox: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.IdempotencyKey())

	slog.InfoContext(ctx, "outbox relay delivering event",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"target", event.TargetService,
		"attempt", event.PublishAttempts+1,
	)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("outbox: deliver %s to %s: %w", event.EventType, event.TargetService, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("outbox: read ack: %w", err)
	}

	var a ack
	if err := json.Unmarshal(body, &a); err != nil {
		return fmt.Errorf("outbox: decode ack (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !a.Success {
		return fmt.Errorf("outbox: target %s rejected event (status %d): %s",
			event.TargetService, resp.StatusCode, a.Message)
	}
	return nil
}

func (r *Relay) recordFailure(ctx context.Context, event *Event, cause error) {
	if err := r.store.MarkAttemptFailed(ctx, event.EventID, cause.Error()); err != nil {
		slog.ErrorContext(ctx, "outbox failed to record delivery failure",
			"event_id", event.EventID, "error", err)
		return
	}

	// After max_retries the event is permanently failed: it stays in the
	// table, visible to operators, and is never polled again.
	if event.PublishAttempts+1 >= event.MaxRetries {
		slog.ErrorContext(ctx, "outbox event exhausted all delivery attempts",
			"event_id", event.EventID,
			"event_type", event.EventType,
			"target", event.TargetService,
			"error", cause,
		)
	} else {
		slog.WarnContext(ctx, "outbox delivery attempt failed",
			"event_id", event.EventID,
			"attempt", event.PublishAttempts+1,
			"error", cause,
		)
	}
}
