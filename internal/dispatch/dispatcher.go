package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/dedup"
	"github.com/erauner12/crmsync/internal/digest"
	"github.com/erauner12/crmsync/internal/metrics"
	"github.com/erauner12/crmsync/internal/store"
)

// Dispatcher builds the digest for a claimed subscription and pushes it
// through the transport, recording the delivery chain in the store. It is
// the scheduler's Deliverer.
type Dispatcher struct {
	Store     *store.Store
	Builder   *digest.Builder
	Transport Transport
	Cache     dedup.Cache

	// MaxRetries bounds transport send attempts per delivery.
	MaxRetries int
}

// idempotencyTTL guards against a tight double-claim window; the durable
// check is the partial unique index on sent deliveries.
const idempotencyTTL = 6 * time.Hour

// Deliver builds and sends one digest for (subscription, anchor). A second
// call with the same pair is a no-op: the cache key short-circuits the hot
// path and the sent-delivery index backstops it.
func (d *Dispatcher) Deliver(ctx context.Context, sub store.Subscription, anchor time.Time) error {
	logger := log.With().
		Stringer("subscription_id", sub.ID).
		Time("anchor", anchor).
		Logger()

	if d.Cache != nil {
		key := dedup.IdempotencyKey(sub.ID.String(), anchor)
		seen, err := d.Cache.MarkSeen(ctx, key, idempotencyTTL)
		if err != nil {
			// Cache down is not fatal; the store check below still holds.
			logger.Warn().Err(err).Msg("idempotency cache unavailable")
		} else if seen {
			logger.Info().Msg("delivery already attempted for anchor, skipping")
			metrics.DeliveriesSent.WithLabelValues("skipped").Inc()
			return nil
		}
	}

	sent, err := d.Store.HasSentDelivery(ctx, sub.ID, anchor)
	if err != nil {
		return fmt.Errorf("sent-delivery check: %w", err)
	}
	if sent {
		logger.Info().Msg("delivery already sent for anchor, skipping")
		metrics.DeliveriesSent.WithLabelValues("skipped").Inc()
		return nil
	}

	role, err := d.Store.GetRole(ctx, sub.UserID)
	if err != nil {
		return fmt.Errorf("resolve role: %w", err)
	}

	artifact, err := d.Builder.Build(ctx, sub, role, anchor)
	if err != nil {
		return fmt.Errorf("build digest: %w", err)
	}

	delivery := &store.Delivery{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		AnchorAt:       anchor,
		Params: map[string]any{
			"audience":      sub.Audience,
			"cadence":       string(sub.Cadence),
			"max_items":     sub.MaxItems,
			"filters":       sub.Filters,
			"table_version": artifact.TableVersion,
		},
	}
	if err := d.Store.CreateDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	if err := d.Store.StartDelivery(ctx, delivery.ID); err != nil {
		return fmt.Errorf("start delivery: %w", err)
	}

	subject := fmt.Sprintf("Candidate digest for %s", anchor.UTC().Format("Jan 2, 2006"))
	messageID, sendErr := d.send(ctx, sub.Recipient, subject, artifact.Body)
	if sendErr != nil {
		if markErr := d.Store.MarkDeliveryFailed(ctx, delivery.ID, sendErr.Error()); markErr != nil {
			logger.Error().Err(markErr).Msg("failed delivery could not be recorded")
		}
		metrics.DeliveriesSent.WithLabelValues("failed").Inc()
		return fmt.Errorf("send digest: %w", sendErr)
	}

	err = d.Store.MarkDeliverySent(ctx, delivery.ID, messageID, artifact.ItemCount, artifact.Body)
	if errors.Is(err, store.ErrAlreadySent) {
		// Raced a concurrent delivery of the same anchor. The message went
		// out twice but the ledger keeps a single sent row.
		logger.Warn().Msg("concurrent delivery won the sent slot")
		if markErr := d.Store.MarkDeliveryFailed(ctx, delivery.ID, "superseded by concurrent delivery"); markErr != nil {
			logger.Error().Err(markErr).Msg("superseded delivery could not be recorded")
		}
		metrics.DeliveriesSent.WithLabelValues("skipped").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark delivery sent: %w", err)
	}

	metrics.DeliveriesSent.WithLabelValues("sent").Inc()
	logger.Info().Str("message_id", messageID).Int("items", artifact.ItemCount).
		Msg("digest delivered")
	return nil
}

// send pushes the artifact through the transport with exponential backoff.
func (d *Dispatcher) send(ctx context.Context, recipient, subject, body string) (string, error) {
	retries := d.MaxRetries
	if retries < 1 {
		retries = 3
	}

	var messageID string
	op := func() error {
		var err error
		messageID, err = d.Transport.Send(ctx, recipient, subject, body)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	return messageID, nil
}
