// Package webhook verifies inbound code host deliveries and resolves which
// tenant they belong to.
//
// The same upstream repository may be tracked by several tenants, each with
// its own shared secret. Routing therefore starts from the candidate set of
// tracked rows and lets the signature pick the owner.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/ratelimit"
	"github.com/vipul43/repopulse/internal/repository"
	"github.com/vipul43/repopulse/internal/syncerr"
)

const (
	DefaultMaxPayloadBytes = 1 << 20
	DefaultDeliveryTTL     = 72 * time.Hour

	signaturePrefix = "sha256="
)

type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeUnauthorized Outcome = "unauthorized"
)

// Result is the routing verdict. TenantID is only set when accepted and must
// not be echoed back to the sender.
type Result struct {
	Outcome  Outcome
	TenantID string
	Event    string
}

// Applier mutates tenant data for an accepted delivery.
type Applier interface {
	Apply(ctx context.Context, res models.TrackedResource, event string, payload []byte) error
}

type Router struct {
	deliveries   *repository.WebhookDeliveryRepository
	resources    *repository.TrackedResourceRepository
	integrations *repository.IntegrationRepository
	applier      Applier
	clock        ratelimit.Clock
	maxBytes     int
	ttl          time.Duration
}

func NewRouter(deliveries *repository.WebhookDeliveryRepository, resources *repository.TrackedResourceRepository, integrations *repository.IntegrationRepository, applier Applier) *Router {
	return &Router{
		deliveries:   deliveries,
		resources:    resources,
		integrations: integrations,
		applier:      applier,
		clock:        ratelimit.SystemClock{},
		maxBytes:     DefaultMaxPayloadBytes,
		ttl:          DefaultDeliveryTTL,
	}
}

// SetClock replaces the wall clock (tests)
func (r *Router) SetClock(clock ratelimit.Clock) {
	r.clock = clock
}

// SetLimits configures the payload size cap and how long a delivery id is
// remembered. Non-positive values keep the defaults.
func (r *Router) SetLimits(maxBytes int, ttl time.Duration) {
	if maxBytes > 0 {
		r.maxBytes = maxBytes
	}
	if ttl > 0 {
		r.ttl = ttl
	}
}

// MaxBytes returns the payload size cap
func (r *Router) MaxBytes() int {
	return r.maxBytes
}

type envelope struct {
	Repository *struct {
		ID json.Number `json:"id"`
	} `json:"repository"`
}

// Route verifies one delivery and, when it is accepted, applies it to the
// owning tenant's data. Oversized payloads fail with CodePayloadTooLarge.
func (r *Router) Route(ctx context.Context, event string, payload []byte, signature, deliveryID string) (Result, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		log.Printf("Warning: rejecting %s webhook without delivery id", event)
		return Result{Outcome: OutcomeUnauthorized, Event: event}, nil
	}

	now := r.clock.Now()
	seen, err := r.deliveries.Seen(ctx, deliveryID, now)
	if err != nil {
		return Result{}, err
	}
	if seen {
		log.Printf("Delivery %s already processed, skipping", deliveryID)
		return Result{Outcome: OutcomeDuplicate, Event: event}, nil
	}

	if len(payload) > r.maxBytes {
		return Result{}, syncerr.New(syncerr.CodePayloadTooLarge, "route webhook", fmt.Errorf("payload is %d bytes, limit %d", len(payload), r.maxBytes))
	}

	upstreamID, err := upstreamResourceID(payload)
	if err != nil {
		log.Printf("Warning: delivery %s has no usable repository id: %v", deliveryID, err)
		return Result{Outcome: OutcomeUnauthorized, Event: event}, nil
	}

	res, err := r.match(ctx, upstreamID, payload, signature)
	if err != nil {
		return Result{}, err
	}
	if res == nil {
		log.Printf("Warning: delivery %s did not match any tracked resource signature", deliveryID)
		return Result{Outcome: OutcomeUnauthorized, Event: event}, nil
	}

	claimed, err := r.deliveries.Claim(ctx, deliveryID, res.TenantID, event, now, r.ttl)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		return Result{Outcome: OutcomeDuplicate, Event: event}, nil
	}

	if err := r.applier.Apply(ctx, *res, event, payload); err != nil {
		return Result{}, fmt.Errorf("failed to apply %s delivery %s: %w", event, deliveryID, err)
	}

	log.Printf("Accepted %s delivery %s for resource %s", event, deliveryID, res.ID)
	return Result{Outcome: OutcomeAccepted, TenantID: res.TenantID, Event: event}, nil
}

// match scans the candidate set and returns the first resource whose
// integration secret produced signature. It returns nil when none did.
func (r *Router) match(ctx context.Context, upstreamID string, payload []byte, signature string) (*models.TrackedResource, error) {
	provided, ok := decodeSignature(signature)
	if !ok {
		return nil, nil
	}

	candidates, err := r.resources.ListActiveByUpstreamID(ctx, upstreamID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.IntegrationID)
	}
	integrations, err := r.integrations.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		integration, ok := integrations[candidates[i].IntegrationID]
		if !ok || integration.WebhookSecret == "" {
			continue
		}
		if hmac.Equal(provided, Sign([]byte(integration.WebhookSecret), payload)) {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// Sign returns the raw HMAC-SHA256 of payload under secret.
func Sign(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureHeader renders the signature header value for payload.
func SignatureHeader(secret, payload []byte) string {
	return signaturePrefix + hex.EncodeToString(Sign(secret, payload))
}

func decodeSignature(header string) ([]byte, bool) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return nil, false
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil || len(raw) != sha256.Size {
		return nil, false
	}
	return raw, true
}

func upstreamResourceID(payload []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("failed to parse envelope: %w", err)
	}
	if env.Repository == nil || env.Repository.ID == "" {
		return "", errors.New("missing repository.id")
	}
	return env.Repository.ID.String(), nil
}
