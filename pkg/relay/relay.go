// Package relay fans document broadcasts out across server instances over
// Redis pub/sub. It is delivery-only: the payloads are already-encoded
// wire envelopes stamped by the instance that owns the document, and a
// subscriber never re-applies or re-versions them. Each instance tags what
// it publishes with a random id and drops its own messages on the way back
// in, so local sessions hear every broadcast exactly once.
//
// Version authority itself is coordinated through a per-document ownership
// claim, a Redis key with a TTL. Exactly one instance holds the claim and
// applies operations; the others serve read-only delivery until the claim
// expires or is released.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ownerTTL is how long an ownership claim lives without a refresh. A
// crashed owner frees its documents after at most this long.
const ownerTTL = 30 * time.Second

type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Redis relays broadcasts through one Redis channel per document.
type Redis struct {
	client     *redis.Client
	instanceID string
	log        *slog.Logger
}

// NewRedis wraps a connected client. The caller owns the client's
// lifecycle.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:     client,
		instanceID: uuid.NewString(),
		log:        logger,
	}
}

func channelFor(documentID string) string {
	return "cowrite:doc:" + documentID
}

// Publish sends an encoded wire envelope to every other instance carrying
// sessions for the document.
func (r *Redis) Publish(ctx context.Context, documentID string, payload []byte) error {
	data, err := json.Marshal(envelope{Origin: r.instanceID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, channelFor(documentID), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channelFor(documentID), err)
	}
	return nil
}

// Subscribe returns a stream of payloads published by other instances for
// the document. The stream closes when ctx is cancelled.
func (r *Redis) Subscribe(ctx context.Context, documentID string) (<-chan []byte, error) {
	pubsub := r.client.Subscribe(ctx, channelFor(documentID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channelFor(documentID), err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				payload, deliver := unwrap([]byte(msg.Payload), r.instanceID)
				if !deliver {
					continue
				}
				select {
				case out <- payload:
				default:
					r.log.Warn("dropping relayed message, subscriber stalled", "channel", msg.Channel)
				}
			}
		}
	}()
	return out, nil
}

func ownerKeyFor(documentID string) string {
	return "cowrite:owner:" + documentID
}

// Claim tries to take version authority for a document. It reports true
// when this instance holds the claim afterward, including when it already
// held it from an earlier call.
func (r *Redis) Claim(ctx context.Context, documentID string) (bool, error) {
	key := ownerKeyFor(documentID)
	ok, err := r.client.SetNX(ctx, key, r.instanceID, ownerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if ok {
		return true, nil
	}
	holder, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("read claim %s: %w", key, err)
	}
	return holder == r.instanceID, nil
}

// Refresh extends a held claim. An instance that lost its claim, say
// after a long pause, gets an error instead of resurrected ownership.
func (r *Redis) Refresh(ctx context.Context, documentID string) error {
	key := ownerKeyFor(documentID)
	holder, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("read claim %s: %w", key, err)
	}
	if holder != r.instanceID {
		return fmt.Errorf("claim %s is held by another instance", key)
	}
	if err := r.client.Expire(ctx, key, ownerTTL).Err(); err != nil {
		return fmt.Errorf("refresh claim %s: %w", key, err)
	}
	return nil
}

// Release drops a held claim. Claims held by other instances, or already
// expired, are left alone.
func (r *Redis) Release(ctx context.Context, documentID string) error {
	key := ownerKeyFor(documentID)
	holder, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read claim %s: %w", key, err)
	}
	if holder != r.instanceID {
		return nil
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release claim %s: %w", key, err)
	}
	return nil
}

// unwrap extracts the payload and reports whether it should be delivered
// locally. Messages this instance published itself are filtered out, as is
// anything that does not parse.
func unwrap(data []byte, self string) ([]byte, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}
	if env.Origin == "" || env.Origin == self {
		return nil, false
	}
	return env.Payload, true
}
