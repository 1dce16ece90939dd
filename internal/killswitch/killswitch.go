// Package killswitch holds a pause flag shared by every process instance.
// While active, automated jobs and guarded write endpoints stand down.
package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/autocash/internal/audit"
	"github.com/onnwee/autocash/internal/store"
)

// DefaultKey is the Redis key holding the switch state.
const DefaultKey = "autocash:killswitch"

// State is the current switch position.
type State struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	ChangedBy string    `json:"changed_by,omitempty"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

// Switch reads and writes the shared state.
type Switch interface {
	State(ctx context.Context) (State, error)
	Set(ctx context.Context, s State) error
}

// RedisSwitch stores the state as JSON under a single key with no expiry.
type RedisSwitch struct {
	client *redis.Client
	key    string
}

// NewRedisSwitch creates a Redis-backed switch. An empty key uses DefaultKey.
func NewRedisSwitch(client *redis.Client, key string) *RedisSwitch {
	if key == "" {
		key = DefaultKey
	}
	return &RedisSwitch{client: client, key: key}
}

// State returns the stored state; a missing key means inactive.
func (r *RedisSwitch) State(ctx context.Context) (State, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read kill switch: %w", err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("failed to decode kill switch: %w", err)
	}
	return s, nil
}

// Set stores s.
func (r *RedisSwitch) Set(ctx context.Context, s State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to write kill switch: %w", err)
	}
	return nil
}

// MemorySwitch is a process-local switch for single-instance development.
type MemorySwitch struct {
	mu    sync.RWMutex
	state State
}

// NewMemorySwitch creates an inactive in-memory switch.
func NewMemorySwitch() *MemorySwitch {
	return &MemorySwitch{}
}

// State returns the current state.
func (m *MemorySwitch) State(ctx context.Context) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, nil
}

// Set replaces the state.
func (m *MemorySwitch) Set(ctx context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	return nil
}

// Controller changes the switch and records every change in the audit log.
type Controller struct {
	sw    Switch
	store store.Store
	now   func() time.Time
}

// NewController creates a controller.
func NewController(sw Switch, st store.Store) *Controller {
	return &Controller{sw: sw, store: st, now: time.Now}
}

// Switch returns the underlying switch.
func (c *Controller) Switch() Switch {
	return c.sw
}

// Set moves the switch and appends a killswitch_changed audit entry. The
// switch is written first, so a failed audit append is reported but the
// new position stays in effect.
func (c *Controller) Set(ctx context.Context, active bool, reason, actor string) (State, error) {
	s := State{Active: active, Reason: reason, ChangedBy: actor, ChangedAt: c.now().UTC()}
	if err := c.sw.Set(ctx, s); err != nil {
		return State{}, err
	}

	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.Audit().Append(ctx, audit.Entry{
			Action: audit.ActionKillSwitchChanged,
			Details: map[string]any{
				"active":     active,
				"reason":     reason,
				"changed_by": actor,
			},
		})
		return err
	})
	if err != nil {
		return s, fmt.Errorf("kill switch changed but audit failed: %w", err)
	}
	return s, nil
}
