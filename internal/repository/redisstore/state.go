// Package redisstore implements the authorization state store on Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/redis/go-redis/v9"
)

// StateRepo keeps AuthState records as JSON values with a TTL.
// Pop relies on GETDEL, which is atomic on the server.
type StateRepo struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type storedState struct {
	Instance     string    `json:"instance"`
	CallbackURL  string    `json:"callback_url"`
	NewUserURL   string    `json:"new_user_url,omitempty"`
	CodeVerifier string    `json:"code_verifier"`
	CreatedAt    time.Time `json:"created_at"`
}

// New dials Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int, prefix string, ttl time.Duration) (*StateRepo, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, prefix, ttl), nil
}

// NewWithClient wraps a pre-configured client.
func NewWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *StateRepo {
	return &StateRepo{client: client, prefix: prefix, ttl: ttl}
}

func (r *StateRepo) key(state string) string { return r.prefix + "state:" + state }

// Save stores a state; an existing token is never overwritten.
func (r *StateRepo) Save(ctx context.Context, s model.AuthState) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(storedState{
		Instance:     s.Instance,
		CallbackURL:  s.CallbackURL,
		NewUserURL:   s.NewUserURL,
		CodeVerifier: s.CodeVerifier,
		CreatedAt:    s.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(s.State), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	if !ok {
		return errs.ErrAlreadyExists
	}
	return nil
}

// Pop reads and deletes a state with GETDEL.
func (r *StateRepo) Pop(ctx context.Context, state string) (model.AuthState, error) {
	data, err := r.client.GetDel(ctx, r.key(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.AuthState{}, errs.ErrNotFound
		}
		return model.AuthState{}, fmt.Errorf("failed to pop state: %w", err)
	}
	var st storedState
	if err := json.Unmarshal(data, &st); err != nil {
		return model.AuthState{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return model.AuthState{
		State:        state,
		Instance:     st.Instance,
		CallbackURL:  st.CallbackURL,
		NewUserURL:   st.NewUserURL,
		CodeVerifier: st.CodeVerifier,
		CreatedAt:    st.CreatedAt,
	}, nil
}

// PurgeExpired is a no-op: keys expire through their TTL.
func (r *StateRepo) PurgeExpired(context.Context, time.Time) (int64, error) { return 0, nil }

// Ping checks connectivity.
func (r *StateRepo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

// Close releases the client.
func (r *StateRepo) Close() error { return r.client.Close() }
