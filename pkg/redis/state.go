package redis

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/clover/pkg/models"
)

var ErrStateNotFound = errors.New("oauth state not found or expired")

// OAuthState binds an authorize redirect to the user who started it.
type OAuthState struct {
	UserID    string          `json:"user_id"`
	Provider  models.Provider `json:"provider"`
	CreatedAt time.Time       `json:"created_at"`
}

// StateStore keeps OAuth state values for the connect flow. Each state can be consumed once.
type StateStore struct {
	client *Client
	ttl    time.Duration
}

func NewStateStore(client *Client, ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateStore{client: client, ttl: ttl}
}

func stateKey(state string) string {
	return "clover:oauth_state:" + state
}

func (s *StateStore) Issue(ctx context.Context, userID string, provider models.Provider) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	payload, err := json.Marshal(OAuthState{UserID: userID, Provider: provider, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	if err := s.client.rdb.Set(ctx, stateKey(state), payload, s.ttl).Err(); err != nil {
		return "", err
	}
	return state, nil
}

func (s *StateStore) Consume(ctx context.Context, state string) (*OAuthState, error) {
	raw, err := s.client.rdb.GetDel(ctx, stateKey(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}

	var out OAuthState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
