// Package deadletter keeps callback notifications that could not be delivered.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vyvo/pagesmith/pkg/notify"
)

const (
	indexKey  = "pagesmith:deadletters"
	letterTTL = 14 * 24 * time.Hour
)

// ErrNotFound is returned for unknown letter ids.
var ErrNotFound = errors.New("dead letter not found")

// Letter is an undeliverable notification with enough context to resend it.
type Letter struct {
	ID           string              `json:"id"`
	CallbackURL  string              `json:"callback_url"`
	Notification notify.Notification `json:"notification"`
	Error        string              `json:"error"`
	CreatedAt    int64               `json:"created_at"`
}

// Store persists letters in Redis: one JSON value per letter plus a sorted index.
type Store struct {
	redis *redis.Client
	now   func() time.Time
}

var _ notify.DeadLetterSink = (*Store)(nil)

func NewStore(redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{redis: client, now: time.Now}, nil
}

func letterKey(id string) string {
	return fmt.Sprintf("pagesmith:deadletter:%s", id)
}

// Save implements notify.DeadLetterSink.
func (s *Store) Save(ctx context.Context, callbackURL string, n notify.Notification, cause error) (string, error) {
	letter := Letter{
		ID:           uuid.NewString(),
		CallbackURL:  callbackURL,
		Notification: n,
		CreatedAt:    s.now().Unix(),
	}
	if cause != nil {
		letter.Error = cause.Error()
	}

	data, err := json.Marshal(letter)
	if err != nil {
		return "", err
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, letterKey(letter.ID), data, letterTTL)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(letter.CreatedAt), Member: letter.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return letter.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Letter, error) {
	data, err := s.redis.Get(ctx, letterKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var letter Letter
	if err := json.Unmarshal(data, &letter); err != nil {
		return nil, err
	}
	return &letter, nil
}

// List returns stored letters, oldest first. Index entries whose value expired are
// pruned on the way.
func (s *Store) List(ctx context.Context) ([]Letter, error) {
	ids, err := s.redis.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	letters := make([]Letter, 0, len(ids))
	for _, id := range ids {
		letter, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.redis.ZRem(ctx, indexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		letters = append(letters, *letter)
	}
	return letters, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	pipe := s.redis.TxPipeline()
	del := pipe.Del(ctx, letterKey(id))
	pipe.ZRem(ctx, indexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// Resend delivers letter id once through n and removes it on success.
func (s *Store) Resend(ctx context.Context, id string, n *notify.Notifier) error {
	letter, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := n.Send(ctx, letter.CallbackURL, letter.Notification); err != nil {
		return fmt.Errorf("resend %s: %w", id, err)
	}
	return s.Remove(ctx, id)
}

func (s *Store) Close() error {
	return s.redis.Close()
}
