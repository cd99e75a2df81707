package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBroker implements Subscriber and Publisher on Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(addr, password string, db int) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBroker{client: client}, nil
}

// NewRedisBrokerFromClient wraps an existing client.
func NewRedisBrokerFromClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Subscribe starts consuming topic. The subscription is confirmed by Redis
// before Subscribe returns, so nothing published afterwards is missed.
func (r *RedisBroker) Subscribe(ctx context.Context, topic string, handler MessageHandler, key KeyFunc) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	messages := pubsub.Channel()
	files := make(chan *File)
	stop := make(chan struct{})
	go func() {
		defer close(files)
		for {
			select {
			case <-stop:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var f File
				if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
					log.Warn().Err(err).Str("topic", topic).Msg("Dropping undecodable receiver message")
					continue
				}
				select {
				case files <- &f:
				case <-stop:
					return
				}
			}
		}
	}()

	return consume(ctx, files, handler, key, func() {
		close(stop)
		if err := pubsub.Close(); err != nil {
			log.Debug().Err(err).Str("topic", topic).Msg("Failed to close subscription")
		}
	}), nil
}

// Publish sends a file to topic.
func (r *RedisBroker) Publish(ctx context.Context, topic string, f *File) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode file: %w", err)
	}
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (r *RedisBroker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisBroker) Close() error {
	return r.client.Close()
}
