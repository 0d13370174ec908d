package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// taskEvent is what notifiers publish for a newly queued task.
type taskEvent struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	Attempts int    `json:"attempts"`
}

func encodeTask(t *models.WorkerTask) ([]byte, error) {
	return json.Marshal(taskEvent{TaskID: t.ID, TaskType: t.TaskType, Attempts: t.Attempts})
}

// ── Redis ───────────────────────────────────────────────────

// RedisNotifier PUBLISHes queued tasks so remote workers can long-poll a
// channel instead of hammering Claim.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier connects to url (redis://host:port/db) and pings it.
func NewRedisNotifier(ctx context.Context, url, channel string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Str("channel", channel).Msg("📣 Redis task notifications enabled")
	return &RedisNotifier{client: client, channel: channel}, nil
}

// NewRedisNotifierWithClient wraps an existing client.
func NewRedisNotifierWithClient(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (r *RedisNotifier) NotifyTask(ctx context.Context, t *models.WorkerTask) error {
	payload, err := encodeTask(t)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisNotifier) Close() error { return r.client.Close() }

// ── Watermill (in-process) ──────────────────────────────────

// WatermillNotifier fans queued tasks out to in-process workers over a
// watermill GoChannel.
type WatermillNotifier struct {
	pubsub *gochannel.GoChannel
	topic  string

	closeOnce sync.Once
}

// NewWatermillNotifier creates an in-memory pub/sub on topic.
func NewWatermillNotifier(topic string) *WatermillNotifier {
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, watermill.NopLogger{})
	return &WatermillNotifier{pubsub: ps, topic: topic}
}

func (w *WatermillNotifier) NotifyTask(_ context.Context, t *models.WorkerTask) error {
	payload, err := encodeTask(t)
	if err != nil {
		return err
	}
	return w.pubsub.Publish(w.topic, message.NewMessage(watermill.NewUUID(), payload))
}

// Wake returns a channel that receives a value whenever a task is queued.
// Signals coalesce: a slow reader sees at most one pending wake-up.
func (w *WatermillNotifier) Wake(ctx context.Context) (<-chan struct{}, error) {
	msgs, err := w.pubsub.Subscribe(ctx, w.topic)
	if err != nil {
		return nil, err
	}
	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		for msg := range msgs {
			msg.Ack()
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return wake, nil
}

func (w *WatermillNotifier) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.pubsub.Close() })
	return err
}
