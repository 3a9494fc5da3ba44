package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"portfolio-backoffice/internal/config"
)

// Message is the broker envelope. SpaceCode rides here because tenant
// binding happens from the message context, never from the task row.
type Message struct {
	BrokerID  string         `json:"broker_id"`
	TaskID    int64          `json:"task_id"`
	Kind      string         `json:"kind"`
	SpaceCode string         `json:"space_code"`
	Queue     string         `json:"queue"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

// Broker coordinates named work queues and in-flight leases in Redis.
type Broker struct {
	client      *redis.Client
	queues      []string
	inflightKey string
	msgPrefix   string
	leaseTTL    time.Duration
}

// NewBroker builds a broker client from config.
func NewBroker(cfg config.Config) *Broker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return newBroker(client, cfg.Queues, cfg.LeaseTimeout)
}

// NewBrokerWithClient wires an existing client; used by tests.
func NewBrokerWithClient(client *redis.Client, queues []string, leaseTTL time.Duration) *Broker {
	return newBroker(client, queues, leaseTTL)
}

func newBroker(client *redis.Client, queues []string, leaseTTL time.Duration) *Broker {
	if len(queues) == 0 {
		queues = []string{"backend-background-queue"}
	}
	if leaseTTL == 0 {
		leaseTTL = 30 * time.Second
	}
	return &Broker{
		client:      client,
		queues:      queues,
		inflightKey: "broker:inflight",
		msgPrefix:   "broker:msg:",
		leaseTTL:    leaseTTL,
	}
}

func (b *Broker) queueKey(name string) string {
	return "broker:queue:" + name
}

func (b *Broker) msgKey(brokerID string) string {
	return b.msgPrefix + brokerID
}

// Send publishes a message to the named queue and returns its broker id.
func (b *Broker) Send(ctx context.Context, msg Message) (string, error) {
	if msg.Kind == "" {
		return "", fmt.Errorf("message kind is required")
	}
	if msg.Queue == "" {
		msg.Queue = b.queues[0]
	}
	msg.BrokerID = uuid.New().String()
	msg.SentAt = time.Now().UTC()

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.msgKey(msg.BrokerID), body, 0)
	pipe.RPush(ctx, b.queueKey(msg.Queue), msg.BrokerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return msg.BrokerID, nil
}

// DequeueWithLease pops the next message across queues in configured order
// and places it in-flight with a lease deadline. Returns nil when all
// queues are empty.
func (b *Broker) DequeueWithLease(ctx context.Context) (*Message, error) {
	keys := make([]string, 0, len(b.queues)+1)
	for _, q := range b.queues {
		keys = append(keys, b.queueKey(q))
	}
	keys = append(keys, b.inflightKey)

	res, err := dequeueScript.Run(ctx, b.client, keys, time.Now().Add(b.leaseTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	brokerID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	body, err := b.client.Get(ctx, b.msgKey(brokerID)).Bytes()
	if err == redis.Nil {
		// Revoked between pop and fetch; treat as empty.
		_ = b.client.ZRem(ctx, b.inflightKey, brokerID).Err()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", brokerID, err)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message %s: %w", brokerID, err)
	}
	return &msg, nil
}

// ExtendLease pushes the lease deadline forward for an in-flight message.
func (b *Broker) ExtendLease(ctx context.Context, brokerID string, extension time.Duration) error {
	return b.client.ZAdd(ctx, b.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: brokerID,
	}).Err()
}

// Ack removes a message from in-flight tracking and deletes its body.
func (b *Broker) Ack(ctx context.Context, brokerID string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey, brokerID)
	pipe.Del(ctx, b.msgKey(brokerID))
	_, err := pipe.Exec(ctx)
	return err
}

// Revoke removes a message wherever it currently sits. Best-effort: a
// message already being processed keeps running until the handler observes
// the canceled task status.
func (b *Broker) Revoke(ctx context.Context, brokerID string) error {
	pipe := b.client.TxPipeline()
	for _, q := range b.queues {
		pipe.LRem(ctx, b.queueKey(q), 0, brokerID)
	}
	pipe.ZRem(ctx, b.inflightKey, brokerID)
	pipe.Del(ctx, b.msgKey(brokerID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, pushing the messages back
// onto their original queues.
func (b *Broker) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		queue := b.queues[0]
		if body, gerr := b.client.Get(ctx, b.msgKey(id)).Bytes(); gerr == nil {
			var msg Message
			if jerr := json.Unmarshal(body, &msg); jerr == nil && msg.Queue != "" {
				queue = msg.Queue
			}
		}
		pipe.ZRem(ctx, b.inflightKey, id)
		pipe.RPush(ctx, b.queueKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Depth returns the total length of all configured queues.
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(b.queues))
	for _, q := range b.queues {
		cmds = append(cmds, pipe.LLen(ctx, b.queueKey(q)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// Close releases the underlying client.
func (b *Broker) Close() error {
	return b.client.Close()
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)
