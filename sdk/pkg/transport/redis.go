package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/config"
	jxtjson "github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/json"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
)

// Redis Redis Streams 传输
//
// 队列分区对应流 <prefix><queue>:<p>，消费者组 <queue>-consumers；
// 主题对应流 <prefix><topic>，每个订阅一个消费者组。
// 读取时先取本消费者的待确认消息，Nack 即不确认，下次读取会先拿到它。
// 定时任务用 XAUTOCLAIM 把其他（已失效）消费者长期未确认的消息认领过来。
type Redis struct {
	client   redis.UniversalClient
	owned    bool
	cfg      config.RedisStreamConfig
	consumer string
	logger   *zap.Logger

	mu       sync.Mutex
	groups   map[streamGroup]struct{} // 供认领任务遍历
	attempts map[string]int
	cron     *cron.Cron
	open     bool
}

// NewRedis 使用已有客户端；owned 为 true 时 Close 会关闭客户端
func NewRedis(client redis.UniversalClient, owned bool, cfg config.RedisStreamConfig, consumer string, l *zap.Logger) *Redis {
	if cfg.Block <= 0 {
		cfg.Block = 500 * time.Millisecond
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = time.Minute
	}
	return &Redis{
		client:   client,
		owned:    owned,
		cfg:      cfg,
		consumer: consumer,
		logger:   logger.OrDefault(l).Named("transport.redis"),
		groups:   make(map[streamGroup]struct{}),
		attempts: make(map[string]int),
	}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open {
		return nil
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	if r.cfg.ReclaimSpec != "" {
		r.cron = cron.New()
		if _, err := r.cron.AddFunc(r.cfg.ReclaimSpec, r.reclaim); err != nil {
			return fmt.Errorf("redis reclaim schedule %q: %w", r.cfg.ReclaimSpec, err)
		}
		r.cron.Start()
	}
	r.open = true
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return nil
	}
	r.open = false
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if r.owned {
		return r.client.Close()
	}
	return nil
}

func (r *Redis) isOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func (r *Redis) queueStream(queue string, partition int) string {
	return fmt.Sprintf("%s%s:%d", r.cfg.Prefix, queue, partition)
}

func (r *Redis) topicStream(topic string) string {
	return r.cfg.Prefix + topic
}

type streamGroup struct {
	stream string
	group  string
}

func queueGroup(queue string) string {
	return queue + "-consumers"
}

// ensureGroup 创建消费者组，已存在时忽略
func (r *Redis) ensureGroup(ctx context.Context, stream, group, start string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	r.mu.Lock()
	r.groups[streamGroup{stream, group}] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *Redis) DeclareQueue(ctx context.Context, queue string, partitions int) error {
	for p := 0; p < partitions; p++ {
		if err := r.ensureGroup(ctx, r.queueStream(queue, p), queueGroup(queue), "0"); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) Enqueue(ctx context.Context, queue string, partition int, msg *Message) error {
	return r.add(ctx, r.queueStream(queue, partition), msg)
}

func (r *Redis) Dequeue(ctx context.Context, queue string, partition int) (Delivery, error) {
	stream := r.queueStream(queue, partition)
	group := queueGroup(queue)
	if err := r.ensureGroup(ctx, stream, group, "0"); err != nil {
		return nil, err
	}
	return r.read(ctx, stream, group, partition)
}

func (r *Redis) DeclareTopic(ctx context.Context, topic string) error {
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic, subscription string, from StartPosition) error {
	start := "0"
	if from == StartLatest {
		start = "$"
	}
	return r.ensureGroup(ctx, r.topicStream(topic), subscription, start)
}

func (r *Redis) Publish(ctx context.Context, topic string, msg *Message) error {
	return r.add(ctx, r.topicStream(topic), msg)
}

func (r *Redis) Receive(ctx context.Context, topic, subscription string) (Delivery, error) {
	stream := r.topicStream(topic)
	r.mu.Lock()
	_, known := r.groups[streamGroup{stream, subscription}]
	r.mu.Unlock()
	if !known {
		if err := r.Subscribe(ctx, topic, subscription, StartLatest); err != nil {
			return nil, err
		}
	}
	return r.read(ctx, stream, subscription, 0)
}

func (r *Redis) add(ctx context.Context, stream string, msg *Message) error {
	if !r.isOpen() {
		return ErrClosed
	}
	headers, err := jxtjson.MarshalToString(msg.Headers)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"id":      msg.ID,
			"key":     msg.Key,
			"headers": headers,
			"body":    string(msg.Body),
		},
	}
	if r.cfg.MaxLen > 0 {
		args.MaxLen = r.cfg.MaxLen
		args.Approx = true
	}
	return r.client.XAdd(ctx, args).Err()
}

// read 先读本消费者的待确认消息（上次 Nack 或进程重启前未确认的），再阻塞读新消息
func (r *Redis) read(ctx context.Context, stream, group string, partition int) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.isOpen() {
			return nil, ErrClosed
		}

		pending, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: r.consumer,
			Streams:  []string{stream, "0"},
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, r.readErr(ctx, err)
		}
		if m, ok := firstMessage(pending); ok {
			if len(m.Values) == 0 {
				// 条目已被裁剪，确认掉即可
				r.client.XAck(ctx, stream, group, m.ID)
				continue
			}
			return r.delivery(stream, group, partition, m)
		}

		fresh, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: r.consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    r.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, r.readErr(ctx, err)
		}
		if m, ok := firstMessage(fresh); ok {
			return r.delivery(stream, group, partition, m)
		}
	}
}

func (r *Redis) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return err
}

func firstMessage(streams []redis.XStream) (redis.XMessage, bool) {
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return redis.XMessage{}, false
	}
	return streams[0].Messages[0], true
}

func (r *Redis) delivery(stream, group string, partition int, m redis.XMessage) (Delivery, error) {
	msg, err := decodeStreamValues(m.Values)
	if err != nil {
		// 交给上层按无法解码处理（死信或丢弃）
		r.logger.Warn("undecodable stream entry", zap.String("stream", stream), zap.String("entryId", m.ID), zap.Error(err))
		msg.Headers = map[string]string{HeaderDecodeError: err.Error()}
	}

	key := stream + "\x00" + group + "\x00" + m.ID
	r.mu.Lock()
	r.attempts[key]++
	attempt := r.attempts[key]
	r.mu.Unlock()

	return &delivery{
		msg:       msg,
		partition: partition,
		offset:    streamOffset(m.ID),
		attempt:   attempt,
		ack: func(ctx context.Context) error {
			if err := r.client.XAck(ctx, stream, group, m.ID).Err(); err != nil {
				return err
			}
			r.mu.Lock()
			delete(r.attempts, key)
			r.mu.Unlock()
			return nil
		},
		nack: func(context.Context) error { return nil },
	}, nil
}

func decodeStreamValues(values map[string]interface{}) (*Message, error) {
	str := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	msg := &Message{ID: str("id"), Key: str("key"), Body: []byte(str("body"))}
	if h := str("headers"); h != "" && h != "null" {
		if err := jxtjson.UnmarshalFromString(h, &msg.Headers); err != nil {
			msg.Headers = nil
			return msg, fmt.Errorf("decode headers: %w", err)
		}
	}
	return msg, nil
}

// streamOffset 把流条目ID "<ms>-<seq>" 映射为单调递增的 int64
func streamOffset(id string) int64 {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return -1
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return -1
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return -1
	}
	return ms<<20 | (seq & (1<<20 - 1))
}

// reclaim 认领空闲超过 MinIdle 的待确认消息
func (r *Redis) reclaim() {
	r.mu.Lock()
	targets := make([]streamGroup, 0, len(r.groups))
	for sg := range r.groups {
		targets = append(targets, sg)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, sg := range targets {
		msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   sg.stream,
			Group:    sg.group,
			MinIdle:  r.cfg.MinIdle,
			Start:    "0-0",
			Count:    100,
			Consumer: r.consumer,
		}).Result()
		if err != nil {
			r.logger.Warn("reclaim pending entries failed", zap.String("stream", sg.stream), zap.String("group", sg.group), zap.Error(err))
			continue
		}
		if len(msgs) > 0 {
			r.logger.Info("reclaimed pending entries", zap.String("stream", sg.stream), zap.String("group", sg.group), zap.Int("count", len(msgs)))
		}
	}
}
