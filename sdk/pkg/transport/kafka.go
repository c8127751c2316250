package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/config"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
)

// Kafka Kafka 传输
//
// 队列是一个多分区主题，消息用手动分区器写入指定分区，消费组为 <queue>-consumers。
// 事件主题只有一个分区，订阅即消费组，offset 在主题内全序。
// 每个 (主题, 组, 分区) 由一个 kafkaReader 顺序读取：Ack 提交 offset+1，
// Nack 把消息留在 reader 上，下一次读取先返回它。
type Kafka struct {
	cfg    *config.KafkaConfig
	logger *zap.Logger

	mu       sync.Mutex
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	admin    sarama.ClusterAdmin
	offsets  map[string]sarama.OffsetManager
	readers  map[readerKey]*kafkaReader
	starts   map[readerKey]StartPosition
	declared map[string]struct{}
	closed   chan struct{}

	declare singleflight.Group
}

type readerKey struct {
	topic     string
	group     string
	partition int32
}

func NewKafka(cfg *config.KafkaConfig, l *zap.Logger) *Kafka {
	return &Kafka{
		cfg:    cfg,
		logger: logger.OrDefault(l).Named("transport.kafka"),
	}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) saramaConfig() (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = k.cfg.ClientID
	if k.cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(k.cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("parse kafka version: %w", err)
		}
		sc.Version = v
	} else {
		sc.Version = sarama.V2_6_0_0
	}
	sc.Producer.Partitioner = sarama.NewManualPartitioner
	sc.Producer.RequiredAcks = sarama.RequiredAcks(k.cfg.RequiredAcks)
	if k.cfg.Timeout > 0 {
		sc.Producer.Timeout = k.cfg.Timeout
		sc.Net.DialTimeout = k.cfg.Timeout
	}
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	if k.cfg.Security.Enabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = k.cfg.Security.Username
		sc.Net.SASL.Password = k.cfg.Security.Password
	}
	return sc, nil
}

func (k *Kafka) Open(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.client != nil {
		return nil
	}
	if len(k.cfg.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty")
	}

	sc, err := k.saramaConfig()
	if err != nil {
		return err
	}
	client, err := sarama.NewClient(k.cfg.Brokers, sc)
	if err != nil {
		return fmt.Errorf("failed to create kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		producer.Close()
		client.Close()
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	// 独立的 admin 连接：FromClient 版本的 Close 会连带关闭 client
	admin, err := sarama.NewClusterAdmin(k.cfg.Brokers, sc)
	if err != nil {
		consumer.Close()
		producer.Close()
		client.Close()
		return fmt.Errorf("failed to create kafka admin: %w", err)
	}

	k.client, k.producer, k.consumer, k.admin = client, producer, consumer, admin
	k.offsets = make(map[string]sarama.OffsetManager)
	k.readers = make(map[readerKey]*kafkaReader)
	k.starts = make(map[readerKey]StartPosition)
	k.declared = make(map[string]struct{})
	k.closed = make(chan struct{})
	k.logger.Info("kafka transport opened", zap.Strings("brokers", k.cfg.Brokers))
	return nil
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.client == nil {
		return nil
	}
	close(k.closed)

	var err error
	for _, r := range k.readers {
		err = multierr.Append(err, r.close())
	}
	for _, om := range k.offsets {
		err = multierr.Append(err, om.Close())
	}
	err = multierr.Combine(err, k.consumer.Close(), k.producer.Close(), k.admin.Close(), k.client.Close())
	k.client, k.producer, k.consumer, k.admin = nil, nil, nil, nil
	k.readers = nil
	k.offsets = nil
	return err
}

func (k *Kafka) createTopic(topic string, partitions int32) error {
	k.mu.Lock()
	if k.client == nil {
		k.mu.Unlock()
		return ErrClosed
	}
	if _, ok := k.declared[topic]; ok {
		k.mu.Unlock()
		return nil
	}
	admin := k.admin
	k.mu.Unlock()

	_, err, _ := k.declare.Do(topic, func() (interface{}, error) {
		err := admin.CreateTopic(topic, &sarama.TopicDetail{
			NumPartitions:     partitions,
			ReplicationFactor: k.cfg.ReplicationFactor,
		}, false)
		var te *sarama.TopicError
		if err != nil && !(errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) {
			return nil, fmt.Errorf("create topic %s: %w", topic, err)
		}
		k.mu.Lock()
		if k.declared != nil {
			k.declared[topic] = struct{}{}
		}
		k.mu.Unlock()
		return nil, nil
	})
	return err
}

func (k *Kafka) DeclareQueue(ctx context.Context, queue string, partitions int) error {
	return k.createTopic(queue, int32(partitions))
}

func (k *Kafka) Enqueue(ctx context.Context, queue string, partition int, msg *Message) error {
	return k.send(queue, int32(partition), msg)
}

func (k *Kafka) Dequeue(ctx context.Context, queue string, partition int) (Delivery, error) {
	r, err := k.reader(readerKey{topic: queue, group: queueGroup(queue), partition: int32(partition)}, StartEarliest)
	if err != nil {
		return nil, err
	}
	return r.next(ctx)
}

func (k *Kafka) DeclareTopic(ctx context.Context, topic string) error {
	return k.createTopic(topic, 1)
}

func (k *Kafka) Subscribe(ctx context.Context, topic, subscription string, from StartPosition) error {
	if err := k.createTopic(topic, 1); err != nil {
		return err
	}
	key := readerKey{topic: topic, group: subscription}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.starts == nil {
		return ErrClosed
	}
	if _, ok := k.starts[key]; !ok {
		k.starts[key] = from
	}
	return nil
}

func (k *Kafka) Publish(ctx context.Context, topic string, msg *Message) error {
	return k.send(topic, 0, msg)
}

func (k *Kafka) Receive(ctx context.Context, topic, subscription string) (Delivery, error) {
	key := readerKey{topic: topic, group: subscription}
	k.mu.Lock()
	from, ok := k.starts[key]
	k.mu.Unlock()
	if !ok {
		from = StartLatest
		if err := k.Subscribe(ctx, topic, subscription, from); err != nil {
			return nil, err
		}
	}
	r, err := k.reader(key, from)
	if err != nil {
		return nil, err
	}
	return r.next(ctx)
}

func (k *Kafka) send(topic string, partition int32, msg *Message) error {
	k.mu.Lock()
	producer := k.producer
	k.mu.Unlock()
	if producer == nil {
		return ErrClosed
	}

	pm := &sarama.ProducerMessage{
		Topic:     topic,
		Partition: partition,
		Value:     sarama.ByteEncoder(msg.Body),
		Headers:   []sarama.RecordHeader{{Key: []byte(headerMessageID), Value: []byte(msg.ID)}},
	}
	if msg.Key != "" {
		pm.Key = sarama.StringEncoder(msg.Key)
	}
	for hk, hv := range msg.Headers {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(hk), Value: []byte(hv)})
	}
	_, _, err := producer.SendMessage(pm)
	return err
}

// headerMessageID 消息ID在 Kafka 记录头中的键
const headerMessageID = "x-message-id"

func (k *Kafka) reader(key readerKey, from StartPosition) (*kafkaReader, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.client == nil {
		return nil, ErrClosed
	}
	if r, ok := k.readers[key]; ok {
		return r, nil
	}

	om, ok := k.offsets[key.group]
	if !ok {
		var err error
		om, err = sarama.NewOffsetManagerFromClient(key.group, k.client)
		if err != nil {
			return nil, fmt.Errorf("offset manager for %s: %w", key.group, err)
		}
		k.offsets[key.group] = om
	}
	pom, err := om.ManagePartition(key.topic, key.partition)
	if err != nil {
		return nil, fmt.Errorf("manage partition %s/%d: %w", key.topic, key.partition, err)
	}
	offset, _ := pom.NextOffset()
	if offset < 0 {
		// 没有已提交的位置
		offset = sarama.OffsetOldest
		if from == StartLatest {
			offset = sarama.OffsetNewest
		}
	}
	pc, err := k.consumer.ConsumePartition(key.topic, key.partition, offset)
	if err != nil {
		pom.Close()
		return nil, fmt.Errorf("consume partition %s/%d: %w", key.topic, key.partition, err)
	}

	r := &kafkaReader{pc: pc, pom: pom, closed: k.closed}
	k.readers[key] = r
	return r, nil
}

// kafkaReader 单个分区的顺序读取器
type kafkaReader struct {
	mu      sync.Mutex
	pc      sarama.PartitionConsumer
	pom     sarama.PartitionOffsetManager
	closed  <-chan struct{}
	pending *sarama.ConsumerMessage
	attempt int
}

func (r *kafkaReader) next(ctx context.Context) (Delivery, error) {
	r.mu.Lock()
	cm := r.pending
	attempt := r.attempt
	r.mu.Unlock()

	if cm == nil {
		select {
		case m, ok := <-r.pc.Messages():
			if !ok {
				return nil, ErrClosed
			}
			cm, attempt = m, 1
		case <-r.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	r.pending, r.attempt = cm, attempt
	r.mu.Unlock()

	return &delivery{
		msg:       fromConsumerMessage(cm),
		partition: int(cm.Partition),
		offset:    cm.Offset,
		attempt:   attempt,
		ack: func(context.Context) error {
			r.pom.MarkOffset(cm.Offset+1, "")
			r.mu.Lock()
			r.pending, r.attempt = nil, 0
			r.mu.Unlock()
			return nil
		},
		nack: func(context.Context) error {
			r.mu.Lock()
			r.attempt++
			r.mu.Unlock()
			return nil
		},
	}, nil
}

func (r *kafkaReader) close() error {
	return multierr.Combine(r.pc.Close(), r.pom.Close())
}

func fromConsumerMessage(cm *sarama.ConsumerMessage) *Message {
	msg := &Message{Key: string(cm.Key), Body: cm.Value}
	for _, h := range cm.Headers {
		if h == nil {
			continue
		}
		if string(h.Key) == headerMessageID {
			msg.ID = string(h.Value)
			continue
		}
		if msg.Headers == nil {
			msg.Headers = make(map[string]string, len(cm.Headers))
		}
		msg.Headers[string(h.Key)] = string(h.Value)
	}
	return msg
}
