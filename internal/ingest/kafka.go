package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/Sumatoshi-tech/logshipper/internal/model"
	"github.com/Sumatoshi-tech/logshipper/internal/retry"
)

// Configuration errors returned by DialKafka and NewKafkaSink.
var (
	ErrMissingBrokers = errors.New("kafka brokers are required")
	ErrMissingTopic   = errors.New("kafka topic is required")
)

// Producer is the part of *kgo.Client the sink needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaConfig describes the broker connection.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	SASLUser     string
	SASLPassword string
	TLS          bool
}

// Validate checks the required fields.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrMissingBrokers
	}

	if strings.TrimSpace(c.Topic) == "" {
		return ErrMissingTopic
	}

	return nil
}

// DialKafka creates a producing client. Event Hubs namespaces are reached
// with TLS and SASL PLAIN, user "$ConnectionString".
func DialKafka(cfg KafkaConfig, extra ...kgo.Opt) (*kgo.Client, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProduceRequestTimeout(DefaultRequestTimeout),
	}

	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	if cfg.SASLUser != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: cfg.SASLUser, Pass: cfg.SASLPassword}.AsMechanism()))
	}

	opts = append(opts, extra...)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	return cl, nil
}

// KafkaSink produces each entry as one record.
type KafkaSink struct {
	producer Producer
	topic    string
	timeout  time.Duration
	policy   retry.Policy
	logger   *slog.Logger
}

// NewKafkaSink wraps producer. A per-attempt timeout of zero selects
// DefaultRequestTimeout.
func NewKafkaSink(producer Producer, topic string, timeout time.Duration, policy retry.Policy, logger *slog.Logger) (*KafkaSink, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, ErrMissingTopic
	}

	err := policy.Validate()
	if err != nil {
		return nil, fmt.Errorf("ingest retry policy: %w", err)
	}

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	if logger == nil {
		logger = slog.Default()
	}

	policy.Retryable = func(err error) bool { return !permanentKafkaError(err) }

	return &KafkaSink{producer: producer, topic: topic, timeout: timeout, policy: policy, logger: logger}, nil
}

// permanentKafkaError reports broker errors that retrying cannot fix.
func permanentKafkaError(err error) bool {
	for _, fatal := range []error{
		kerr.TopicAuthorizationFailed,
		kerr.ClusterAuthorizationFailed,
		kerr.SaslAuthenticationFailed,
		kerr.UnknownTopicOrPartition,
		kerr.InvalidTopicException,
		kerr.MessageTooLarge,
		kerr.RecordListTooLarge,
	} {
		if errors.Is(err, fatal) {
			return true
		}
	}

	var ke *kerr.Error
	if errors.As(err, &ke) {
		return !ke.Retriable
	}

	return false
}

// Send implements Client. Only records that failed are produced again on a
// retry, so a partially produced batch is not duplicated.
func (k *KafkaSink) Send(ctx context.Context, batch model.Batch) model.Result {
	if len(batch) == 0 {
		return model.Result{Outcome: model.Accepted}
	}

	pending := make([]*kgo.Record, 0, len(batch))
	for _, e := range batch {
		pending = append(pending, &kgo.Record{Topic: k.topic, Key: []byte(e.Fingerprint), Value: e.Data})
	}

	attempts, err := k.policy.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, k.timeout)
		defer cancel()

		results := k.producer.ProduceSync(ctx, pending...)

		var (
			failed   []*kgo.Record
			firstErr error
		)

		for _, r := range results {
			if r.Err == nil {
				continue
			}

			failed = append(failed, r.Record)
			if firstErr == nil || permanentKafkaError(r.Err) {
				firstErr = r.Err
			}
		}

		pending = failed
		if firstErr != nil {
			return fmt.Errorf("produce %d of %d records: %w", len(failed), len(batch), firstErr)
		}

		return nil
	}, func(err error, attempt int, wait time.Duration) {
		k.logger.WarnContext(ctx, "kafka produce failed, retrying",
			"attempt", attempt, "wait", wait, "pending", len(pending), "error", err)
	})

	res := model.Result{Attempts: attempts}

	if err == nil {
		res.Outcome = model.Accepted
		res.AcceptedCount = len(batch)

		return res
	}

	res.Reason = truncate(err.Error())
	res.Outcome = model.TransientFailure

	if permanentKafkaError(err) {
		res.Outcome = model.RejectedPermanently
	}

	return res
}
