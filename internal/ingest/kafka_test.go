package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/Sumatoshi-tech/logshipper/internal/model"
)

// scriptedProducer fails each record according to a per-call script.
type scriptedProducer struct {
	script   []func(*kgo.Record) error
	calls    int
	produced [][]string
}

func (p *scriptedProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	step := func(*kgo.Record) error { return nil }
	if p.calls < len(p.script) {
		step = p.script[p.calls]
	}

	p.calls++

	values := make([]string, 0, len(rs))
	results := make(kgo.ProduceResults, 0, len(rs))

	for _, r := range rs {
		values = append(values, string(r.Value))
		results = append(results, kgo.ProduceResult{Record: r, Err: step(r)})
	}

	p.produced = append(p.produced, values)

	return results
}

func newTestSink(t *testing.T, p Producer) *KafkaSink {
	t.Helper()

	sink, err := NewKafkaSink(p, "flow-logs", 0, testPolicy(), nil)
	require.NoError(t, err)

	return sink
}

func TestKafkaSink_Accepted(t *testing.T) {
	t.Parallel()

	p := &scriptedProducer{}
	res := newTestSink(t, p).Send(context.Background(), batchOf(`{"a":1}`, `{"b":2}`))

	assert.Equal(t, model.Accepted, res.Outcome)
	assert.Equal(t, 2, res.AcceptedCount)
	assert.Equal(t, [][]string{{`{"a":1}`, `{"b":2}`}}, p.produced)
}

func TestKafkaSink_RetriesOnlyFailedRecords(t *testing.T) {
	t.Parallel()

	p := &scriptedProducer{script: []func(*kgo.Record) error{
		func(r *kgo.Record) error {
			if string(r.Value) == `{"b":2}` {
				return kerr.NotLeaderForPartition
			}

			return nil
		},
	}}

	res := newTestSink(t, p).Send(context.Background(), batchOf(`{"a":1}`, `{"b":2}`))

	assert.Equal(t, model.Accepted, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, [][]string{{`{"a":1}`, `{"b":2}`}, {`{"b":2}`}}, p.produced)
}

func TestKafkaSink_PermanentErrors(t *testing.T) {
	t.Parallel()

	for _, fatal := range []error{kerr.TopicAuthorizationFailed, kerr.UnknownTopicOrPartition, kerr.SaslAuthenticationFailed} {
		t.Run(fatal.Error(), func(t *testing.T) {
			t.Parallel()

			p := &scriptedProducer{script: []func(*kgo.Record) error{
				func(*kgo.Record) error { return fatal },
			}}

			res := newTestSink(t, p).Send(context.Background(), batchOf(`{"a":1}`))

			assert.Equal(t, model.RejectedPermanently, res.Outcome)
			assert.Equal(t, 1, p.calls)
			require.ErrorIs(t, res.Err(), model.ErrRejectedPermanently)
		})
	}
}

func TestKafkaSink_TransientExhaustion(t *testing.T) {
	t.Parallel()

	down := errors.New("dial tcp: connection refused")
	failing := func(*kgo.Record) error { return down }

	p := &scriptedProducer{script: []func(*kgo.Record) error{failing, failing, failing, failing, failing}}

	res := newTestSink(t, p).Send(context.Background(), batchOf(`{"a":1}`))

	assert.Equal(t, model.TransientFailure, res.Outcome)
	assert.Equal(t, 5, res.Attempts)
	assert.Contains(t, res.Reason, "connection refused")
}

func TestKafkaConfig_Validate(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, KafkaConfig{Topic: "t"}.Validate(), ErrMissingBrokers)
	require.ErrorIs(t, KafkaConfig{Brokers: []string{"b:9093"}}.Validate(), ErrMissingTopic)
	require.NoError(t, KafkaConfig{Brokers: []string{"b:9093"}, Topic: "t"}.Validate())

	_, err := NewKafkaSink(&scriptedProducer{}, "", 0, testPolicy(), nil)
	require.ErrorIs(t, err, ErrMissingTopic)
}

func TestDialKafka_BuildsClientWithoutConnecting(t *testing.T) {
	t.Parallel()

	cl, err := DialKafka(KafkaConfig{
		Brokers:      []string{"127.0.0.1:1"},
		Topic:        "flow-logs",
		ClientID:     "logshipper-test",
		SASLUser:     "$ConnectionString",
		SASLPassword: "Endpoint=sb://example/",
		TLS:          true,
	})
	require.NoError(t, err)

	cl.Close()
}
