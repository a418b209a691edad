//go:build integration

package relay_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kgo"

	"caseflow/internal/config"
	"caseflow/internal/events"
	"caseflow/internal/relay"
)

func TestKafkaSinkPublishesToRedpanda(t *testing.T) {
	ctx := context.Background()
	container, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v23.3.3", redpanda.WithAutoCreateTopics())
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, container)
	broker, err := container.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	cfg := config.KafkaConfig{Brokers: []string{broker}, Topic: "caseflow.case-events"}
	sink, err := relay.NewKafkaSink(cfg)
	require.NoError(t, err)

	eng := newEngine(t)
	d := newDispatcher(eng, sink)
	defer d.Close()
	d.DispatchOnce(ctx)

	c := createCase(t, eng, "Estate of K. Afka")
	d.DispatchOnce(ctx)

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	fetches := consumer.PollFetches(fetchCtx)
	require.NoError(t, fetches.Err())
	records := fetches.Records()
	require.NotEmpty(t, records)

	var env relay.Envelope
	require.NoError(t, json.Unmarshal(records[0].Value, &env))
	assert.Equal(t, events.CaseCreated, env.Type)
	assert.Equal(t, c.ID, string(records[0].Key))
}
