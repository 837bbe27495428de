package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glimte/typedmq/contracts"
	"github.com/glimte/typedmq/health"
	"github.com/glimte/typedmq/internal/brokertest"
	"github.com/glimte/typedmq/internal/testproto"
	"github.com/glimte/typedmq/messaging"
	"github.com/glimte/typedmq/serialization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		level   string
		wantErr bool
		check   func(t *testing.T, out string)
	}{
		{
			name:   "text",
			format: "text",
			level:  "info",
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, "msg=hello")
			},
		},
		{
			name:   "json",
			format: "JSON",
			level:  "debug",
			check: func(t *testing.T, out string) {
				var line map[string]any
				require.NoError(t, json.Unmarshal([]byte(out), &line))
				assert.Equal(t, "hello", line["msg"])
			},
		},
		{name: "unknown format", format: "xml", level: "info", wantErr: true},
		{name: "unknown level", format: "text", level: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(&buf, tt.format, tt.level)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			logger.Info("hello")
			tt.check(t, buf.String())
		})
	}

	t.Run("level filters", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := newLogger(&buf, "text", "warn")
		require.NoError(t, err)
		logger.Info("hidden")
		assert.Empty(t, buf.String())
	})
}

func TestConfigEnvironment(t *testing.T) {
	t.Run("flags win over environment", func(t *testing.T) {
		t.Setenv(envURL, "amqp://env:5672/")
		t.Setenv(envLogLevel, "debug")
		t.Setenv(envDescriptorSet, "")
		t.Setenv(envLogFormat, "")

		cfg := config{url: "amqp://flag:5672/", logLevel: "info", logFormat: "text"}
		cfg.applyEnv(func(flag string) bool { return flag == "url" })

		assert.Equal(t, "amqp://flag:5672/", cfg.url)
		assert.Equal(t, "debug", cfg.logLevel)
		assert.Equal(t, "text", cfg.logFormat)
		assert.Empty(t, cfg.descriptorSet)
	})

	t.Run("env file does not override the process environment", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.env")
		require.NoError(t, os.WriteFile(path, []byte(envLogFormat+"=json\n"+envLogLevel+"=error\n"), 0o600))
		t.Setenv(envLogLevel, "warn")
		t.Setenv(envLogFormat, "")
		require.NoError(t, os.Unsetenv(envLogFormat))

		require.NoError(t, loadEnvFile(path, true))

		assert.Equal(t, "json", os.Getenv(envLogFormat))
		assert.Equal(t, "warn", os.Getenv(envLogLevel))
	})

	t.Run("missing env file", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "absent.env")
		assert.NoError(t, loadEnvFile(missing, false))
		assert.Error(t, loadEnvFile(missing, true))
		assert.NoError(t, loadEnvFile("", true))
	})
}

func TestLoadRegistry(t *testing.T) {
	reg, err := loadRegistry("")
	require.NoError(t, err)
	assert.Nil(t, reg)

	path := filepath.Join(t.TempDir(), "y.pb")
	require.NoError(t, os.WriteFile(path, testproto.DescriptorSet(), 0o600))
	reg, err = loadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, []string{testproto.YFullName, testproto.ZFullName}, reg.Names())

	_, err = loadRegistry(filepath.Join(t.TempDir(), "absent.pb"))
	assert.Error(t, err)
}

func TestBuildTopology(t *testing.T) {
	t.Run("exchange queue and bindings", func(t *testing.T) {
		topology, err := buildTopology(declareRequest{
			exchange:     "orders",
			exchangeType: "topic",
			queue:        "orders.created",
			bindings:     []string{"order.created", "order.updated"},
			durable:      true,
		})
		require.NoError(t, err)
		require.Len(t, topology.Exchanges, 1)
		assert.Equal(t, "topic", topology.Exchanges[0].Type)
		require.Len(t, topology.Queues, 1)
		assert.True(t, topology.Queues[0].Durable)
		require.Len(t, topology.Bindings, 2)
		assert.Equal(t, "order.updated", topology.Bindings[1].RoutingKey)
		assert.NoError(t, topology.Validate())
	})

	t.Run("dead letter queue", func(t *testing.T) {
		topology, err := buildTopology(declareRequest{queue: "orders", deadLetter: true})
		require.NoError(t, err)
		require.Len(t, topology.Exchanges, 1)
		assert.Equal(t, "orders.dlx", topology.Exchanges[0].Name)
		require.Len(t, topology.Queues, 2)
		assert.Equal(t, "orders.dlq", topology.Queues[0].Name)
		assert.Equal(t, "orders.dlx", topology.Queues[1].Arguments["x-dead-letter-exchange"])
	})

	t.Run("invalid requests", func(t *testing.T) {
		_, err := buildTopology(declareRequest{})
		assert.Error(t, err)
		_, err = buildTopology(declareRequest{deadLetter: true})
		assert.Error(t, err)
		_, err = buildTopology(declareRequest{queue: "q", bindings: []string{"k"}})
		assert.Error(t, err)
	})
}

type printed struct {
	DeliveryTag   uint64          `json:"deliveryTag"`
	Exchange      string          `json:"exchange"`
	RoutingKey    string          `json:"routingKey"`
	ContentType   string          `json:"contentType"`
	MessageID     string          `json:"messageId"`
	CorrelationID string          `json:"correlationId"`
	Headers       map[string]any  `json:"headers"`
	Body          json.RawMessage `json:"body"`
	DecodeError   string          `json:"decodeError"`
}

func readLines(t *testing.T, out *bytes.Buffer) []printed {
	t.Helper()
	var lines []printed
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		var p printed
		require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
		lines = append(lines, p)
	}
	return lines
}

func newTestBroker() (*brokertest.Broker, *brokertest.Channel) {
	broker := brokertest.New()
	broker.DeclareQueue("orders")
	broker.Bind("orders", "ex", "r1")
	return broker, broker.Channel()
}

func testRegistry(t *testing.T) *serialization.Registry {
	t.Helper()
	b := serialization.NewRegistryBuilder()
	require.NoError(t, b.RegisterDescriptorSet(testproto.DescriptorSet()))
	reg, err := b.Build()
	require.NoError(t, err)
	return reg
}

func TestPublishAndDrainBytes(t *testing.T) {
	ctx := context.Background()
	_, ch := newTestBroker()

	require.NoError(t, publish(ctx, ch, nil, slog.Default(), publishRequest{
		exchange:      "ex",
		routingKey:    "r1",
		body:          []byte(`{"id":"o-1"}`),
		contentType:   "application/json",
		headers:       map[string]string{"source": "cli"},
		correlationID: "c-1",
		messageIDs:    true,
	}))
	require.NoError(t, publish(ctx, ch, nil, slog.Default(), publishRequest{
		exchange:   "ex",
		routingKey: "r1",
		body:       []byte("plain text"),
		deflate:    true,
	}))

	var out bytes.Buffer
	consumer := messaging.NewBytesConsumer(ch, contracts.NewQueue("orders"))
	n, err := drain(ctx, consumer, renderBytes, consumeRequest{wait: 100 * time.Millisecond}, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := readLines(t, &out)
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":"o-1"}`, string(lines[0].Body))
	assert.Equal(t, "application/json", lines[0].ContentType)
	assert.Equal(t, "c-1", lines[0].CorrelationID)
	assert.NotEmpty(t, lines[0].MessageID)
	assert.Equal(t, "cli", lines[0].Headers["source"])
	assert.Equal(t, `"plain text"`, string(lines[1].Body))

	assert.Len(t, ch.Acks(), 2)
	assert.Zero(t, ch.Unacked())
}

func TestPublishAndDrainProtobuf(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)

	for _, jsonEncoding := range []bool{false, true} {
		_, ch := newTestBroker()
		require.NoError(t, publish(ctx, ch, reg, slog.Default(), publishRequest{
			exchange:     "ex",
			routingKey:   "r1",
			body:         []byte(`{"id":"y-1","count":"3","tags":["a"]}`),
			schema:       testproto.YFullName,
			jsonEncoding: jsonEncoding,
			deflate:      !jsonEncoding,
		}))

		var out bytes.Buffer
		consumer := messaging.NewConsumer[proto.Message](ch, contracts.NewQueue("orders"), serialization.NewRegistryConverter(reg))
		n, err := drain(ctx, consumer, protoRenderer(reg), consumeRequest{count: 1, wait: time.Second}, &out)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		lines := readLines(t, &out)
		require.Len(t, lines, 1)
		var body map[string]any
		require.NoError(t, json.Unmarshal(lines[0].Body, &body))
		assert.Equal(t, "y-1", body["id"])
		assert.Equal(t, testproto.YFullName, lines[0].Headers[serialization.HeaderFullName])
	}
}

func TestPublishErrors(t *testing.T) {
	ctx := context.Background()
	_, ch := newTestBroker()

	err := publish(ctx, ch, nil, slog.Default(), publishRequest{exchange: "ex", schema: testproto.YFullName})
	assert.Error(t, err)

	reg := testRegistry(t)
	err = publish(ctx, ch, reg, slog.Default(), publishRequest{exchange: "ex", schema: "pkg.Unknown", body: []byte(`{}`)})
	var unresolved *contracts.UnresolvedSchemaError
	assert.ErrorAs(t, err, &unresolved)

	err = publish(ctx, ch, reg, slog.Default(), publishRequest{exchange: "ex", schema: testproto.YFullName, body: []byte(`not json`)})
	assert.Error(t, err)
}

func TestDrainRejectsUndecodable(t *testing.T) {
	ctx := context.Background()
	_, ch := newTestBroker()
	reg := testRegistry(t)

	require.NoError(t, publish(ctx, ch, nil, slog.Default(), publishRequest{
		exchange:    "ex",
		routingKey:  "r1",
		body:        []byte{0x0a, 0x01, 0x78},
		contentType: serialization.MediaTypeProtobuf,
		headers:     map[string]string{serialization.HeaderFullName: "pkg.Unknown"},
	}))

	var out bytes.Buffer
	consumer := messaging.NewConsumer[proto.Message](ch, contracts.NewQueue("orders"), serialization.NewRegistryConverter(reg))
	n, err := drain(ctx, consumer, protoRenderer(reg), consumeRequest{count: 1, wait: time.Second}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lines := readLines(t, &out)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0].DecodeError, "pkg.Unknown")
	require.Len(t, ch.Rejections(), 1)
	assert.False(t, ch.Rejections()[0].Requeue)
}

func TestDrainRequeueAndStop(t *testing.T) {
	ctx := context.Background()
	broker, ch := newTestBroker()

	t.Run("wait expiry ends an empty drain", func(t *testing.T) {
		var out bytes.Buffer
		consumer := messaging.NewBytesConsumer(ch, contracts.NewQueue("orders"))
		n, err := drain(ctx, consumer, renderBytes, consumeRequest{wait: 20 * time.Millisecond}, &out)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, out.String())
		require.NoError(t, consumer.Cancel(ctx))
	})

	t.Run("requeued messages stay on the queue", func(t *testing.T) {
		require.NoError(t, publish(ctx, ch, nil, slog.Default(), publishRequest{exchange: "ex", routingKey: "r1", body: []byte("x")}))

		var out bytes.Buffer
		consumer := messaging.NewBytesConsumer(ch, contracts.NewQueue("orders"))
		n, err := drain(ctx, consumer, renderBytes, consumeRequest{count: 1, wait: time.Second, requeue: true}, &out)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.NoError(t, consumer.Cancel(ctx))
		require.NoError(t, ch.Close())

		assert.Equal(t, 1, broker.Depth("orders"))
	})

	t.Run("requeue without a count stops when the queue wraps around", func(t *testing.T) {
		broker, ch := newTestBroker()
		for _, body := range []string{"a", "b"} {
			require.NoError(t, publish(ctx, ch, nil, slog.Default(), publishRequest{exchange: "ex", routingKey: "r1", body: []byte(body), messageIDs: true}))
		}

		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		var out bytes.Buffer
		consumer := messaging.NewBytesConsumer(ch, contracts.NewQueue("orders"))
		n, err := drain(dctx, consumer, renderBytes, consumeRequest{wait: time.Second, requeue: true}, &out)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		lines := readLines(t, &out)
		require.Len(t, lines, 2)
		assert.Equal(t, `"a"`, string(lines[0].Body))
		assert.Equal(t, `"b"`, string(lines[1].Body))
		assert.Len(t, ch.Rejections(), 3)
		require.NoError(t, dctx.Err())

		require.NoError(t, consumer.Cancel(ctx))
		require.NoError(t, ch.Close())
		assert.Equal(t, 2, broker.Depth("orders"))
	})

	t.Run("cancellation before settling is a clean stop", func(t *testing.T) {
		broker, ch := newTestBroker()
		require.NoError(t, publish(ctx, ch, nil, slog.Default(), publishRequest{exchange: "ex", routingKey: "r1", body: []byte("x")}))

		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		render := func(body []byte) (json.RawMessage, error) {
			cancel()
			return rawJSON(body), nil
		}
		var out bytes.Buffer
		consumer := messaging.NewBytesConsumer(ch, contracts.NewQueue("orders"))
		n, err := drain(cctx, consumer, render, consumeRequest{wait: time.Second}, &out)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Len(t, readLines(t, &out), 1)

		require.NoError(t, ch.Close())
		assert.Equal(t, 1, broker.Depth("orders"))
	})

	t.Run("cancelled context is a clean stop", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		consumer := messaging.NewBytesConsumer(broker.Channel(), contracts.NewQueue("orders"))
		var out bytes.Buffer
		n, err := drain(cctx, consumer, renderBytes, consumeRequest{}, &out)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestRawJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, string(rawJSON([]byte(`{"a":1}`))))
	assert.Equal(t, `"hi"`, string(rawJSON([]byte("hi"))))
	assert.Equal(t, `""`, string(rawJSON(nil)))
	assert.Equal(t, `"/w=="`, string(rawJSON([]byte{0xff})))
}

func TestRootCommand(t *testing.T) {
	run := func(args ...string) (string, error) {
		var stdout, stderr bytes.Buffer
		cmd := newRootCmd(bytes.NewReader(nil), &stdout, &stderr)
		cmd.SetArgs(args)
		err := cmd.Execute()
		return stdout.String() + stderr.String(), err
	}

	out, err := run("--version")
	require.NoError(t, err)
	assert.Contains(t, out, "dev")

	_, err = run("--env-file", "", "declare")
	assert.ErrorContains(t, err, "nothing to declare")

	_, err = run("--env-file", "", "--log-format", "xml", "declare", "--queue", "q")
	assert.ErrorContains(t, err, "invalid log format")

	_, err = run("publish", "only-exchange")
	assert.Error(t, err)
}

func TestEnumCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ext.pb")
	require.NoError(t, os.WriteFile(path, testproto.ExtDescriptorSet(), 0o600))

	run := func(args ...string) (string, error) {
		var stdout, stderr bytes.Buffer
		cmd := newRootCmd(bytes.NewReader(nil), &stdout, &stderr)
		cmd.SetArgs(append([]string{"--env-file", ""}, args...))
		err := cmd.Execute()
		return stdout.String(), err
	}

	out, err := run("--descriptor-set", path, "enum", testproto.SeverityFullName)
	require.NoError(t, err)
	assert.Equal(t, `{"number":0,"name":"SEVERITY_DEBUG","prettyName":"Debug"}
{"number":1,"name":"SEVERITY_INFO","prettyName":"Info"}
{"number":5,"name":"SEVERITY_CRITICAL_ERROR","prettyName":"Critical Error"}
`, out)

	_, err = run("--descriptor-set", path, "enum", "ext.Missing")
	assert.ErrorContains(t, err, "not found")

	t.Setenv(envDescriptorSet, "")
	_, err = run("enum", testproto.SeverityFullName)
	assert.ErrorContains(t, err, "no descriptor set")
}

type fakeProbe struct {
	connected bool
	depths    map[string]int
}

func (f fakeProbe) IsConnected() bool { return f.connected }

func (f fakeProbe) QueueDepth(_ context.Context, queue string) (int, error) {
	depth, ok := f.depths[queue]
	if !ok {
		return 0, brokertest.ErrUnknownQueue
	}
	return depth, nil
}

func TestHealthReport(t *testing.T) {
	ctx := context.Background()
	probe := fakeProbe{connected: true, depths: map[string]int{"orders": 2, "audit": 40}}

	var out bytes.Buffer
	reg := newHealthRegistry(probe, healthRequest{queues: []string{"orders", "audit"}, maxDepth: 10})
	require.NoError(t, printReport(ctx, reg, time.Second, &out))

	var report health.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, health.StatusDegraded, report.Status)
	assert.Len(t, report.Checks, 3)
	assert.Equal(t, health.StatusDegraded, report.Checks["queue_audit"].Status)

	out.Reset()
	reg = newHealthRegistry(probe, healthRequest{queues: []string{"missing"}})
	assert.Error(t, printReport(ctx, reg, time.Second, &out))
	assert.Contains(t, out.String(), "unhealthy")
}
