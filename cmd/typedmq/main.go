package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/typedmq"
	"github.com/glimte/typedmq/contracts"
	"github.com/glimte/typedmq/messaging"
	"github.com/glimte/typedmq/serialization"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/proto"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs after flag and env resolution
type app struct {
	cfg      config
	logger   *slog.Logger
	registry *serialization.Registry
	stdin    io.Reader
	stdout   io.Writer
}

func (a *app) connect(ctx context.Context) (*typedmq.Client, error) {
	options := []typedmq.ClientOption{
		typedmq.WithLogger(a.logger),
		typedmq.WithConnectTimeout(10 * time.Second),
	}
	if a.registry != nil {
		options = append(options, typedmq.WithRegistry(a.registry))
	}
	client, err := typedmq.NewClient(ctx, a.cfg.url, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		cfg: config{
			url:       defaultURL,
			logFormat: "text",
			logLevel:  "info",
			envFile:   defaultEnvFile,
		},
		stdin:  stdin,
		stdout: stdout,
	}

	rootCmd := &cobra.Command{
		Use:   "typedmq",
		Short: "Publish, consume and declare typed AMQP messages",
		Long: `typedmq is a CLI for the typedmq messaging layer. It publishes raw or
protobuf bodies, prints deliveries as JSON lines and declares topology.

Settings fall back to TYPEDMQ_URL, TYPEDMQ_LOG_FORMAT, TYPEDMQ_LOG_LEVEL and
TYPEDMQ_DESCRIPTOR_SET, which may also be provided through a .env file.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFile(a.cfg.envFile, cmd.Flags().Changed("env-file")); err != nil {
				return err
			}
			a.cfg.applyEnv(cmd.Flags().Changed)

			logger, err := newLogger(stderr, a.cfg.logFormat, a.cfg.logLevel)
			if err != nil {
				return err
			}
			a.logger = logger

			a.registry, err = loadRegistry(a.cfg.descriptorSet)
			if err != nil {
				return err
			}
			if a.registry != nil {
				logger.Debug("descriptor set loaded", "schemas", a.registry.Len())
			}
			return nil
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfg.url, "url", "u", a.cfg.url, "AMQP connection URL ("+envURL+")")
	flags.StringVar(&a.cfg.logFormat, "log-format", a.cfg.logFormat, "Log format: text or json ("+envLogFormat+")")
	flags.StringVar(&a.cfg.logLevel, "log-level", a.cfg.logLevel, "Log level: debug, info, warn or error ("+envLogLevel+")")
	flags.StringVarP(&a.cfg.descriptorSet, "descriptor-set", "d", "", "Serialized FileDescriptorSet for protobuf schemas ("+envDescriptorSet+")")
	flags.StringVar(&a.cfg.envFile, "env-file", a.cfg.envFile, "Environment file to load")

	rootCmd.AddCommand(newPublishCmd(a), newConsumeCmd(a), newDeclareCmd(a), newHealthCmd(a), newEnumCmd(a))
	return rootCmd
}

func newPublishCmd(a *app) *cobra.Command {
	var req publishRequest
	cmd := &cobra.Command{
		Use:   "publish <exchange> <routing-key> [body]",
		Short: "Publish one message",
		Long: `Publish one message. The body is read from stdin when omitted or "-".
With --schema the body is protobuf JSON of that schema and is sent in the
binary representation, or as JSON with --json.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.exchange, req.routingKey = args[0], args[1]
			if len(args) == 3 && args[2] != "-" {
				req.body = []byte(args[2])
			} else {
				body, err := io.ReadAll(a.stdin)
				if err != nil {
					return fmt.Errorf("failed to read body: %w", err)
				}
				req.body = body
			}

			ctx := cmd.Context()
			client, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			ch, err := client.Channel(ctx)
			if err != nil {
				return err
			}
			if err := publish(ctx, ch, a.registry, a.logger, req); err != nil {
				return err
			}
			a.logger.Info("message published", "exchange", req.exchange, "routingKey", req.routingKey, "size", len(req.body))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&req.contentType, "content-type", "t", "", "Content type of a raw body")
	f.StringVarP(&req.schema, "schema", "s", "", "Protobuf full name of the body")
	f.BoolVar(&req.jsonEncoding, "json", false, "Send protobuf bodies as JSON")
	f.StringToStringVarP(&req.headers, "header", "H", nil, "Header key=value, repeatable")
	f.StringVar(&req.correlationID, "correlation-id", "", "Correlation id")
	f.BoolVar(&req.persistent, "persistent", false, "Mark the message persistent")
	f.BoolVar(&req.deflate, "deflate", false, "Compress the body with deflate")
	f.BoolVar(&req.messageIDs, "message-id", true, "Assign a generated message id")
	return cmd
}

func newConsumeCmd(a *app) *cobra.Command {
	var (
		req      consumeRequest
		autoAck  bool
		prefetch int
	)
	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Print deliveries from a queue as JSON lines",
		Long: `Print deliveries from a queue as JSON lines. Printed messages are
acknowledged unless --requeue is given. With a descriptor set, protobuf
bodies are decoded by their X-Protobuf-FullName header and printed as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			ch, err := client.OpenChannel(ctx)
			if err != nil {
				return err
			}

			queue := contracts.NewQueue(args[0])
			options := []messaging.ConsumerOption{
				messaging.WithConsumerLogger(a.logger),
				messaging.WithAutoAck(autoAck),
				messaging.WithPrefetchCount(prefetch),
			}

			var n int
			if conv, convErr := client.Converter(); convErr == nil {
				consumer := messaging.NewConsumer[proto.Message](ch, queue, conv, options...)
				n, err = drain(ctx, consumer, protoRenderer(a.registry), req, a.stdout)
				cancelQuietly(consumer.Cancel, a.logger)
			} else {
				consumer := messaging.NewBytesConsumer(ch, queue, options...)
				n, err = drain(ctx, consumer, renderBytes, req, a.stdout)
				cancelQuietly(consumer.Cancel, a.logger)
			}
			a.logger.Info("consume finished", "queue", queue.Name, "messages", n)
			return err
		},
	}

	f := cmd.Flags()
	f.IntVarP(&req.count, "count", "n", 0, "Stop after this many messages (0 means no limit)")
	f.DurationVarP(&req.wait, "wait", "w", 5*time.Second, "Stop when no message arrives within this duration (0 waits forever)")
	f.BoolVar(&req.requeue, "requeue", false, "Requeue printed messages instead of acknowledging them")
	f.BoolVar(&autoAck, "auto-ack", false, "Let the broker acknowledge on delivery")
	f.IntVar(&prefetch, "prefetch", 10, "Channel prefetch count")
	return cmd
}

func cancelQuietly(cancel func(context.Context) error, logger *slog.Logger) {
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := cancel(ctx); err != nil && !errors.Is(err, contracts.ErrNotSubscribed) && !errors.Is(err, contracts.ErrConsumerCancelled) {
		logger.Warn("failed to cancel consumer", "error", err)
	}
}

func newEnumCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enum <full-name>",
		Short: "List the values of an enum from the descriptor set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printEnum(a.registry, args[0], a.stdout)
		},
	}
}

func newDeclareCmd(a *app) *cobra.Command {
	req := declareRequest{exchangeType: "topic", durable: true}
	cmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare an exchange, a queue and bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			topology, err := buildTopology(req)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.DeclareTopology(ctx, topology); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Declared %d exchanges, %d queues, %d bindings\n",
				len(topology.Exchanges), len(topology.Queues), len(topology.Bindings))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&req.exchange, "exchange", "e", "", "Exchange name")
	f.StringVar(&req.exchangeType, "type", req.exchangeType, "Exchange type")
	f.StringVarP(&req.queue, "queue", "q", "", "Queue name")
	f.StringSliceVarP(&req.bindings, "bind", "b", nil, "Routing key binding the queue to the exchange, repeatable")
	f.BoolVar(&req.durable, "durable", req.durable, "Declare durable exchange and queue")
	f.BoolVar(&req.deadLetter, "dead-letter", false, "Give the queue a <queue>.dlx exchange and <queue>.dlq queue")
	return cmd
}

func newHealthCmd(a *app) *cobra.Command {
	req := healthRequest{timeout: 5 * time.Second}
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the broker connection and queue depths",
		Long: `Check the broker connection and the given queues and print the report.
With --listen the report is served on GET /healthz instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			reg := newHealthRegistry(client, req)
			if req.listen != "" {
				return serveHealth(ctx, reg, req, a.logger)
			}
			return printReport(ctx, reg, req.timeout, a.stdout)
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&req.queues, "queue", "q", nil, "Queue to inspect, repeatable")
	f.IntVar(&req.maxDepth, "max-depth", 0, "Report queues above this depth as degraded (0 means no limit)")
	f.StringVar(&req.listen, "listen", "", "Serve GET /healthz on this address")
	f.DurationVar(&req.timeout, "timeout", req.timeout, "Time allowed for all checks")
	return cmd
}
