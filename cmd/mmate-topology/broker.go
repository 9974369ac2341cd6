package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/naming"
	"github.com/glimte/mmate-bus/topology"
)

const defaultTimeout = 30 * time.Second

// session is a short-lived broker connection for one command
type session struct {
	conn   *rabbitmq.ConnectionManager
	pool   *rabbitmq.ChannelPool
	logger *slog.Logger
}

func openSession(ctx context.Context, url string, logger *slog.Logger) (*session, error) {
	conn := rabbitmq.NewConnectionManager(url,
		rabbitmq.WithConnectionName("mmate-topology"),
		rabbitmq.WithLogger(logger))
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	pool, err := rabbitmq.NewChannelPool(conn, rabbitmq.WithMaxSize(1), rabbitmq.WithPoolLogger(logger))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &session{conn: conn, pool: pool, logger: logger}, nil
}

// run executes fn on a pooled channel. A channel closed by a broker error is
// replaced for the next call.
func (s *session) run(ctx context.Context, fn func(*amqp.Channel) error) error {
	return s.pool.Execute(ctx, fn)
}

func (s *session) Close() error {
	return errors.Join(s.pool.Close(), s.conn.Close())
}

// withSession wraps a command body with signal handling, a timeout and a broker session
func withSession(flags *globalFlags, timeout *time.Duration, body func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()

		logger := flags.logger(cmd.ErrOrStderr())
		s, err := openSession(ctx, flags.url, logger)
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer s.Close()

		return body(ctx, cmd, s, args)
	}
}

func newDeclareCmd(flags *globalFlags) *cobra.Command {
	var (
		timeout         time.Duration
		consumer        string
		queue           string
		noDeadLetter    bool
		messageTTL      time.Duration
		maxPriority     uint8
		continueOnError bool
	)

	cmd := &cobra.Command{
		Use:   "declare <package/path.Type>...",
		Short: "Declare the exchanges, queues and bindings for message types",
		Long: `Declare the exchange of every message type. With --consumer or --queue a consumer
queue is declared as well and bound to the exchange, along with its dead-letter
exchange and queue unless --no-dead-letter is given.`,
		Args: cobra.MinimumNArgs(1),
	}
	cmd.RunE = withSession(flags, &timeout, func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
		conventions, err := flags.naming.convention()
		if err != nil {
			return err
		}

		opts := topology.DefaultOptions()
		opts.ConfigureDeadLetter = !noDeadLetter
		opts.DefaultMessageTTL = messageTTL
		opts.EnablePriority = maxPriority > 0
		opts.MaxPriority = maxPriority
		opts.ContinueOnError = continueOnError

		binder := topology.NewAutoBinder(topology.NewBuilder(
			topology.WithConventions(conventions),
			topology.WithOptions(opts),
			topology.WithLogger(s.logger),
		))

		var consumerType naming.Type
		if consumer != "" {
			consumerType = naming.ParseType(consumer)
		}
		var settings *topology.ConsumerSettings
		if queue != "" {
			settings = &topology.ConsumerSettings{QueueName: queue}
		}
		withQueue := !consumerType.IsZero() || settings != nil

		var errs []error
		for _, arg := range args {
			message := naming.ParseType(arg)
			err := s.run(ctx, func(ch *amqp.Channel) error {
				if !withQueue {
					info, err := binder.BindMessage(ctx, ch, message)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Declared exchange %s (%s) for %s\n", info.ExchangeName, info.ExchangeType, message)
					return nil
				}

				info, err := binder.BindConsumer(ctx, ch, topology.ConsumerBinding{
					Consumer: consumerType,
					Message:  message,
					Settings: settings,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Declared queue %s bound to %s with %q for %s\n",
					info.QueueName, info.ExchangeName, info.RoutingKey, message)
				return nil
			})
			if err == nil {
				continue
			}
			if !continueOnError {
				return fmt.Errorf("failed to declare %s: %w", message, err)
			}
			s.logger.Warn("Failed to declare topology, continuing", "message", message.String(), "error", err)
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	cmd.Flags().DurationVar(&timeout, "timeout", defaultTimeout, "Overall command timeout")
	cmd.Flags().StringVarP(&consumer, "consumer", "c", "", "Consumer type to declare a queue for")
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Explicit consumer queue name")
	cmd.Flags().BoolVar(&noDeadLetter, "no-dead-letter", false, "Skip dead-letter exchange and queue declaration")
	cmd.Flags().DurationVar(&messageTTL, "ttl", 0, "Default message TTL for declared queues")
	cmd.Flags().Uint8Var(&maxPriority, "max-priority", 0, "Declare priority queues with this maximum priority")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "Keep declaring after a failure")
	return cmd
}

func newPurgeCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "purge <queue>...",
		Short: "Remove every ready message from queues",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = withSession(flags, &timeout, func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
		builder := topology.NewBuilder(topology.WithLogger(s.logger))
		for _, queue := range args {
			var purged int
			err := s.run(ctx, func(ch *amqp.Channel) (err error) {
				purged, err = builder.PurgeQueue(ctx, ch, queue)
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to purge %s: %w", queue, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d messages from %s\n", purged, queue)
		}
		return nil
	})

	cmd.Flags().DurationVar(&timeout, "timeout", defaultTimeout, "Overall command timeout")
	return cmd
}

func newDeleteCmd(flags *globalFlags) *cobra.Command {
	var (
		timeout   time.Duration
		queues    []string
		exchanges []string
		ifUnused  bool
		ifEmpty   bool
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete queues and exchanges",
		Example: `  mmate-topology delete --queue order-created-queue --queue order-created-queue-dlq
  mmate-topology delete --exchange order-created-exchange --if-unused`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if len(queues) == 0 && len(exchanges) == 0 {
				return errors.New("at least one --queue or --exchange is required")
			}
			return nil
		},
	}
	cmd.RunE = withSession(flags, &timeout, func(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
		builder := topology.NewBuilder(topology.WithLogger(s.logger))

		for _, queue := range queues {
			var dropped int
			err := s.run(ctx, func(ch *amqp.Channel) (err error) {
				dropped, err = builder.DeleteQueue(ctx, ch, queue, ifUnused, ifEmpty)
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to delete queue %s: %w", queue, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted queue %s (%d messages dropped)\n", queue, dropped)
		}

		for _, exchange := range exchanges {
			err := s.run(ctx, func(ch *amqp.Channel) error {
				return builder.DeleteExchange(ctx, ch, exchange, ifUnused)
			})
			if err != nil {
				return fmt.Errorf("failed to delete exchange %s: %w", exchange, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted exchange %s\n", exchange)
		}
		return nil
	})

	cmd.Flags().DurationVar(&timeout, "timeout", defaultTimeout, "Overall command timeout")
	cmd.Flags().StringArrayVarP(&queues, "queue", "q", nil, "Queue to delete (repeatable)")
	cmd.Flags().StringArrayVarP(&exchanges, "exchange", "e", nil, "Exchange to delete (repeatable)")
	cmd.Flags().BoolVar(&ifUnused, "if-unused", false, "Only delete when nothing consumes from or is bound to it")
	cmd.Flags().BoolVar(&ifEmpty, "if-empty", false, "Only delete queues without messages")
	return cmd
}

func newInspectCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "inspect <queue>...",
		Short: "Show depth, consumers and health of queues",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = withSession(flags, &timeout, func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
		w := cmd.OutOrStdout()
		printQueueHeader(w)

		unhealthy := 0
		for _, name := range args {
			var q amqp.Queue
			err := s.run(ctx, func(ch *amqp.Channel) (err error) {
				q, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
				return err
			})
			var amqpErr *amqp.Error
			if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
				fmt.Fprintf(w, "%-40s %-10s %-10s %-10s %s\n", truncate(name, 40), "-", "-", health.StatusUnhealthy, "Queue not found")
				unhealthy++
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to inspect %s: %w", name, err)
			}

			status, message := health.AssessQueue(q)
			if status == health.StatusUnhealthy {
				unhealthy++
			}
			printQueue(w, q, status, message)
		}

		if unhealthy > 0 {
			return fmt.Errorf("%d of %d queues unhealthy", unhealthy, len(args))
		}
		return nil
	})

	cmd.Flags().DurationVar(&timeout, "timeout", defaultTimeout, "Overall command timeout")
	return cmd
}

func printQueueHeader(w io.Writer) {
	fmt.Fprintf(w, "%-40s %-10s %-10s %-10s %s\n", "Name", "Messages", "Consumers", "Status", "Details")
	fmt.Fprintln(w, strings.Repeat("-", 95))
}

func printQueue(w io.Writer, q amqp.Queue, status health.Status, message string) {
	fmt.Fprintf(w, "%-40s %-10d %-10d %-10s %s\n", truncate(q.Name, 40), q.Messages, q.Consumers, status, message)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
