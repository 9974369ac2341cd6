package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-bus/naming"
	"github.com/glimte/mmate-bus/topology"
)

// namingFlags mirror the naming options a bus is built with
type namingFlags struct {
	casing         string
	separator      string
	prefix         string
	namespace      int
	stripSuffixes  []string
	exchangeSuffix string
	queueSuffix    string
}

func (n *namingFlags) register(cmd *cobra.Command) {
	defaults := naming.DefaultOptions()
	pf := cmd.PersistentFlags()
	pf.StringVar(&n.casing, "casing", defaults.Casing.String(), "Name casing: preserve, lower, upper, kebab, snake, pascal, camel")
	pf.StringVar(&n.separator, "separator", defaults.Separator, "Separator between name parts")
	pf.StringVar(&n.prefix, "prefix", "", "Prefix applied to every queue and exchange name")
	pf.IntVar(&n.namespace, "namespace", 0, "Number of trailing package segments to include in names")
	pf.StringSliceVar(&n.stripSuffixes, "strip-suffix", defaults.StripSuffixes, "Type name suffixes removed before formatting")
	pf.StringVar(&n.exchangeSuffix, "exchange-suffix", defaults.ExchangeSuffix, "Suffix appended to exchange names")
	pf.StringVar(&n.queueSuffix, "queue-suffix", defaults.QueueSuffix, "Suffix appended to queue names")
}

func (n *namingFlags) convention() (*topology.EndpointConvention, error) {
	casing, err := naming.ParseCasing(n.casing)
	if err != nil {
		return nil, err
	}
	if n.namespace < 0 {
		return nil, fmt.Errorf("%w: namespace segments must not be negative", naming.ErrInvalidArgument)
	}

	options := []naming.Option{
		naming.WithCasing(casing),
		naming.WithSeparator(n.separator),
		naming.WithPrefix(n.prefix),
		naming.WithStripSuffixes(n.stripSuffixes...),
		naming.WithExchangeSuffix(n.exchangeSuffix),
		naming.WithQueueSuffix(n.queueSuffix),
	}
	routing := []naming.RoutingOption{naming.WithRoutingStripSuffixes(n.stripSuffixes...)}
	if n.namespace > 0 {
		options = append(options, naming.WithNamespace(n.namespace))
		routing = append(routing, naming.WithRoutingNamespace(n.namespace))
	}

	return topology.NewEndpointConvention(
		topology.WithFormatter(naming.NewFormatter(options...)),
		topology.WithRoutingConvention(naming.NewRoutingKeyConvention(routing...)),
	), nil
}

// endpointNames is every broker name derived for one message type
type endpointNames struct {
	Message            naming.Type
	Exchange           string
	ExchangeType       string
	RoutingKey         string
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
	RetryQueues        []string
}

func resolveNames(c *topology.EndpointConvention, message, consumer naming.Type, retryLevels int) (endpointNames, error) {
	f := c.Formatter()

	queue := c.QueueName(message)
	if !consumer.IsZero() {
		queue = f.FormatConsumerQueueName(consumer, message)
	}

	names := endpointNames{
		Message:         message,
		Exchange:        c.ExchangeName(message),
		ExchangeType:    c.ExchangeType(message),
		RoutingKey:      c.RoutingKey(message),
		Queue:           queue,
		DeadLetterQueue: f.FormatDeadLetterQueueName(queue),
	}
	names.DeadLetterExchange = f.FormatDeadLetterExchangeName(names.Exchange)

	for level := 1; level <= retryLevels; level++ {
		retryQueue, err := f.FormatRetryQueueName(queue, level)
		if err != nil {
			return endpointNames{}, err
		}
		names.RetryQueues = append(names.RetryQueues, retryQueue)
	}
	return names, nil
}

func newNamesCmd(flags *globalFlags) *cobra.Command {
	var (
		consumer    string
		retryLevels int
	)

	cmd := &cobra.Command{
		Use:   "names <package/path.Type>...",
		Short: "Print the broker names derived for message types",
		Example: `  mmate-topology names github.com/acme/orders/events.OrderCreated
  mmate-topology names --casing snake --separator _ --prefix shop --retry-levels 2 events.OrderCreated`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.naming.convention()
			if err != nil {
				return err
			}

			var consumerType naming.Type
			if consumer != "" {
				consumerType = naming.ParseType(consumer)
			}

			for i, arg := range args {
				message := naming.ParseType(arg)
				if message.IsZero() {
					return fmt.Errorf("%w: invalid type %q", naming.ErrInvalidArgument, arg)
				}
				names, err := resolveNames(c, message, consumerType, retryLevels)
				if err != nil {
					return err
				}
				if i > 0 {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				printNames(cmd.OutOrStdout(), names)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&consumer, "consumer", "c", "", "Consumer type the queue belongs to")
	cmd.Flags().IntVarP(&retryLevels, "retry-levels", "r", 0, "Number of retry queue names to print")
	return cmd
}

func printNames(w io.Writer, n endpointNames) {
	fmt.Fprintf(w, "%s\n", n.Message)
	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintf(w, "  %-22s %s (%s)\n", "Exchange:", n.Exchange, n.ExchangeType)
	fmt.Fprintf(w, "  %-22s %q\n", "Routing key:", n.RoutingKey)
	fmt.Fprintf(w, "  %-22s %s\n", "Queue:", n.Queue)
	fmt.Fprintf(w, "  %-22s %s\n", "Dead-letter exchange:", n.DeadLetterExchange)
	fmt.Fprintf(w, "  %-22s %s\n", "Dead-letter queue:", n.DeadLetterQueue)
	for i, q := range n.RetryQueues {
		fmt.Fprintf(w, "  %-22s %s\n", fmt.Sprintf("Retry queue %d:", i+1), q)
	}
}
