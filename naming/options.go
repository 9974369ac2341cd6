package naming

import "errors"

// ErrInvalidArgument is returned for invalid naming input or configuration
var ErrInvalidArgument = errors.New("naming: invalid argument")

// DefaultStripSuffixes are removed from type names before formatting
var DefaultStripSuffixes = []string{
	"Consumer",
	"Handler",
	"Command",
	"Query",
	"Event",
	"Message",
	"Request",
	"Response",
}

// Options holds the naming convention settings
type Options struct {
	Casing              Casing
	Separator           string
	RoutingKeySeparator string

	// Prefix and Suffix are applied to every queue and exchange name
	Prefix string
	Suffix string

	QueueSuffix              string
	ExchangeSuffix           string
	DeadLetterQueueSuffix    string
	DeadLetterExchangeSuffix string
	RetrySuffix              string
	TemporaryQueuePrefix     string

	StripSuffixes []string

	// IncludeNamespace prepends the last NamespaceSegments package segments to routing keys
	IncludeNamespace  bool
	NamespaceSegments int
}

// DefaultOptions returns the kebab-case convention
func DefaultOptions() Options {
	return Options{
		Casing:                   CaseKebab,
		Separator:                "-",
		RoutingKeySeparator:      ".",
		QueueSuffix:              "queue",
		ExchangeSuffix:           "exchange",
		DeadLetterQueueSuffix:    "dlq",
		DeadLetterExchangeSuffix: "dlx",
		RetrySuffix:              "retry",
		TemporaryQueuePrefix:     "temp",
		StripSuffixes:            append([]string(nil), DefaultStripSuffixes...),
		NamespaceSegments:        2,
	}
}

// Option configures naming Options
type Option func(*Options)

// WithCasing sets the casing transform
func WithCasing(c Casing) Option {
	return func(o *Options) {
		o.Casing = c
	}
}

// WithSeparator sets the separator used between name parts
func WithSeparator(sep string) Option {
	return func(o *Options) {
		o.Separator = sep
	}
}

// WithRoutingKeySeparator sets the separator used inside routing keys
func WithRoutingKeySeparator(sep string) Option {
	return func(o *Options) {
		o.RoutingKeySeparator = sep
	}
}

// WithPrefix sets a global prefix for queue and exchange names
func WithPrefix(prefix string) Option {
	return func(o *Options) {
		o.Prefix = prefix
	}
}

// WithSuffix sets a global suffix for queue and exchange names
func WithSuffix(suffix string) Option {
	return func(o *Options) {
		o.Suffix = suffix
	}
}

// WithQueueSuffix sets the artifact suffix for queues
func WithQueueSuffix(suffix string) Option {
	return func(o *Options) {
		o.QueueSuffix = suffix
	}
}

// WithExchangeSuffix sets the artifact suffix for exchanges
func WithExchangeSuffix(suffix string) Option {
	return func(o *Options) {
		o.ExchangeSuffix = suffix
	}
}

// WithStripSuffixes replaces the list of type-name suffixes to strip
func WithStripSuffixes(suffixes ...string) Option {
	return func(o *Options) {
		o.StripSuffixes = append([]string(nil), suffixes...)
	}
}

// WithNamespace includes the last segments of the package path in routing keys
func WithNamespace(segments int) Option {
	return func(o *Options) {
		o.IncludeNamespace = segments > 0
		o.NamespaceSegments = segments
	}
}

// WithOptions replaces all settings
func WithOptions(opts Options) Option {
	return func(o *Options) {
		*o = opts
		o.StripSuffixes = append([]string(nil), opts.StripSuffixes...)
	}
}
