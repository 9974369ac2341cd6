package naming

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Formatter formats endpoint names. It is immutable and safe for concurrent use.
type Formatter struct {
	opts Options
}

// NewFormatter creates a formatter from the default options plus overrides
func NewFormatter(options ...Option) *Formatter {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	return &Formatter{opts: opts}
}

// Options returns a copy of the formatter settings
func (f *Formatter) Options() Options {
	opts := f.opts
	opts.StripSuffixes = append([]string(nil), f.opts.StripSuffixes...)
	return opts
}

// FormatName returns the base name of t: suffix stripped and cased
func (f *Formatter) FormatName(t Type) string {
	return formatBase(t.Name, f.opts.StripSuffixes, f.opts.Casing)
}

// FormatQueueName returns the queue name for a message or consumer type
func (f *Formatter) FormatQueueName(t Type) string {
	return f.decorate(f.join(f.FormatName(t), f.opts.QueueSuffix))
}

// FormatConsumerQueueName names a consumer's queue after the message it consumes
// when that message type is known, otherwise after the consumer itself.
func (f *Formatter) FormatConsumerQueueName(consumer, message Type) string {
	if !message.IsZero() {
		return f.FormatQueueName(message)
	}
	return f.FormatQueueName(consumer)
}

// FormatExchangeName returns the exchange name for a message type
func (f *Formatter) FormatExchangeName(t Type) string {
	return f.decorate(f.join(f.FormatName(t), f.opts.ExchangeSuffix))
}

// FormatRoutingKey returns the routing key for a message type
func (f *Formatter) FormatRoutingKey(t Type) string {
	return routingKey(t, f.opts.StripSuffixes, f.opts.Casing, f.opts.RoutingKeySeparator,
		f.opts.IncludeNamespace, f.opts.NamespaceSegments)
}

// FormatDeadLetterQueueName appends the dead-letter queue suffix to name
func (f *Formatter) FormatDeadLetterQueueName(name string) string {
	return f.join(name, f.opts.DeadLetterQueueSuffix)
}

// FormatDeadLetterExchangeName appends the dead-letter exchange suffix to name
func (f *Formatter) FormatDeadLetterExchangeName(name string) string {
	return f.join(name, f.opts.DeadLetterExchangeSuffix)
}

// FormatRetryQueueName returns the retry queue name for the given retry level (1-based)
func (f *Formatter) FormatRetryQueueName(name string, level int) (string, error) {
	if level < 1 {
		return "", fmt.Errorf("%w: retry level must be at least 1, got %d", ErrInvalidArgument, level)
	}
	return f.join(name, f.opts.RetrySuffix, strconv.Itoa(level)), nil
}

// FormatTemporaryQueueName returns a unique name for an exclusive, auto-delete queue
func (f *Formatter) FormatTemporaryQueueName() string {
	return f.decorate(f.join(f.opts.TemporaryQueuePrefix, uuid.NewString()))
}

// SanitizeName removes every character the broker would reject
func (f *Formatter) SanitizeName(raw string) string {
	return SanitizeName(raw)
}

// SanitizeName keeps letters, digits, '.', '-' and '_'. A leading digit gets a '_' prefix.
func SanitizeName(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
	}

	s := b.String()
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		return "_" + s
	}
	return s
}

func (f *Formatter) decorate(name string) string {
	return f.join(f.opts.Prefix, name, f.opts.Suffix)
}

func (f *Formatter) join(parts ...string) string {
	return joinNonEmpty(f.opts.Separator, parts...)
}

// stripSuffix removes the longest matching suffix in a single pass. A name is
// never stripped down to nothing.
func stripSuffix(name string, suffixes []string) string {
	best := ""
	for _, s := range suffixes {
		if s == "" || len(s) >= len(name) || !strings.HasSuffix(name, s) {
			continue
		}
		if len(s) > len(best) {
			best = s
		}
	}
	return strings.TrimSuffix(name, best)
}

func formatBase(name string, suffixes []string, casing Casing) string {
	return casing.Apply(stripSuffix(name, suffixes))
}

func routingKey(t Type, suffixes []string, casing Casing, sep string, withNamespace bool, segments int) string {
	key := formatBase(t.Name, suffixes, casing)
	if !withNamespace || segments <= 0 {
		return key
	}

	parts := lastSegments(t.Namespace(), segments)
	for i, p := range parts {
		parts[i] = casing.Apply(p)
	}
	return joinNonEmpty(sep, append(parts, key)...)
}

func lastSegments(segments []string, n int) []string {
	if len(segments) > n {
		segments = segments[len(segments)-n:]
	}
	return append([]string(nil), segments...)
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
