// Package errclass decides whether an error belongs to a handled or ignored set.
//
// Both the retry and the circuit breaker policies classify errors the same way:
// an ignored match always wins, a non-empty handled set acts as an allow-list,
// and with no handled set every error is accepted.
package errclass

import "errors"

// Predicate reports whether err belongs to a set
type Predicate func(err error) bool

// As matches errors that errors.As can assign to E, walking the wrap chain
func As[E error]() Predicate {
	return func(err error) bool {
		var target E
		return errors.As(err, &target)
	}
}

// Is matches errors for which errors.Is(err, target) holds
func Is(target error) Predicate {
	return func(err error) bool {
		return errors.Is(err, target)
	}
}

// Classifier holds the handled and ignored predicate sets. The zero value accepts every error.
type Classifier struct {
	handled []Predicate
	ignored []Predicate
}

// Handle adds predicates to the handled set
func (c *Classifier) Handle(p ...Predicate) {
	c.handled = append(c.handled, p...)
}

// Ignore adds predicates to the ignored set
func (c *Classifier) Ignore(p ...Predicate) {
	c.ignored = append(c.ignored, p...)
}

// HasHandled reports whether an allow-list is configured
func (c Classifier) HasHandled() bool {
	return len(c.handled) > 0
}

// Clone returns an independent copy so built policies cannot be mutated
func (c Classifier) Clone() Classifier {
	return Classifier{
		handled: append([]Predicate(nil), c.handled...),
		ignored: append([]Predicate(nil), c.ignored...),
	}
}

// Accepts applies the precedence rules. A nil error is never accepted.
func (c Classifier) Accepts(err error) bool {
	if err == nil {
		return false
	}
	for _, p := range c.ignored {
		if p(err) {
			return false
		}
	}
	if len(c.handled) == 0 {
		return true
	}
	for _, p := range c.handled {
		if p(err) {
			return true
		}
	}
	return false
}
