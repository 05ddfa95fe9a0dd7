// Package failure defines the error kinds returned by the pricing engine.
//
// Every kind is deterministic for the same inputs, so none of them are retried
// internally. Callers branch on the kind with errors.Is or KindOf.
package failure

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates engine errors
type Kind int32

const (
	KindUnknown Kind = iota

	// Validation
	AmountCannotBeZero
	SupplyExceedsMaximum
	InsufficientSupply
	InvalidOutcomeIndex
	InvalidFeeRate
	InvalidConfig
	MarketNotFound
	CurveNotFound

	// State
	MarketNotActive
	MarketExpired
	MarketAlreadyResolved
	InvalidStateTransition

	// Arithmetic
	ArithmeticOverflow

	// Unavailable
	AggregateBusy
)

// Category groups kinds for callers that only care about the class of failure
type Category int32

const (
	CategoryUnknown Category = iota
	CategoryValidation
	CategoryState
	CategoryArithmetic
	CategoryUnavailable
)

func (k Kind) String() string {
	switch k {
	case AmountCannotBeZero:
		return "AmountCannotBeZero"
	case SupplyExceedsMaximum:
		return "SupplyExceedsMaximum"
	case InsufficientSupply:
		return "InsufficientSupply"
	case InvalidOutcomeIndex:
		return "InvalidOutcomeIndex"
	case InvalidFeeRate:
		return "InvalidFeeRate"
	case InvalidConfig:
		return "InvalidConfig"
	case MarketNotFound:
		return "MarketNotFound"
	case CurveNotFound:
		return "CurveNotFound"
	case MarketNotActive:
		return "MarketNotActive"
	case MarketExpired:
		return "MarketExpired"
	case MarketAlreadyResolved:
		return "MarketAlreadyResolved"
	case InvalidStateTransition:
		return "InvalidStateTransition"
	case ArithmeticOverflow:
		return "ArithmeticOverflow"
	case AggregateBusy:
		return "AggregateBusy"
	default:
		return "Unknown"
	}
}

// Category returns the class a kind belongs to
func (k Kind) Category() Category {
	switch k {
	case AmountCannotBeZero, SupplyExceedsMaximum, InsufficientSupply,
		InvalidOutcomeIndex, InvalidFeeRate, InvalidConfig, MarketNotFound, CurveNotFound:
		return CategoryValidation
	case MarketNotActive, MarketExpired, MarketAlreadyResolved, InvalidStateTransition:
		return CategoryState
	case ArithmeticOverflow:
		return CategoryArithmetic
	case AggregateBusy:
		return CategoryUnavailable
	default:
		return CategoryUnknown
	}
}

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryState:
		return "state"
	case CategoryArithmetic:
		return "arithmetic"
	case CategoryUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error implements error so a bare Kind can be used as an errors.Is target
func (k Kind) Error() string {
	return k.String()
}

// Error is a kind plus the context it was raised in
type Error struct {
	Kind   Kind
	Detail string
	Fields map[string]any
}

// New creates an error of the given kind with a formatted detail message
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
	}
}

// With attaches a context field and returns the same error
func (e *Error) With(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 4)
	}
	e.Fields[key] = value
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Fields[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

// Is matches another *Error or a bare Kind with the same kind
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	default:
		return false
	}
}

// KindOf extracts the kind from anywhere in the error chain
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return KindUnknown
}
