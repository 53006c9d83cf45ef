// Package key implements the structural, order-insensitive key used to
// address user items and to key in-memory maps of them (spec §2 component 2).
//
// What: a Key is a table name plus an ordered set of attribute values that
// together form the primary key predicate for one row.
// How: attribute values are normalized into a canonical, order-insensitive
// form before hashing/equality so that two Keys built from maps with
// different iteration order still compare equal.
// Why: Go maps cannot be used directly as map keys, and the backing store's
// primary key may be composite (hash + range); Key gives both a stable
// identity and a deterministic string form for composite ids like
// "<txid>#<rid>".
package key

import (
	"fmt"
	"sort"
	"strings"
)

// Value is one attribute value participating in a Key. Exactly one field is
// meaningful, selected by Kind.
type Value struct {
	Kind  ValueKind
	S     string
	N     float64
	B     []byte
	SS    []string // string set, order-insensitive
	NS    []float64
}

// ValueKind tags which field of Value is populated.
type ValueKind uint8

const (
	KindString ValueKind = iota
	KindNumber
	KindBytes
	KindStringSet
	KindNumberSet
)

// S builds a string-valued key attribute.
func S(s string) Value { return Value{Kind: KindString, S: s} }

// N builds a numeric-valued key attribute.
func N(n float64) Value { return Value{Kind: KindNumber, N: n} }

// B builds a byte-buffer key attribute.
func B(b []byte) Value { return Value{Kind: KindBytes, B: append([]byte(nil), b...)} }

// StringSet builds an order-insensitive string-set key attribute.
func StringSet(ss ...string) Value {
	cp := append([]string(nil), ss...)
	sort.Strings(cp)
	return Value{Kind: KindStringSet, SS: cp}
}

// NumberSet builds an order-insensitive number-set key attribute.
func NumberSet(ns ...float64) Value {
	cp := append([]float64(nil), ns...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	return Value{Kind: KindNumberSet, NS: cp}
}

// Equal reports structural equality, treating sets as order-insensitive.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.S == o.S
	case KindNumber:
		return v.N == o.N
	case KindBytes:
		return string(v.B) == string(o.B)
	case KindStringSet:
		return equalStringSlices(v.SS, o.SS)
	case KindNumberSet:
		return equalFloatSlices(v.NS, o.NS)
	default:
		return false
	}
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalFloatSlices(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// canonical renders a Value into a delimiter-safe, order-insensitive string
// so Keys sharing the same attributes hash and compare equal regardless of
// how the caller assembled them.
func (v Value) canonical() string {
	switch v.Kind {
	case KindString:
		return "s:" + v.S
	case KindNumber:
		return fmt.Sprintf("n:%v", v.N)
	case KindBytes:
		return "b:" + string(v.B)
	case KindStringSet:
		return "ss:" + strings.Join(v.SS, "\x1f")
	case KindNumberSet:
		parts := make([]string, len(v.NS))
		for i, n := range v.NS {
			parts[i] = fmt.Sprintf("%v", n)
		}
		return "ns:" + strings.Join(parts, "\x1f")
	default:
		return ""
	}
}

// Key is an immutable, structural, order-insensitive identifier for one user
// item: a table name plus its primary-key attributes.
type Key struct {
	Table string
	attrs map[string]Value
	// canon is computed eagerly so Key is cheap to use as a map key via
	// its String() form and cheap to compare via Equal.
	canon string
}

// New builds a Key from a table name and its primary-key attribute map.
// attrs is copied; later mutation by the caller does not affect the Key.
func New(table string, attrs map[string]Value) Key {
	cp := make(map[string]Value, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	k := Key{Table: table, attrs: cp}
	k.canon = k.canonicalize()
	return k
}

func (k Key) canonicalize() string {
	names := make([]string, 0, len(k.attrs))
	for n := range k.attrs {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(k.Table)
	for _, n := range names {
		b.WriteByte('\x1e')
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(k.attrs[n].canonical())
	}
	return b.String()
}

// Attrs returns a copy of the key's primary-key attribute map.
func (k Key) Attrs() map[string]Value {
	cp := make(map[string]Value, len(k.attrs))
	for n, v := range k.attrs {
		cp[n] = v
	}
	return cp
}

// Equal reports whether two Keys address the same (table, attributes) pair,
// independent of how each was constructed.
func (k Key) Equal(o Key) bool { return k.canon == o.canon }

// String returns a stable, order-insensitive string form suitable for use as
// a Go map key or a log field. It is not meant to be parsed back into a Key.
func (k Key) String() string { return k.canon }

// ImageID returns the composite "<txid>#<rid>" identifier under which this
// key's pre-image is stored in T_IMG, per spec §3.
func ImageID(txid string, rid uint64) string {
	return fmt.Sprintf("%s#%d", txid, rid)
}
