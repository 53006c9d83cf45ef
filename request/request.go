// Package request implements the closed tagged-variant request model (spec
// §4.1): PutRow, UpdateRow, DeleteRow, ReadLock. A closed sum type beats an
// inheritance hierarchy here (spec §9 "Polymorphic requests") — txcore
// switches on Kind in its apply/unlock/rollback tables instead of overriding
// per-type methods.
package request

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/txkv/txkv/errs"
	"github.com/txkv/txkv/key"
	"github.com/txkv/txkv/kvstore"
)

// Kind discriminates the closed request variant set.
type Kind uint8

const (
	KindPut Kind = iota
	KindUpdate
	KindDelete
	KindReadLock
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "Put"
	case KindUpdate:
		return "Update"
	case KindDelete:
		return "Delete"
	case KindReadLock:
		return "ReadLock"
	default:
		return "Unknown"
	}
}

// ReturnMode selects what a mutating request reports back to the caller on
// apply. ReadLock ignores it.
type ReturnMode uint8

const (
	ReturnNone ReturnMode = iota
	ReturnAllOld
	ReturnAllNew
)

// Request is one closed-variant transactional operation. Exactly the fields
// relevant to Kind are meaningful; Rid is assigned when the request is added
// to a transaction record (spec §4.1 "acquires a numeric rid").
type Request struct {
	Kind    Kind
	Table   string
	Key     key.Key               // meaningful for Update, Delete, ReadLock
	Item    kvstore.Item          // meaningful for Put: the full row to write
	Updates map[string]kvstore.Action // meaningful for Update
	Return  ReturnMode

	Rid uint64 // assigned on AddRequest; 0 until then
}

// TableKey identifies the (table, key) pair a request addresses, as used by
// Duplicate. A Put carries no separate key and this package has no table
// schema, so for Put the string is built from every attribute of Item: two
// Puts of the same row with different non-key attributes do not match here.
func (r Request) TableKey() (string, string) {
	switch r.Kind {
	case KindPut:
		return r.Table, key.New(r.Table, r.Item).String()
	default:
		return r.Table, r.Key.String()
	}
}

// IsMutating reports whether the request writes to the user row (Put,
// Update, Delete) as opposed to only acquiring a read lock.
func (r Request) IsMutating() bool { return r.Kind != KindReadLock }

// Validate checks a request against spec §4.1's rejection list: missing
// table, empty key, reserved attribute names, and (by construction, since
// this package exposes no such fields) conditional predicates or
// expressions — those simply have no place to be attached in this model.
func Validate(r Request, reservedPrefix string) error {
	if strings.TrimSpace(r.Table) == "" {
		return &errs.ErrInvalidRequest{Reason: "missing table name"}
	}
	switch r.Kind {
	case KindPut:
		if len(r.Item) == 0 {
			return &errs.ErrInvalidRequest{Reason: "put request carries no item"}
		}
		for name := range r.Item {
			if strings.HasPrefix(name, reservedPrefix) {
				return &errs.ErrInvalidRequest{Reason: fmt.Sprintf("attribute %q uses reserved prefix %q", name, reservedPrefix)}
			}
		}
	case KindUpdate:
		if len(r.Key.Attrs()) == 0 {
			return &errs.ErrInvalidRequest{Reason: "update request has empty key"}
		}
		if len(r.Updates) == 0 {
			return &errs.ErrInvalidRequest{Reason: "update request carries no attribute actions"}
		}
		for name := range r.Updates {
			if strings.HasPrefix(name, reservedPrefix) {
				return &errs.ErrInvalidRequest{Reason: fmt.Sprintf("attribute %q uses reserved prefix %q", name, reservedPrefix)}
			}
		}
	case KindDelete, KindReadLock:
		if len(r.Key.Attrs()) == 0 {
			return &errs.ErrInvalidRequest{Reason: "request has empty key"}
		}
	default:
		return &errs.ErrInvalidRequest{Reason: "unknown request kind"}
	}
	return nil
}

// Duplicate reports whether two mutating requests address the same (table,
// key) as TableKey renders it (for Put, the whole item); ReadLock never
// participates in the duplicate check because spec §3 invariant 7 says a
// read-lock silently merges with an existing write.
func Duplicate(a, b Request) bool {
	if !a.IsMutating() || !b.IsMutating() {
		return false
	}
	ta, ka := a.TableKey()
	tb, kb := b.TableKey()
	return ta == tb && ka == kb
}

// --- canonical binary serialization -----------------------------------------
//
// Format (all integers big-endian, all strings length-prefixed uint32):
//   kind(1) rid(8) table(str) return(1)
//   switch kind:
//     Put:      itemAttrs
//     Update:   keyAttrs updateActions
//     Delete:   keyAttrs
//     ReadLock: keyAttrs
//
// Map-valued fields are serialized with keys sorted lexicographically so
// that the same logical request always produces identical bytes, per the
// spec §4.1 requirement that serialization be stable.

// Serialize renders r into its canonical, length-prefixed, structure-tagged
// byte form. deserialize(serialize(r)) == r bit-for-bit for any r that
// Validate accepts.
func Serialize(r Request) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Kind))
	writeUint64(&buf, r.Rid)
	writeString(&buf, r.Table)
	buf.WriteByte(byte(r.Return))
	switch r.Kind {
	case KindPut:
		writeAttrs(&buf, r.Item)
	case KindUpdate:
		writeAttrs(&buf, r.Key.Attrs())
		writeActions(&buf, r.Updates)
	case KindDelete, KindReadLock:
		writeAttrs(&buf, r.Key.Attrs())
	}
	return buf.Bytes()
}

// Deserialize parses a Request previously produced by Serialize.
func Deserialize(b []byte) (Request, error) {
	r := bytes.NewReader(b)
	kindByte, err := r.ReadByte()
	if err != nil {
		return Request{}, fmt.Errorf("request: read kind: %w", err)
	}
	req := Request{Kind: Kind(kindByte)}
	if req.Rid, err = readUint64(r); err != nil {
		return Request{}, fmt.Errorf("request: read rid: %w", err)
	}
	if req.Table, err = readString(r); err != nil {
		return Request{}, fmt.Errorf("request: read table: %w", err)
	}
	retByte, err := r.ReadByte()
	if err != nil {
		return Request{}, fmt.Errorf("request: read return mode: %w", err)
	}
	req.Return = ReturnMode(retByte)
	switch req.Kind {
	case KindPut:
		attrs, err := readAttrs(r)
		if err != nil {
			return Request{}, fmt.Errorf("request: read item: %w", err)
		}
		req.Item = kvstore.Item(attrs)
	case KindUpdate:
		attrs, err := readAttrs(r)
		if err != nil {
			return Request{}, fmt.Errorf("request: read key: %w", err)
		}
		req.Key = key.New(req.Table, attrs)
		actions, err := readActions(r)
		if err != nil {
			return Request{}, fmt.Errorf("request: read actions: %w", err)
		}
		req.Updates = actions
	case KindDelete, KindReadLock:
		attrs, err := readAttrs(r)
		if err != nil {
			return Request{}, fmt.Errorf("request: read key: %w", err)
		}
		req.Key = key.New(req.Table, attrs)
	default:
		return Request{}, &errs.ErrInvalidRequest{Reason: "unknown serialized request kind"}
	}
	return req, nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeString(buf *bytes.Buffer, s string) {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(s)))
	buf.Write(lb[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lb[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(b)))
	buf.Write(lb[:])
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lb[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func writeValue(buf *bytes.Buffer, v key.Value) {
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case key.KindString:
		writeString(buf, v.S)
	case key.KindNumber:
		var nb [8]byte
		binary.BigEndian.PutUint64(nb[:], math.Float64bits(v.N))
		buf.Write(nb[:])
	case key.KindBytes:
		writeBytes(buf, v.B)
	case key.KindStringSet:
		ss := append([]string(nil), v.SS...)
		sort.Strings(ss)
		writeUint64(buf, uint64(len(ss)))
		for _, s := range ss {
			writeString(buf, s)
		}
	case key.KindNumberSet:
		ns := append([]float64(nil), v.NS...)
		sort.Float64s(ns)
		writeUint64(buf, uint64(len(ns)))
		for _, n := range ns {
			var nb [8]byte
			binary.BigEndian.PutUint64(nb[:], math.Float64bits(n))
			buf.Write(nb[:])
		}
	}
}

func readValue(r *bytes.Reader) (key.Value, error) {
	kb, err := r.ReadByte()
	if err != nil {
		return key.Value{}, err
	}
	switch key.ValueKind(kb) {
	case key.KindString:
		s, err := readString(r)
		if err != nil {
			return key.Value{}, err
		}
		return key.S(s), nil
	case key.KindNumber:
		var nb [8]byte
		if _, err := io.ReadFull(r, nb[:]); err != nil {
			return key.Value{}, err
		}
		return key.N(math.Float64frombits(binary.BigEndian.Uint64(nb[:]))), nil
	case key.KindBytes:
		b, err := readBytes(r)
		if err != nil {
			return key.Value{}, err
		}
		return key.B(b), nil
	case key.KindStringSet:
		n, err := readUint64(r)
		if err != nil {
			return key.Value{}, err
		}
		ss := make([]string, n)
		for i := range ss {
			if ss[i], err = readString(r); err != nil {
				return key.Value{}, err
			}
		}
		return key.StringSet(ss...), nil
	case key.KindNumberSet:
		n, err := readUint64(r)
		if err != nil {
			return key.Value{}, err
		}
		ns := make([]float64, n)
		for i := range ns {
			var nb [8]byte
			if _, err := io.ReadFull(r, nb[:]); err != nil {
				return key.Value{}, err
			}
			ns[i] = math.Float64frombits(binary.BigEndian.Uint64(nb[:]))
		}
		return key.NumberSet(ns...), nil
	default:
		return key.Value{}, fmt.Errorf("request: unknown value kind %d", kb)
	}
}

func writeAttrs(buf *bytes.Buffer, attrs map[string]key.Value) {
	names := make([]string, 0, len(attrs))
	for n := range attrs {
		names = append(names, n)
	}
	sort.Strings(names)
	writeUint64(buf, uint64(len(names)))
	for _, n := range names {
		writeString(buf, n)
		writeValue(buf, attrs[n])
	}
}

func readAttrs(r *bytes.Reader) (map[string]key.Value, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	attrs := make(map[string]key.Value, n)
	for i := uint64(0); i < n; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readValue(r)
		if err != nil {
			return nil, err
		}
		attrs[name] = v
	}
	return attrs, nil
}

func writeActions(buf *bytes.Buffer, actions map[string]kvstore.Action) {
	names := make([]string, 0, len(actions))
	for n := range actions {
		names = append(names, n)
	}
	sort.Strings(names)
	writeUint64(buf, uint64(len(names)))
	for _, n := range names {
		writeString(buf, n)
		a := actions[n]
		buf.WriteByte(byte(a.Kind))
		writeValue(buf, a.Value)
	}
}

func readActions(r *bytes.Reader) (map[string]kvstore.Action, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	actions := make(map[string]kvstore.Action, n)
	for i := uint64(0); i < n; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		kb, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		v, err := readValue(r)
		if err != nil {
			return nil, err
		}
		actions[name] = kvstore.Action{Kind: kvstore.ActionKind(kb), Value: v}
	}
	return actions, nil
}
