package kvstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/txkv/txkv/errs"
	"github.com/txkv/txkv/key"
)

// MemClient is an in-process Client backed by a guarded map, grounded on the
// teacher's internal/storage/mvcc.go use of sync.RWMutex plus a map of
// versioned state to provide strongly consistent reads under concurrent
// writers. It is the fast reference store the core's own test suite runs
// against.
type MemClient struct {
	mu     sync.RWMutex
	tables map[string]map[string]Item // table -> key.String() -> item
}

// NewMemClient returns an empty in-memory store.
func NewMemClient() *MemClient {
	return &MemClient{tables: make(map[string]map[string]Item)}
}

func (m *MemClient) table(name string) map[string]Item {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string]Item)
		m.tables[name] = t
	}
	return t
}

// Get implements Client.
func (m *MemClient) Get(_ context.Context, table string, k key.Key) (Item, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.tables[table][k.String()]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

// Put implements Client.
func (m *MemClient) Put(_ context.Context, table string, k key.Key, item Item, cond Conditions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	existing, ok := t[k.String()]
	if err := evalConditions(cond, existing, ok); err != nil {
		return err
	}
	t[k.String()] = item.Clone()
	return nil
}

// Update implements Client.
func (m *MemClient) Update(_ context.Context, table string, k key.Key, actions map[string]Action, cond Conditions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	existing, ok := t[k.String()]
	if err := evalConditions(cond, existing, ok); err != nil {
		return err
	}
	row := existing.Clone()
	if row == nil {
		row = Item{}
		for attr, v := range k.Attrs() {
			row[attr] = v
		}
	}
	if err := applyActions(row, actions); err != nil {
		return wrapBackingError("update", err)
	}
	t[k.String()] = row
	return nil
}

// Delete implements Client.
func (m *MemClient) Delete(_ context.Context, table string, k key.Key, cond Conditions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	existing, ok := t[k.String()]
	if err := evalConditions(cond, existing, ok); err != nil {
		return err
	}
	delete(t, k.String())
	return nil
}

// Scan implements Client. MemClient returns everything in one page; token is
// always empty on return, matching a store small enough to need no paging.
func (m *MemClient) Scan(_ context.Context, table string, _ string, _ int) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tables[table]
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]Item, 0, len(keys))
	for _, k := range keys {
		items = append(items, t[k].Clone())
	}
	return Page{Items: items}, nil
}

func evalConditions(cond Conditions, existing Item, exists bool) error {
	for attr, pred := range cond {
		_, has := existing[attr]
		switch {
		case pred.ExistsFalse:
			if has {
				return fmt.Errorf("attribute %s: %w", attr, errs.ErrConditionFailed)
			}
		case pred.Equals != nil:
			if !has || !existing[attr].Equal(*pred.Equals) {
				return fmt.Errorf("attribute %s: %w", attr, errs.ErrConditionFailed)
			}
		}
	}
	_ = exists
	return nil
}

func applyActions(row Item, actions map[string]Action) error {
	for attr, act := range actions {
		switch act.Kind {
		case ActionPut:
			row[attr] = act.Value
		case ActionDelete:
			delete(row, attr)
		case ActionAdd:
			cur, ok := row[attr]
			if !ok {
				row[attr] = act.Value
				continue
			}
			switch {
			case cur.Kind == key.KindNumber && act.Value.Kind == key.KindNumber:
				row[attr] = key.N(cur.N + act.Value.N)
			case cur.Kind == key.KindStringSet && act.Value.Kind == key.KindStringSet:
				row[attr] = key.StringSet(append(append([]string(nil), cur.SS...), act.Value.SS...)...)
			case cur.Kind == key.KindNumberSet && act.Value.Kind == key.KindNumberSet:
				row[attr] = key.NumberSet(append(append([]float64(nil), cur.NS...), act.Value.NS...)...)
			default:
				return fmt.Errorf("ADD on incompatible attribute %s (have %v, adding %v)", attr, cur.Kind, act.Value.Kind)
			}
		}
	}
	return nil
}
