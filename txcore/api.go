package txcore

import (
	"context"

	"github.com/txkv/txkv/key"
	"github.com/txkv/txkv/kvstore"
	"github.com/txkv/txkv/request"
)

// Put drives a PutRow request to completion: added to the record, locked,
// image-saved if needed, and applied (spec §4.1, §4.3).
func (c *Coordinator) Put(ctx context.Context, table string, item kvstore.Item, ret request.ReturnMode) error {
	req := request.Request{Kind: request.KindPut, Table: table, Item: item, Return: ret}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driveRequestLocked(ctx, req)
}

// Update drives an UpdateRow request to completion.
func (c *Coordinator) Update(ctx context.Context, table string, k key.Key, updates map[string]kvstore.Action, ret request.ReturnMode) error {
	req := request.Request{Kind: request.KindUpdate, Table: table, Key: k, Updates: updates, Return: ret}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driveRequestLocked(ctx, req)
}

// Delete drives a DeleteRow request to completion. The row mutation itself
// is deferred to unlock-after-commit (spec §4.3-E); by the time Delete
// returns, the row is locked and recorded for deletion at commit.
func (c *Coordinator) Delete(ctx context.Context, table string, k key.Key) error {
	req := request.Request{Kind: request.KindDelete, Table: table, Key: k}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driveRequestLocked(ctx, req)
}

// Get drives a ReadLock request and returns the row's current value inside
// this transaction — the strongest of the three isolation levels (spec
// §4.4: "implemented by issuing the read as a ReadLock request inside an
// actual transaction, which upgrades to a full lock acquisition").
//
// Per spec §9's open question, a key already covered by this transaction's
// own DeleteRow is reported absent rather than returning its pre-delete
// state.
func (c *Coordinator) Get(ctx context.Context, table string, k key.Key) (kvstore.Item, bool, error) {
	req := request.Request{Kind: request.KindReadLock, Table: table, Key: k}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.driveRequestLocked(ctx, req); err != nil {
		return nil, false, err
	}
	for _, r := range c.rec.Requests {
		if r.Kind == request.KindDelete && r.Table == table && r.Key.Equal(k) {
			return nil, false, nil
		}
	}
	item, ok, err := c.store.Client.Get(ctx, table, k)
	if err != nil {
		return nil, false, err
	}
	return item, ok, nil
}
