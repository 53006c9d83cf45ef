// Package txrecord implements the durable transaction record (spec §4.2)
// and its state machine (spec §4.7): the coordinator's durable state,
// stored as one row in the T_TX table, plus the pre-image table T_IMG.
package txrecord

import (
	"context"
	"fmt"
	"sort"

	"github.com/txkv/txkv/errs"
	"github.com/txkv/txkv/key"
	"github.com/txkv/txkv/kvstore"
	"github.com/txkv/txkv/request"
)

// State is one of the three transaction-record states (spec §3, §4.7).
type State string

const (
	StatePending    State = "PENDING"
	StateCommitted  State = "COMMITTED"
	StateRolledBack State = "ROLLED_BACK"
)

// Reserved T_TX attribute names.
const (
	attrTxID        = "txid"
	attrState       = "state"
	attrVersion     = "version"
	attrLastUpdated = "last_updated"
	attrFinalized   = "finalized"
	attrRequests    = "requests"
)

// Reserved T_IMG attribute name.
const imgAttrImageID = "image_id"

// Record is the coordinator's in-memory view of one transaction's durable
// state, loaded from T_TX and decoded.
type Record struct {
	TxID        string
	State       State
	Version     uint64
	LastUpdated int64
	Finalized   bool
	Requests    []request.Request // ordered by Rid
}

// Store wraps a kvstore.Client with the two table names a deployment has
// chosen. It does not know the reserved attribute prefix for user items;
// callers that strip or set those attributes supply it themselves.
type Store struct {
	Client     kvstore.Client
	TxTable    string
	ImageTable string
	Now        func() int64 // injected clock, defaults to time.Now().Unix() by the caller

	// MaxItemSize bounds the serialized size, in bytes, of the record's
	// request set (spec §7 ItemSizeExceeded). Zero disables the check.
	MaxItemSize int
}

// requestsSize returns the total serialized size, in bytes, of rec's
// already-recorded requests, for AddRequest's ItemSizeExceeded check.
func (s *Store) requestsSize(rec *Record) int {
	total := 0
	for _, r := range rec.Requests {
		total += len(request.Serialize(r))
	}
	return total
}

func (s *Store) txKey(txid string) key.Key {
	return key.New(s.TxTable, map[string]key.Value{attrTxID: key.S(txid)})
}

func (s *Store) imageKey(imageID string) key.Key {
	return key.New(s.ImageTable, map[string]key.Value{imgAttrImageID: key.S(imageID)})
}

// Insert creates a new Pending transaction record. Fails with
// errs.ErrConditionFailed (wrapped) if txid already exists.
func (s *Store) Insert(ctx context.Context, txid string) (*Record, error) {
	now := s.Now()
	item := kvstore.Item{
		attrTxID:        key.S(txid),
		attrState:       key.S(string(StatePending)),
		attrVersion:     key.N(1),
		attrLastUpdated: key.N(float64(now)),
	}
	cond := kvstore.Conditions{
		attrTxID: kvstore.NotExists(),
	}
	if err := s.Client.Put(ctx, s.TxTable, s.txKey(txid), item, cond); err != nil {
		return nil, fmt.Errorf("txrecord: insert %s: %w", txid, err)
	}
	return &Record{TxID: txid, State: StatePending, Version: 1, LastUpdated: now}, nil
}

// Load performs a strongly consistent read of the transaction record.
func (s *Store) Load(ctx context.Context, txid string) (*Record, error) {
	item, ok, err := s.Client.Get(ctx, s.TxTable, s.txKey(txid))
	if err != nil {
		return nil, fmt.Errorf("txrecord: load %s: %w", txid, err)
	}
	if !ok {
		return nil, &errs.ErrTxNotFound{TxID: txid}
	}
	return decodeRecord(txid, item)
}

func decodeRecord(txid string, item kvstore.Item) (*Record, error) {
	rec := &Record{TxID: txid}
	if v, ok := item[attrState]; ok {
		rec.State = State(v.S)
	}
	if v, ok := item[attrVersion]; ok {
		rec.Version = uint64(v.N)
	}
	if v, ok := item[attrLastUpdated]; ok {
		rec.LastUpdated = int64(v.N)
	}
	if v, ok := item[attrFinalized]; ok {
		rec.Finalized = v.N != 0
	}
	if v, ok := item[attrRequests]; ok {
		reqs := make([]request.Request, 0, len(v.SS))
		for _, blob := range v.SS {
			r, err := request.Deserialize([]byte(blob))
			if err != nil {
				return nil, fmt.Errorf("txrecord: decode request for %s: %w", txid, err)
			}
			reqs = append(reqs, r)
		}
		sort.Slice(reqs, func(i, j int) bool { return reqs[i].Rid < reqs[j].Rid })
		rec.Requests = reqs
	}
	return rec, nil
}

// AddRequest appends req (assigning its Rid = the post-increment version) to
// the record, subject to "state = Pending and version = rec.Version" (spec
// §4.2). On success it returns the updated Record including the assigned
// Rid. Callers must reload and reclassify on failure per spec §4.3-A.
func (s *Store) AddRequest(ctx context.Context, rec *Record, req request.Request) (*Record, error) {
	rid := rec.Version + 1
	req.Rid = rid
	blob := request.Serialize(req)
	if s.MaxItemSize > 0 {
		if size := s.requestsSize(rec) + len(blob); size > s.MaxItemSize {
			return nil, &errs.ErrItemSizeExceeded{Size: size, Max: s.MaxItemSize}
		}
	}
	now := s.Now()
	actions := map[string]kvstore.Action{
		attrRequests:    {Kind: kvstore.ActionAdd, Value: key.StringSet(string(blob))},
		attrVersion:     {Kind: kvstore.ActionPut, Value: key.N(float64(rid))},
		attrLastUpdated: {Kind: kvstore.ActionPut, Value: key.N(float64(now))},
	}
	cond := kvstore.Conditions{
		attrState:   kvstore.EqualTo(key.S(string(StatePending))),
		attrVersion: kvstore.EqualTo(key.N(float64(rec.Version))),
	}
	if err := s.Client.Update(ctx, s.TxTable, s.txKey(rec.TxID), actions, cond); err != nil {
		return nil, fmt.Errorf("txrecord: add request to %s: %w", rec.TxID, err)
	}
	updated := *rec
	updated.Version = rid
	updated.LastUpdated = now
	updated.Requests = append(append([]request.Request(nil), rec.Requests...), req)
	return &updated, nil
}

// Finish transitions Pending -> target (Committed or RolledBack), condioned
// on state = Pending, finalized absent, version = expectedVersion (spec
// §4.2).
func (s *Store) Finish(ctx context.Context, rec *Record, target State, expectedVersion uint64) error {
	actions := map[string]kvstore.Action{
		attrState:       {Kind: kvstore.ActionPut, Value: key.S(string(target))},
		attrLastUpdated: {Kind: kvstore.ActionPut, Value: key.N(float64(s.Now()))},
	}
	cond := kvstore.Conditions{
		attrState:     kvstore.EqualTo(key.S(string(StatePending))),
		attrVersion:   kvstore.EqualTo(key.N(float64(expectedVersion))),
		attrFinalized: kvstore.NotExists(),
	}
	if err := s.Client.Update(ctx, s.TxTable, s.txKey(rec.TxID), actions, cond); err != nil {
		return fmt.Errorf("txrecord: finish %s -> %s: %w", rec.TxID, target, err)
	}
	return nil
}

// Finalize sets finalized = true, conditioned on state = expectedState
// (spec §4.2).
func (s *Store) Finalize(ctx context.Context, rec *Record, expectedState State) error {
	actions := map[string]kvstore.Action{
		attrFinalized: {Kind: kvstore.ActionPut, Value: key.N(1)},
	}
	cond := kvstore.Conditions{
		attrState: kvstore.EqualTo(key.S(string(expectedState))),
	}
	if err := s.Client.Update(ctx, s.TxTable, s.txKey(rec.TxID), actions, cond); err != nil {
		return fmt.Errorf("txrecord: finalize %s: %w", rec.TxID, err)
	}
	return nil
}

// Delete removes the transaction record, conditioned on finalized = true.
// Idempotent: a record that is already gone is reported as success, per
// spec §4.2.
func (s *Store) Delete(ctx context.Context, txid string) error {
	cond := kvstore.Conditions{
		attrFinalized: kvstore.EqualTo(key.N(1)),
	}
	err := s.Client.Delete(ctx, s.TxTable, s.txKey(txid), cond)
	if err == nil {
		return nil
	}
	if errs.IsConditionFailed(err) {
		// Distinguish "not finalized yet" from "already deleted."
		if _, ok, gerr := s.Client.Get(ctx, s.TxTable, s.txKey(txid)); gerr == nil && !ok {
			return nil
		}
	}
	return fmt.Errorf("txrecord: delete %s: %w", txid, err)
}

// Scan returns one page of decoded transaction records from T_TX, for the
// sweeper to paginate over (spec §4.6 "caller paginates").
func (s *Store) Scan(ctx context.Context, token string, pageSize int) ([]*Record, string, error) {
	page, err := s.Client.Scan(ctx, s.TxTable, token, pageSize)
	if err != nil {
		return nil, "", fmt.Errorf("txrecord: scan: %w", err)
	}
	recs := make([]*Record, 0, len(page.Items))
	for _, item := range page.Items {
		txidVal, ok := item[attrTxID]
		if !ok {
			continue
		}
		rec, err := decodeRecord(txidVal.S, item)
		if err != nil {
			return nil, "", err
		}
		recs = append(recs, rec)
	}
	return recs, page.Token, nil
}

// SaveItemImage stores the pre-image of a user item — the row exactly as
// fetched right after lock acquisition, lock attributes included — under
// "<txid>#<rid>", no-op if one is already present (spec §4.2, §4.3-C: image
// save is conditioned on image_id absent so the stored pre-image is always
// the true pre-image). Restoring it (spec §4.3-I) is the caller's job, since
// stripping the lock attributes back out depends on the deployment's
// reserved-attribute prefix, which this package does not know.
func (s *Store) SaveItemImage(ctx context.Context, txid string, rid uint64, item kvstore.Item) error {
	imageID := key.ImageID(txid, rid)
	img := item.Clone()
	img[imgAttrImageID] = key.S(imageID)
	cond := kvstore.Conditions{imgAttrImageID: kvstore.NotExists()}
	err := s.Client.Put(ctx, s.ImageTable, s.imageKey(imageID), img, cond)
	if err == nil || errs.IsConditionFailed(err) {
		return nil
	}
	return fmt.Errorf("txrecord: save image %s: %w", imageID, err)
}

// LoadItemImage returns the saved pre-image, stripped only of T_IMG's own
// image_id bookkeeping attribute. ok is false if no image was ever saved for
// this rid.
func (s *Store) LoadItemImage(ctx context.Context, txid string, rid uint64) (kvstore.Item, bool, error) {
	imageID := key.ImageID(txid, rid)
	item, ok, err := s.Client.Get(ctx, s.ImageTable, s.imageKey(imageID))
	if err != nil {
		return nil, false, fmt.Errorf("txrecord: load image %s: %w", imageID, err)
	}
	if !ok {
		return nil, false, nil
	}
	out := item.Clone()
	delete(out, imgAttrImageID)
	return out, true, nil
}

// DeleteItemImage removes a pre-image unconditionally; images have no
// predicate because they are only ever deleted by the transaction that owns
// them, at finalize.
func (s *Store) DeleteItemImage(ctx context.Context, txid string, rid uint64) error {
	imageID := key.ImageID(txid, rid)
	err := s.Client.Delete(ctx, s.ImageTable, s.imageKey(imageID), nil)
	if err == nil || errs.IsConditionFailed(err) {
		return nil
	}
	return fmt.Errorf("txrecord: delete image %s: %w", imageID, err)
}

// Classify turns a Load error or a post-Finish reload into the appropriate
// terminal error per spec §7, given the freshly reloaded record (or nil if
// the record has vanished).
func Classify(rec *Record, txid string) error {
	if rec == nil {
		return &errs.ErrTxUnknownCompleted{TxID: txid}
	}
	switch rec.State {
	case StateCommitted:
		return &errs.ErrTxCommitted{TxID: txid}
	case StateRolledBack:
		return &errs.ErrTxRolledBack{TxID: txid}
	default:
		return nil
	}
}
