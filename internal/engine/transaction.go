package engine

// TxKind distinguishes the two shapes of transaction this engine opens:
// one that only ever touches a block's bitmap, and one that also
// carries a BAT write because the block itself was just reserved.
type TxKind int

const (
	TxBitmapOnly TxKind = iota
	TxBATAndBitmap
)

// Transaction groups every Request needed to land one logical state
// change — a bitmap update, or a block allocation plus the bitmap
// update it enables — so the scheduler can treat "did this block
// become readable" as a single atomic event instead of reasoning about
// individual I/Os.
//
// Started counts requests opened under the transaction; Finished
// counts completions reported back via MarkFinished. The transaction
// is done exactly when Finished reaches Started and Close has been
// called to signal no more requests will be added.
type Transaction struct {
	Kind       TxKind
	BlockIndex uint32
	CacheSlot  int

	Started  int
	Finished int
	closed   bool
	Err      error

	requests []*Request

	// onDataPhaseDone is the "data-transaction finisher": invoked exactly once, the first time Started==Finished,
	// i.e. when every request tracked up to that point (the grouped
	// data writes and, if present, the zero-bitmap write) has
	// completed. It is responsible for tracking any follow-on requests
	// (a BAT write, a bitmap write) and calling Close.
	onDataPhaseDone func(*Transaction)

	// onFinalize is the "bitmap-transaction finalizer": invoked exactly once, once the transaction is both closed
	// and every tracked request (including any follow-on ones) has
	// finished. It signals every request's caller and releases state.
	onFinalize func(*Transaction)

	dataPhaseFired bool
}

// NewTransaction starts an open transaction against a cache slot.
func NewTransaction(kind TxKind, blockIndex uint32, cacheSlot int, onDataPhaseDone func(*Transaction)) *Transaction {
	return &Transaction{Kind: kind, BlockIndex: blockIndex, CacheSlot: cacheSlot, onDataPhaseDone: onDataPhaseDone}
}

// Track registers a request as part of this transaction and bumps
// Started. It must be called before the request is submitted to the
// aio ring.
func (t *Transaction) Track(r *Request) {
	r.Tx = t
	t.requests = append(t.requests, r)
	t.Started++
}

// MarkFinished records one request's completion. recErr, if non-nil
// and the transaction has not already failed, becomes the
// transaction's terminal error — the first failure wins, so the
// transaction fails as a whole if any member request fails.
func (t *Transaction) MarkFinished(recErr error) {
	t.Finished++
	if recErr != nil && t.Err == nil {
		t.Err = recErr
	}
	if !t.dataPhaseFired && t.Finished == t.Started {
		t.dataPhaseFired = true
		if t.onDataPhaseDone != nil {
			t.onDataPhaseDone(t)
		}
	}
	t.maybeFinalize()
}

// Close signals that no further requests will be tracked under this
// transaction. Safe to call before or after the last MarkFinished.
func (t *Transaction) Close() {
	t.closed = true
	t.maybeFinalize()
}

func (t *Transaction) maybeFinalize() {
	if !t.closed || t.Finished < t.Started {
		return
	}
	if t.onFinalize != nil {
		cb := t.onFinalize
		t.onFinalize = nil
		cb(t)
	}
}

// SetOnFinalize installs the bitmap-transaction finalizer. Separated
// from NewTransaction because the engine needs the cache slot's final
// identity (possibly only known once the data phase has run) before
// deciding what finalize should do.
func (t *Transaction) SetOnFinalize(f func(*Transaction)) { t.onFinalize = f }

// Failed reports whether any tracked request has completed with an
// error.
func (t *Transaction) Failed() bool { return t.Err != nil }

// Requests returns the requests tracked under this transaction, for
// finishers that need to drain them on failure.
func (t *Transaction) Requests() []*Request { return t.requests }
