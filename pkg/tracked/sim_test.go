package tracked

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	gocmp "github.com/google/go-cmp/cmp"
)

type ledgerRow struct {
	id   int64
	txid TxID
}

var allowRows = gocmp.AllowUnexported(ledgerRow{})

func compareChanges(a, b Change) int {
	if c := cmp.Compare(a.LastModifiedTxID, b.LastModifiedTxID); c != 0 {
		return c
	}
	return cmp.Compare(a.ObjectID, b.ObjectID)
}

// selectPage evaluates the change selector over an in-memory ledger.
func selectPage(rows map[int64]TxID, c Cursor, limit int) []Change {
	var buckets [3][]Change
	for id, t := range rows {
		if c.XidAt != 0 && t == c.XidAt && id > c.XidAtID {
			buckets[0] = append(buckets[0], Change{ObjectID: id, LastModifiedTxID: t, Priority: PriorityContinuation})
		}
		if slices.Contains(c.XipList, t) {
			buckets[1] = append(buckets[1], Change{ObjectID: id, LastModifiedTxID: t, Priority: PriorityInProgress})
		}
		if t >= c.XidNext {
			buckets[2] = append(buckets[2], Change{ObjectID: id, LastModifiedTxID: t, Priority: PriorityNew})
		}
	}
	var out []Change
	for _, bucket := range buckets {
		slices.SortFunc(bucket, compareChanges)
		out = append(out, bucket[:min(len(bucket), limit)]...)
	}
	return out[:min(len(out), limit)]
}

// fetchPage is GetChangedVersions without the store.
func fetchPage(t *testing.T, rows map[int64]TxID, snap Snapshot, c Cursor, limit int) ([]ledgerRow, Cursor) {
	t.Helper()
	changes := selectPage(rows, c, limit)
	var last Change
	if len(changes) > 0 {
		last = changes[len(changes)-1]
	}
	next, err := c.Next(snap, last, len(changes) >= limit)
	if err != nil {
		t.Fatalf("Next(%s): %v", c, err)
	}
	if err := next.validate(); err != nil {
		t.Fatalf("invalid cursor %s: %v", next, err)
	}
	if next.XidNext < c.XidNext {
		t.Fatalf("xid_next went back from %d to %d", c.XidNext, next.XidNext)
	}

	var page []ledgerRow
	onPage := make(map[int64]bool)
	for _, ch := range mergeChanges(changes) {
		if onPage[ch.ObjectID] {
			t.Fatalf("object %d returned twice in one page", ch.ObjectID)
		}
		onPage[ch.ObjectID] = true
		page = append(page, ledgerRow{id: ch.ObjectID, txid: ch.LastModifiedTxID})
	}
	return page, next
}

// drain pages until an empty page and returns every row returned.
func drain(t *testing.T, rows map[int64]TxID, snap Snapshot, c Cursor, limit int) ([]ledgerRow, Cursor) {
	t.Helper()
	var all []ledgerRow
	for i := 0; ; i++ {
		if i > 2*len(rows)+4 {
			t.Fatalf("paging did not terminate, cursor %s", c)
		}
		page, next := fetchPage(t, rows, snap, c, limit)
		c = next
		if len(page) == 0 {
			return all, c
		}
		all = append(all, page...)
	}
}

func TestPagingStaticLedger(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	rows := make(map[int64]TxID)
	for id := int64(1); id <= 60; id++ {
		rows[id] = TxID(3 + rng.IntN(12))
	}
	snap := Snapshot{Xmin: 20, Xmax: 20}

	for limit := 1; limit <= 7; limit++ {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			seen := make(map[ledgerRow]bool)
			cursor := InitialCursor()
			for i := 0; ; i++ {
				if i > len(rows)+2 {
					t.Fatalf("paging did not terminate, cursor %s", cursor)
				}
				page, next := fetchPage(t, rows, snap, cursor, limit)
				cursor = next
				if len(page) == 0 {
					break
				}
				for _, r := range page {
					if seen[r] {
						t.Fatalf("object %d at txid %d returned twice", r.id, r.txid)
					}
					seen[r] = true
				}
			}
			if len(seen) != len(rows) {
				t.Errorf("returned %d objects, want %d", len(seen), len(rows))
			}
			if diff := gocmp.Diff(Cursor{XidNext: 20}, cursor); diff != "" {
				t.Errorf("final cursor mismatch (-want +got):\n%s", diff)
			}
			// a drained stream stays drained
			page, again := fetchPage(t, rows, snap, cursor, limit)
			if len(page) != 0 || !gocmp.Equal(cursor, again) {
				t.Errorf("drained stream moved: %v %s", page, again)
			}
		})
	}
}

// mvcc models transaction id assignment and snapshot visibility: ids are
// handed out in begin order, writes become visible at commit, and a snapshot
// lists the running transactions below one past the latest completed id.
type mvcc struct {
	nextTxID TxID
	latest   TxID
	open     []TxID
	rows     map[int64]TxID
}

func newMVCC() *mvcc {
	return &mvcc{nextTxID: 3, latest: 2, rows: make(map[int64]TxID)}
}

func (m *mvcc) begin() {
	m.open = append(m.open, m.nextTxID)
	m.nextTxID++
}

func (m *mvcc) finish(i int, ids []int64) {
	t := m.open[i]
	m.open = slices.Delete(m.open, i, i+1)
	for _, id := range ids {
		m.rows[id] = t
	}
	m.latest = max(m.latest, t)
}

func (m *mvcc) snapshot() Snapshot {
	xmax := m.latest + 1
	var xip []TxID
	for _, t := range m.open {
		if t < xmax {
			xip = append(xip, t)
		}
	}
	xip = normalizeTxIDs(xip)
	xmin := xmax
	if len(xip) > 0 {
		xmin = xip[0]
	}
	return Snapshot{Xmin: xmin, Xmax: xmax, InProgress: xip}
}

func TestPagingConcurrentWriters(t *testing.T) {
	for seed := uint64(1); seed <= 40; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, seed*31))
			m := newMVCC()
			delivered := make(map[ledgerRow]bool)
			cursor := InitialCursor()

			page := func(limit int) int {
				snap := m.snapshot()
				for id, txid := range m.rows {
					if !snap.Visible(txid) {
						t.Fatalf("committed row %d at %d invisible in %+v", id, txid, snap)
					}
				}
				rows, next := fetchPage(t, m.rows, snap, cursor, limit)
				for _, r := range rows {
					if m.rows[r.id] != r.txid {
						t.Fatalf("returned stale row %d at %d", r.id, r.txid)
					}
					delivered[r] = true
				}
				cursor = next
				return len(rows)
			}

			for step := 0; step < 400; step++ {
				switch op := rng.IntN(10); {
				case op < 3 && len(m.open) < 5:
					m.begin()
				case op < 6 && len(m.open) > 0:
					ids := make([]int64, 1+rng.IntN(3))
					for i := range ids {
						ids[i] = int64(1 + rng.IntN(25))
					}
					m.finish(rng.IntN(len(m.open)), ids)
				case op == 6 && len(m.open) > 0:
					// rollback
					m.finish(rng.IntN(len(m.open)), nil)
				default:
					page(1 + rng.IntN(4))
				}
			}
			for len(m.open) > 0 {
				m.finish(0, []int64{int64(1 + rng.IntN(25))})
			}

			for i := 0; page(3) > 0; i++ {
				if i > 200 {
					t.Fatalf("paging did not terminate, cursor %s", cursor)
				}
			}
			for id, txid := range m.rows {
				if !delivered[ledgerRow{id: id, txid: txid}] {
					t.Errorf("final version of object %d (txid %d) never returned", id, txid)
				}
			}
			if len(cursor.XipList) != 0 || cursor.XidAt != 0 {
				t.Errorf("drained cursor still tracks transactions: %s", cursor)
			}
		})
	}
}

func TestCommittedInProgressTransactionReturnedOncePerPage(t *testing.T) {
	rows := map[int64]TxID{1: 5, 2: 5}
	page, cursor := fetchPage(t, rows, Snapshot{Xmin: 8, Xmax: 10, InProgress: []TxID{8}}, InitialCursor(), 1)
	if diff := gocmp.Diff([]ledgerRow{{id: 1, txid: 5}}, page, allowRows); diff != "" {
		t.Fatalf("first page mismatch (-want +got):\n%s", diff)
	}
	if diff := gocmp.Diff(Cursor{XidAt: 5, XidAtID: 1, XipList: []TxID{8}, XidNext: 6}, cursor); diff != "" {
		t.Fatalf("cursor mismatch (-want +got):\n%s", diff)
	}

	// 8 commits object 3 and is now both in xip_list and above xid_next
	rows[3] = 8
	snap := Snapshot{Xmin: 10, Xmax: 10}
	page, cursor = fetchPage(t, rows, snap, cursor, 3)
	if diff := gocmp.Diff([]ledgerRow{{id: 2, txid: 5}, {id: 3, txid: 8}}, page, allowRows); diff != "" {
		t.Errorf("page mismatch (-want +got):\n%s", diff)
	}
	if diff := gocmp.Diff(Cursor{XidAt: 8, XidAtID: 3, XidNext: 9}, cursor); diff != "" {
		t.Errorf("cursor mismatch (-want +got):\n%s", diff)
	}
	if page, _ := fetchPage(t, rows, snap, cursor, 3); len(page) != 0 {
		t.Errorf("drained stream returned %v", page)
	}
}

func TestInProgressPageDoesNotSkipFrontier(t *testing.T) {
	rows := map[int64]TxID{1: 5, 4: 6}
	_, cursor := fetchPage(t, rows, Snapshot{Xmin: 8, Xmax: 10, InProgress: []TxID{8}}, InitialCursor(), 1)

	// the next page ends on 8 from xip_list before reaching 6 above xid_next
	rows[3] = 8
	got, _ := drain(t, rows, Snapshot{Xmin: 10, Xmax: 10}, cursor, 1)
	for id, txid := range rows {
		if id != 1 && !slices.Contains(got, ledgerRow{id: id, txid: txid}) {
			t.Errorf("object %d at txid %d never returned, got %v", id, txid, got)
		}
	}
}

func TestConcurrentUpdateIsRevisited(t *testing.T) {
	m := newMVCC()
	m.begin()
	m.finish(0, []int64{1})

	t2 := m.nextTxID
	m.begin()
	t1 := m.nextTxID
	m.begin()
	// T1 creates object 2 and commits while T2, which holds the lower id,
	// is still running
	m.finish(1, []int64{2})

	page, cursor := fetchPage(t, m.rows, m.snapshot(), InitialCursor(), 10)
	if diff := gocmp.Diff([]ledgerRow{{id: 1, txid: t2 - 1}, {id: 2, txid: t1}}, page, allowRows); diff != "" {
		t.Errorf("first page mismatch (-want +got):\n%s", diff)
	}
	if diff := gocmp.Diff(Cursor{XipList: []TxID{t2}, XidNext: t1 + 1}, cursor); diff != "" {
		t.Errorf("cursor mismatch (-want +got):\n%s", diff)
	}

	// T2 updates object 2 and commits
	m.finish(0, []int64{2})

	page, cursor = fetchPage(t, m.rows, m.snapshot(), cursor, 1)
	if diff := gocmp.Diff([]ledgerRow{{id: 2, txid: t2}}, page, allowRows); diff != "" {
		t.Errorf("second page mismatch (-want +got):\n%s", diff)
	}
	if slices.Contains(cursor.XipList, t2) {
		t.Errorf("T2 still in xip_list: %s", cursor)
	}
	if cursor.XidNext != t1+1 {
		t.Errorf("xid_next = %d, want %d", cursor.XidNext, t1+1)
	}

	page, cursor = fetchPage(t, m.rows, m.snapshot(), cursor, 1)
	if len(page) != 0 {
		t.Errorf("third page = %v, want nothing", page)
	}
	if diff := gocmp.Diff(Cursor{XidNext: t1 + 1}, cursor); diff != "" {
		t.Errorf("final cursor mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSnapshot(t *testing.T) {
	tests := []struct {
		raw     string
		want    Snapshot
		wantErr bool
	}{
		{raw: "10:10:", want: Snapshot{Xmin: 10, Xmax: 10}},
		{raw: "100:105:103,101,103", want: Snapshot{Xmin: 100, Xmax: 105, InProgress: []TxID{101, 103}}},
		{raw: " 4294967296:4294967300:4294967297\n", want: Snapshot{Xmin: 1 << 32, Xmax: 1<<32 + 4, InProgress: []TxID{1<<32 + 1}}},
		{raw: "10:9:", wantErr: true},
		{raw: "10:12", wantErr: true},
		{raw: "a:12:", wantErr: true},
		{raw: "10:12:11,x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSnapshot(tt.raw)
		if tt.wantErr {
			if !IsInternal(err) {
				t.Errorf("ParseSnapshot(%q) = %+v, %v, want an internal error", tt.raw, got, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSnapshot(%q): %v", tt.raw, err)
			continue
		}
		if diff := gocmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseSnapshot(%q) mismatch (-want +got):\n%s", tt.raw, diff)
		}
	}
}

func TestSnapshotShift(t *testing.T) {
	got := Snapshot{Xmin: 5, Xmax: 9, InProgress: []TxID{6}}.shift(100)
	want := Snapshot{Xmin: 105, Xmax: 109, InProgress: []TxID{106}}
	if diff := gocmp.Diff(want, got); diff != "" {
		t.Errorf("shift mismatch (-want +got):\n%s", diff)
	}
	if !got.Visible(105) || got.Visible(106) || got.Visible(109) {
		t.Errorf("unexpected visibility in %+v", got)
	}
}
