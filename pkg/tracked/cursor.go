package tracked

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Cursor is the continuation token handed to clients between calls.
//
// All changes not yet returned have last_modified_txid >= XidNext, or a
// transaction id in XipList, or belong to transaction XidAt with an object id
// above XidAtID.
type Cursor struct {
	// XidAt is the transaction whose changes were only partially returned.
	// Zero means no transaction is being paged through.
	XidAt TxID
	// XidAtID is the last object id returned for XidAt.
	XidAtID int64
	// XipList holds transactions that were in progress at an earlier
	// snapshot and have to be checked again. Sorted, no duplicates.
	XipList []TxID
	// XidNext is the lowest transaction id not yet fully returned.
	XidNext TxID
}

// InitialCursor is the cursor of a stream that has returned nothing yet.
func InitialCursor() Cursor {
	return Cursor{XidNext: 1}
}

// Next folds a page result into the cursor for the following page.
//
// last is the last row the selector returned for the page, before objects
// seen in two buckets were merged (zero when the page was empty). hasMore
// is true when the selector filled the page to its limit. Next never lowers
// XidNext and only drops a transaction from XipList once its changes have
// been returned or it is no longer in progress.
func (c Cursor) Next(snap Snapshot, last Change, hasMore bool) (Cursor, error) {
	lastTxID := last.LastModifiedTxID
	if !hasMore {
		// Everything visible has been returned. A last row written by xmax
		// itself cannot be in progress, so step over it.
		xidNext := snap.Xmax
		if lastTxID == xidNext {
			xidNext++
		}
		if xidNext < c.XidNext {
			xidNext = c.XidNext
		}
		var xip []TxID
		for _, t := range snap.InProgress {
			if t < xidNext {
				xip = append(xip, t)
			}
		}
		return Cursor{XipList: normalizeTxIDs(xip), XidNext: xidNext}, nil
	}

	if lastTxID == 0 {
		return Cursor{}, errors.AssertionFailedf("full page without a last row for cursor %s", c.String())
	}
	if last.Priority < PriorityContinuation || last.Priority > PriorityNew {
		return Cursor{}, errors.AssertionFailedf("last row of page has unknown priority %d", last.Priority)
	}

	xidAt := lastTxID
	xidNext := c.XidNext
	// Only a page that reached the frontier bucket has returned everything
	// from XidNext up to xidAt. A page that ended in an earlier bucket may
	// stop on a transaction above XidNext, and moving past it would skip
	// the committed transactions in between.
	if last.Priority == PriorityNew {
		xidNext = max(xidNext, xidAt+1)
		if xidAt == snap.Xmax {
			xidNext = xidAt + 1
		} else {
			// Transactions between the old frontier and xmax may still commit.
			xidNext = min(xidNext, snap.Xmax)
		}
	}

	keep := c.XipList
	if c.XidAt != xidAt {
		keep = nil
		for _, t := range c.XipList {
			if t > xidAt {
				keep = append(keep, t)
			}
		}
	}
	xip := append(append([]TxID(nil), keep...), snap.InProgress...)

	return Cursor{
		XidAt:   xidAt,
		XidAtID: last.ObjectID,
		XipList: normalizeTxIDs(xip),
		XidNext: xidNext,
	}, nil
}

// String renders the cursor fields for logs. Use Encode for the wire form.
func (c Cursor) String() string {
	return fmt.Sprintf("{xid_at:%d xid_at_id:%d xip_list:%v xid_next:%d}", c.XidAt, c.XidAtID, c.XipList, c.XidNext)
}

func (c Cursor) validate() error {
	switch {
	case c.XidNext < 1:
		return errors.Newf("xid_next %d below 1", c.XidNext)
	case c.XidAt < 0:
		return errors.Newf("negative xid_at %d", c.XidAt)
	case c.XidAt == 0 && c.XidAtID != 0:
		return errors.Newf("xid_at_id %d without xid_at", c.XidAtID)
	}
	for i, t := range c.XipList {
		if t <= 0 {
			return errors.Newf("xip_list entry %d out of range", t)
		}
		if i > 0 && c.XipList[i-1] >= t {
			return errors.New("xip_list not strictly ascending")
		}
	}
	return nil
}
