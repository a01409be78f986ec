package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"github.com/katasec/dstream-ingester-tracked/pkg/tracked"
)

var checkpointBucket = []byte("checkpoints")

type boltRecord struct {
	Cursor    string    `cbor:"1,keyasint"`
	UpdatedAt time.Time `cbor:"2,keyasint"`
}

// BoltStore keeps cursor tokens in a local bbolt file, for deployments
// without write access to the tracked database.
type BoltStore struct {
	db  *bbolt.DB
	enc cbor.EncMode
	dec cbor.DecMode
	now func() time.Time
}

// OpenBoltStore opens or creates the bbolt file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	enc, err := cbor.EncOptions{Sort: cbor.SortCanonical, Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR decoder: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint bucket: %w", err)
	}
	return &BoltStore{db: db, enc: enc, dec: dec, now: time.Now}, nil
}

// Load implements Store.
func (b *BoltStore) Load(ctx context.Context, stream string) (tracked.Cursor, bool, error) {
	var rec boltRecord
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(checkpointBucket).Get([]byte(stream))
		if data == nil {
			return nil
		}
		found = true
		return b.dec.Unmarshal(data, &rec)
	})
	if err != nil {
		return tracked.Cursor{}, false, fmt.Errorf("failed to load cursor for %s: %w", stream, err)
	}
	if !found {
		return tracked.InitialCursor(), false, nil
	}

	cursor, err := tracked.DecodeCursor(rec.Cursor)
	if err != nil {
		return tracked.Cursor{}, false, fmt.Errorf("failed to load cursor for %s: %w", stream, err)
	}
	return cursor, true, nil
}

// Save implements Store.
func (b *BoltStore) Save(ctx context.Context, stream string, cursor tracked.Cursor) error {
	data, err := b.enc.Marshal(boltRecord{Cursor: cursor.Encode(), UpdatedAt: b.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode cursor for %s: %w", stream, err)
	}
	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(checkpointBucket).Put([]byte(stream), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", stream, err)
	}
	return nil
}

// UpdatedAt returns when the cursor of stream was last saved.
func (b *BoltStore) UpdatedAt(stream string) (time.Time, bool, error) {
	var rec boltRecord
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(checkpointBucket).Get([]byte(stream))
		if data == nil {
			return nil
		}
		found = true
		return b.dec.Unmarshal(data, &rec)
	})
	return rec.UpdatedAt, found, err
}

// Close implements Store.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
