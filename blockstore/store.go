package blockstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/meridian-network/meridian/types"
)

const (
	// BlocksPerWindow is the number of consecutive heights stored in one
	// window bucket. Pruning operates on whole windows, never on single
	// records, so a prune point inside a window retains the rest of it.
	BlocksPerWindow = 1 << 16

	blockStoreVersion = 1
)

var (
	bucketBlocks    = []byte("blocks")
	bucketHashIndex = []byte("hashIndex")
	bucketMetadata  = []byte("metadata")

	keyVersion  = []byte("version")
	keyPrunedTo = []byte("prunedTo")

	errNoBlocksBucket   = errors.New("blocks bucket not found")
	errNoHashIdxBucket  = errors.New("hash index bucket not found")
	errNoMetadataBucket = errors.New("metadata bucket not found")

	// ErrNotFound is returned by lookups when no block matches. Every other
	// error coming out of the store is a storage fault.
	ErrNotFound = errors.New("block not found")
)

/*
BlockStore is the durable, content-addressed block storage. Blocks are kept
under two indexes over the same records: by height (window buckets holding
BlocksPerWindow heights each) and by digest (4-byte hash prefix buckets with
exact-hash resolution on read). bbolt serializes writers and lets readers
proceed concurrently, which is the concurrency contract callers rely on.
*/
type BlockStore struct {
	db *bbolt.DB
}

// indexEntry is one record of a hash prefix collision list.
type indexEntry struct {
	_      struct{} `cbor:",toarray"`
	Hash   types.Hash256
	Number uint64
}

// New opens or creates the block store backed by the given file.
func New(file string) (*BlockStore, error) {
	_, err := os.Stat(file)
	newDB := err != nil && errors.Is(err, fs.ErrNotExist)

	db, err := bbolt.Open(file, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &BlockStore{db: db}

	if newDB {
		err = db.Update(initBuckets)
	} else {
		err = s.verifyVersion()
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	return s, nil
}

func (s *BlockStore) Close() error { return s.db.Close() }

func initBuckets(tx *bbolt.Tx) error {
	for _, name := range [][]byte{bucketBlocks, bucketHashIndex, bucketMetadata} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("creating bucket %s: %w", name, err)
		}
	}
	b := tx.Bucket(bucketMetadata)
	return writeUint64(b, keyVersion, blockStoreVersion)
}

func (s *BlockStore) verifyVersion() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		if b == nil {
			return errNoMetadataBucket
		}
		ver, err := readUint64(b, keyVersion)
		if err != nil {
			return fmt.Errorf("determining database version: %w", err)
		}
		if ver != blockStoreVersion {
			return fmt.Errorf("unsupported database version %d, expected %d", ver, blockStoreVersion)
		}
		return nil
	})
}

/*
Put stores the block under both indexes. Re-writing a block identical to the
already stored one is a no-op; a different block for an occupied height is
rejected. Heights below the pruned floor are rejected as well, the data they
belonged to is gone for good.
*/
func (s *BlockStore) Put(block *types.Block) error {
	if block == nil {
		return types.ErrBlockIsNil
	}
	data, err := types.Cbor.Marshal(block)
	if err != nil {
		return fmt.Errorf("serializing block: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return errNoMetadataBucket
		}
		if prunedTo := optUint64(meta, keyPrunedTo); block.Number < prunedTo {
			return fmt.Errorf("height %d is below pruned height %d", block.Number, prunedTo)
		}

		blocks := tx.Bucket(bucketBlocks)
		if blocks == nil {
			return errNoBlocksBucket
		}
		window, err := blocks.CreateBucketIfNotExists(windowKey(block.Number))
		if err != nil {
			return fmt.Errorf("creating window bucket: %w", err)
		}

		key := heightKey(block.Number)
		if stored := window.Get(key); stored != nil {
			if bytes.Equal(stored, data) {
				return nil
			}
			var have types.Block
			if err := types.Cbor.Unmarshal(stored, &have); err != nil {
				return fmt.Errorf("deserializing stored block %d: %w", block.Number, err)
			}
			return fmt.Errorf("conflicting block for height %d: stored %s, got %s", block.Number, have.Hash, block.Hash)
		}
		if err := window.Put(key, data); err != nil {
			return fmt.Errorf("storing block %d: %w", block.Number, err)
		}
		if err := addIndexEntry(tx, block); err != nil {
			return fmt.Errorf("indexing block %d: %w", block.Number, err)
		}
		return nil
	})
}

// ByHeight returns the block at the given height or ErrNotFound.
func (s *BlockStore) ByHeight(number uint64) (*types.Block, error) {
	var block *types.Block
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		block, err = readBlock(tx, number)
		return err
	})
	return block, err
}

// ByHash returns the block with the given digest or ErrNotFound. The lookup
// goes through the 4-byte prefix index, candidates sharing the prefix are
// resolved by comparing the full hash.
func (s *BlockStore) ByHash(hash types.Hash256) (*types.Block, error) {
	var block *types.Block
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketHashIndex)
		if idx == nil {
			return errNoHashIdxBucket
		}
		entries, err := readIndexEntries(idx, hash.Prefix())
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Hash != hash {
				continue
			}
			if block, err = readBlock(tx, e.Number); err != nil {
				if errors.Is(err, ErrNotFound) {
					return fmt.Errorf("hash index entry %s points to missing height %d", hash, e.Number)
				}
				return err
			}
			return nil
		}
		return ErrNotFound
	})
	return block, err
}

// Has reports whether a block exists at the given height.
func (s *BlockStore) Has(number uint64) (bool, error) {
	var has bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		if blocks == nil {
			return errNoBlocksBucket
		}
		if window := blocks.Bucket(windowKey(number)); window != nil {
			has = window.Get(heightKey(number)) != nil
		}
		return nil
	})
	return has, err
}

/*
NextGap locates the first range of missing heights at or after "from" that
still has a stored block above it (so there is something to backfill toward).
It returns the stored heights bounding the range: "after" is the highest
stored height below the missing range (zero when the range starts at the
bottom of the chain) and "before" the lowest stored height above it. ok is
false when no such gap exists: the store is contiguous from "from" up to its
highest block, or holds nothing at or after "from" at all.
*/
func (s *BlockStore) NextGap(from uint64) (after uint64, before uint64, ok bool) {
	_ = s.db.View(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		if blocks == nil {
			return errNoBlocksBucket
		}
		it := newHeightIter(blocks, from)
		first, found := it.next()
		if !found {
			return nil
		}
		if first > from {
			// "from" itself is missing, the lower bound is whatever is stored below it
			after, _ = prevStored(blocks, from)
			before, ok = first, true
			return nil
		}
		for prev := first; ; prev = first {
			if first, found = it.next(); !found {
				return nil
			}
			if first > prev+1 {
				after, before, ok = prev, first, true
				return nil
			}
		}
	})
	return after, before, ok
}

// PrunedTo returns the height below which blocks may have been removed by
// Prune. Zero means nothing has been pruned yet.
func (s *BlockStore) PrunedTo() (floor uint64, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return errNoMetadataBucket
		}
		floor = optUint64(meta, keyPrunedTo)
		return nil
	})
	return floor, err
}

/*
Prune irreversibly removes all blocks in windows that lie entirely below
minHeight. The window containing minHeight is kept whole, including its
blocks below the prune point, which is the cost of window-grained pruning.
*/
func (s *BlockStore) Prune(minHeight uint64) error {
	floor := minHeight &^ (BlocksPerWindow - 1)
	if floor == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		if blocks == nil {
			return errNoBlocksBucket
		}
		var pruned [][]byte
		c := blocks.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) >= floor {
				break
			}
			pruned = append(pruned, append([]byte(nil), k...))
		}
		for _, k := range pruned {
			if err := blocks.DeleteBucket(k); err != nil {
				return fmt.Errorf("deleting window %x: %w", k, err)
			}
		}
		if err := dropIndexEntriesBelow(tx, floor); err != nil {
			return fmt.Errorf("pruning hash index: %w", err)
		}

		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return errNoMetadataBucket
		}
		if prev := optUint64(meta, keyPrunedTo); floor < prev {
			return nil
		}
		return writeUint64(meta, keyPrunedTo, floor)
	})
}

func readBlock(tx *bbolt.Tx, number uint64) (*types.Block, error) {
	blocks := tx.Bucket(bucketBlocks)
	if blocks == nil {
		return nil, errNoBlocksBucket
	}
	window := blocks.Bucket(windowKey(number))
	if window == nil {
		return nil, ErrNotFound
	}
	data := window.Get(heightKey(number))
	if data == nil {
		return nil, ErrNotFound
	}
	block := &types.Block{}
	if err := types.Cbor.Unmarshal(data, block); err != nil {
		return nil, fmt.Errorf("deserializing block %d: %w", number, err)
	}
	return block, nil
}

func addIndexEntry(tx *bbolt.Tx, block *types.Block) error {
	idx := tx.Bucket(bucketHashIndex)
	if idx == nil {
		return errNoHashIdxBucket
	}
	prefix := block.Hash.Prefix()
	entries, err := readIndexEntries(idx, prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Hash == block.Hash {
			return nil
		}
	}
	entries = append(entries, indexEntry{Hash: block.Hash, Number: block.Number})
	data, err := types.Cbor.Marshal(entries)
	if err != nil {
		return fmt.Errorf("serializing index entries: %w", err)
	}
	return idx.Put(prefix[:], data)
}

func readIndexEntries(idx *bbolt.Bucket, prefix types.HashPrefix) ([]indexEntry, error) {
	data := idx.Get(prefix[:])
	if data == nil {
		return nil, nil
	}
	var entries []indexEntry
	if err := types.Cbor.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("deserializing index entries %s: %w", prefix, err)
	}
	return entries, nil
}

func dropIndexEntriesBelow(tx *bbolt.Tx, floor uint64) error {
	idx := tx.Bucket(bucketHashIndex)
	if idx == nil {
		return errNoHashIdxBucket
	}
	// collect first, mutating a bucket invalidates its cursor
	rewrite := map[string][]indexEntry{}
	c := idx.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var entries []indexEntry
		if err := types.Cbor.Unmarshal(v, &entries); err != nil {
			return fmt.Errorf("deserializing index entries %x: %w", k, err)
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.Number >= floor {
				kept = append(kept, e)
			}
		}
		if len(kept) != len(entries) {
			rewrite[string(k)] = kept
		}
	}
	for k, entries := range rewrite {
		if len(entries) == 0 {
			if err := idx.Delete([]byte(k)); err != nil {
				return err
			}
			continue
		}
		data, err := types.Cbor.Marshal(entries)
		if err != nil {
			return fmt.Errorf("serializing index entries: %w", err)
		}
		if err := idx.Put([]byte(k), data); err != nil {
			return err
		}
	}
	return nil
}

// prevStored returns the highest stored height strictly below the given one.
func prevStored(blocks *bbolt.Bucket, before uint64) (uint64, bool) {
	wc := blocks.Cursor()
	// seek to the window that could hold "before", then walk windows downward
	k, _ := wc.Seek(windowKey(before))
	if k == nil {
		k, _ = wc.Last()
	} else if binary.BigEndian.Uint64(k) > before {
		k, _ = wc.Prev()
	}
	for ; k != nil; k, _ = wc.Prev() {
		window := blocks.Bucket(k)
		if window == nil {
			continue
		}
		c := window.Cursor()
		hk, _ := c.Seek(heightKey(before))
		if hk == nil {
			hk, _ = c.Last()
		} else {
			hk, _ = c.Prev()
		}
		if hk != nil {
			if h := binary.BigEndian.Uint64(hk); h < before {
				return h, true
			}
		}
	}
	return 0, false
}

/*
heightIter walks stored heights in ascending order starting at "from",
crossing window bucket boundaries transparently.
*/
type heightIter struct {
	blocks  *bbolt.Bucket
	windows *bbolt.Cursor
	heights *bbolt.Cursor
	nextKey []byte
}

func newHeightIter(blocks *bbolt.Bucket, from uint64) *heightIter {
	it := &heightIter{blocks: blocks, windows: blocks.Cursor()}
	wk, _ := it.windows.Seek(windowKey(from &^ (BlocksPerWindow - 1)))
	it.enterWindow(wk, heightKey(from))
	return it
}

func (it *heightIter) enterWindow(windowK []byte, seek []byte) {
	it.heights, it.nextKey = nil, nil
	for ; windowK != nil; windowK, _ = it.windows.Next() {
		window := it.blocks.Bucket(windowK)
		if window == nil {
			continue
		}
		c := window.Cursor()
		k, _ := c.Seek(seek)
		if k != nil {
			it.heights, it.nextKey = c, k
			return
		}
		// only relevant for the very first window, later ones scan from their start
		seek = heightKey(0)
	}
}

func (it *heightIter) next() (uint64, bool) {
	if it.nextKey == nil {
		return 0, false
	}
	h := binary.BigEndian.Uint64(it.nextKey)
	if it.nextKey, _ = it.heights.Next(); it.nextKey == nil {
		wk, _ := it.windows.Next()
		it.enterWindow(wk, heightKey(0))
	}
	return h, true
}

func windowKey(height uint64) []byte {
	return heightKey(height &^ (BlocksPerWindow - 1))
}

func heightKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, height)
}

func readUint64(b *bbolt.Bucket, key []byte) (uint64, error) {
	v := b.Get(key)
	if v == nil {
		return 0, fmt.Errorf("key %s not found", key)
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("expected value of %s to be 8 bytes, got %d", key, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

// optUint64 reads an optional counter, absent key counts as zero.
func optUint64(b *bbolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func writeUint64(b *bbolt.Bucket, key []byte, value uint64) error {
	return b.Put(key, binary.BigEndian.AppendUint64(nil, value))
}
