// Package storage implements the storage node: replication ingress, point
// reads, index-data emission, shard progress reporting, and persistence of
// sequenced entries into a bbolt cold store.
package storage

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/errors"
	"github.com/funclog/funclog/internal/logspace"
	"github.com/funclog/funclog/internal/wire"
)

var (
	bucketEntries = []byte("entries")
	bucketAuxData = []byte("auxdata")
)

// Backend is the cold store for sequenced log entries. Entries below the
// persisted watermark are evictable from memory and served from here.
type Backend struct {
	db     *bolt.DB
	logger *zap.Logger
}

// entryRecord is the stored form of a log entry.
type entryRecord struct {
	Seqnum       uint64   `protobuf:"varint,1,opt,name=seqnum" json:"seqnum,omitempty"`
	UserLogspace uint32   `protobuf:"varint,2,opt,name=user_logspace" json:"user_logspace,omitempty"`
	LocalId      uint64   `protobuf:"varint,3,opt,name=local_id" json:"local_id,omitempty"`
	UserTags     []uint64 `protobuf:"varint,4,rep,packed,name=user_tags" json:"user_tags,omitempty"`
	Data         []byte   `protobuf:"bytes,5,opt,name=data" json:"data,omitempty"`
}

func (m *entryRecord) Reset()         { *m = entryRecord{} }
func (m *entryRecord) String() string { return fmt.Sprintf("entryRecord(%d)", m.Seqnum) }
func (*entryRecord) ProtoMessage()    {}

// OpenBackend opens (or creates) the cold store under dataDir.
func OpenBackend(dataDir string, nodeID uint16, logger *zap.Logger) (*Backend, error) {
	path := filepath.Join(dataDir, fmt.Sprintf("storage-%d.db", nodeID))
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.BackendUnavailable("failed to open cold store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketAuxData)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.BackendUnavailable("failed to create buckets", err)
	}
	return &Backend{db: db, logger: logger}, nil
}

// Close closes the store.
func (b *Backend) Close() error {
	return b.db.Close()
}

// PutEntries writes a batch of sequenced entries in one transaction.
func (b *Backend) PutEntries(entries []*logspace.LogEntry) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		for _, entry := range entries {
			record := &entryRecord{
				Seqnum:       entry.Metadata.Seqnum,
				UserLogspace: entry.Metadata.UserLogspace,
				LocalId:      entry.Metadata.LocalID,
				UserTags:     entry.UserTags,
				Data:         entry.Data,
			}
			value, err := wire.Marshal(record)
			if err != nil {
				return err
			}
			if err := bucket.Put(seqnumKey(entry.Metadata.Seqnum), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.BackendUnavailable("failed to persist log entries", err)
	}
	return nil
}

// GetEntry reads one entry by seqnum; returns nil when absent.
func (b *Backend) GetEntry(seqnum uint64) (*logspace.LogEntry, error) {
	var entry *logspace.LogEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketEntries).Get(seqnumKey(seqnum))
		if value == nil {
			return nil
		}
		var record entryRecord
		if err := wire.Unmarshal(value, &record); err != nil {
			return err
		}
		entry = &logspace.LogEntry{
			Metadata: logspace.LogMetaData{
				UserLogspace: record.UserLogspace,
				Seqnum:       record.Seqnum,
				LocalID:      record.LocalId,
				NumTags:      len(record.UserTags),
				DataSize:     len(record.Data),
			},
			UserTags: record.UserTags,
			Data:     record.Data,
		}
		return nil
	})
	if err != nil {
		return nil, errors.BackendUnavailable("failed to read log entry", err)
	}
	return entry, nil
}

// PutAuxData stores auxiliary data for a seqnum, last writer wins.
func (b *Backend) PutAuxData(seqnum uint64, data []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAuxData).Put(seqnumKey(seqnum), data)
	})
	if err != nil {
		return errors.BackendUnavailable("failed to persist aux data", err)
	}
	return nil
}

// GetAuxData reads auxiliary data for a seqnum; nil when absent.
func (b *Backend) GetAuxData(seqnum uint64) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketAuxData).Get(seqnumKey(seqnum))
		if value != nil {
			data = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.BackendUnavailable("failed to read aux data", err)
	}
	return data, nil
}

func seqnumKey(seqnum uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seqnum)
	return key[:]
}
