package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var (
	messagesBucket   = []byte("messages")      // seq -> message json
	messageIDsBucket = []byte("message_ids")   // id -> seq
	receiptsBucket   = []byte("read_receipts") // id 0x00 reader -> receipt json
)

// BoltStore implements `IHistoryStore` on a local bbolt file. bbolt allows a single
// writer at a time, so check-then-write sequences inside one Update are atomic.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, messageIDsBucket, receiptsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	glog.Infof("store: bolt database opened: %s", path)
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func receiptKey(messageID, reader string) []byte {
	return append(receiptPrefix(messageID), reader...)
}

func receiptPrefix(messageID string) []byte {
	return append([]byte(messageID), 0)
}

func decodeMessage(k, v []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, err
	}
	m.Seq = int64(binary.BigEndian.Uint64(k))
	return &m, nil
}

// lookup returns the key and decoded message of id, nil key when absent.
func lookup(tx *bbolt.Tx, id string) ([]byte, *Message, error) {
	k := tx.Bucket(messageIDsBucket).Get([]byte(id))
	if k == nil {
		return nil, nil, nil
	}
	v := tx.Bucket(messagesBucket).Get(k)
	if v == nil {
		return nil, nil, fmt.Errorf("dangling id index: %s", id)
	}
	m, err := decodeMessage(k, v)
	if err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), k...), m, nil
}

func (s *BoltStore) Append(_ context.Context, nm NewMessage) (*Message, error) {
	m := &Message{
		Author:     nm.Author,
		Icon:       nm.Icon,
		Text:       nm.Text,
		Image:      nm.Image,
		CreateTime: now(),
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(messageIDsBucket)
		for m.ID = NewID(); ids.Get([]byte(m.ID)) != nil; m.ID = NewID() {
			glog.Warningf("store: message id collision: %s, retry", m.ID)
		}

		msgs := tx.Bucket(messagesBucket)
		seq, err := msgs.NextSequence()
		if err != nil {
			return err
		}
		m.Seq = int64(seq)

		v, err := json.Marshal(m)
		if err != nil {
			return err
		}
		k := seqKey(seq)
		if err := msgs.Put(k, v); err != nil {
			return err
		}
		return ids.Put([]byte(m.ID), k)
	}); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

func (s *BoltStore) Page(_ context.Context, limit int) ([]*Message, error) {
	out := []*Message{}
	if limit <= 0 {
		return out, nil
	}

	if err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(messagesBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			m, err := decodeMessage(k, v)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("page: %w", err)
	}

	// collected newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *BoltStore) SetEdit(_ context.Context, messageID, editor, text string) (*Message, EditResult, error) {
	var out *Message
	result := EditOK

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		k, m, err := lookup(tx, messageID)
		if err != nil {
			return err
		}
		if k == nil {
			result = EditNotFound
			return nil
		}
		if m.Author != editor {
			result = EditForbidden
			return nil
		}

		t := now()
		m.EditedText = &text
		m.EditTime = &t
		v, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := tx.Bucket(messagesBucket).Put(k, v); err != nil {
			return err
		}
		out = m
		return nil
	}); err != nil {
		return nil, EditOK, fmt.Errorf("set edit: %w", err)
	}
	return out, result, nil
}

func (s *BoltStore) RecordRead(_ context.Context, messageID, reader string) (*ReadReceipt, ReadResult, error) {
	receipt := &ReadReceipt{MessageID: messageID, Reader: reader, ReadTime: now()}
	result := ReadOK

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(messageIDsBucket).Get([]byte(messageID)) == nil {
			result = ReadNotFound
			return nil
		}
		v, err := json.Marshal(receipt)
		if err != nil {
			return err
		}
		return tx.Bucket(receiptsBucket).Put(receiptKey(messageID, reader), v)
	}); err != nil {
		return nil, ReadOK, fmt.Errorf("record read: %w", err)
	}

	if result != ReadOK {
		return nil, result, nil
	}
	return receipt, ReadOK, nil
}

func (s *BoltStore) Receipts(_ context.Context, messageID string) ([]*ReadReceipt, error) {
	out := []*ReadReceipt{}
	found := true

	if err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(messageIDsBucket).Get([]byte(messageID)) == nil {
			found = false
			return nil
		}
		prefix := receiptPrefix(messageID)
		c := tx.Bucket(receiptsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r ReadReceipt
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("receipts: %w", err)
	}

	if !found {
		return nil, ErrNotFound
	}
	return out, nil
}
