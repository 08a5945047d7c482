package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/MegaGrindStone/streamchat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the chat store using a BoltDB backend. Chats and the messages of each chat live in
// their own buckets, keyed by an insertion sequence so iteration follows creation order; a companion
// index bucket maps IDs to sequence keys so records can be updated in place.
type BoltDB struct {
	db *bolt.DB
}

var chatsBucket = []byte("chats")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(chatsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(indexBucketName(chatsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

func indexBucketName(bucket []byte) []byte {
	return append(slices.Clone(bucket), []byte("-index")...)
}

// Chats retrieves all stored chat records in reverse chronological order.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chats = append(chats, chat)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(chats)
	return chats, nil
}

// Chat retrieves the chat record with the given ID. The boolean is false when no such chat was
// saved.
func (b BoltDB) Chat(_ context.Context, chatID string) (models.Chat, bool, error) {
	var (
		chat  models.Chat
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(indexBucketName(chatsBucket))
		bk := tx.Bucket(chatsBucket)
		if idx == nil || bk == nil {
			return nil
		}
		key := idx.Get([]byte(chatID))
		if key == nil {
			return nil
		}
		v := bk.Get(key)
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &chat); err != nil {
			return fmt.Errorf("failed to unmarshal chat: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return models.Chat{}, false, err
	}
	return chat, found, nil
}

// SaveChat stores a chat record, replacing the record with the same ID. A replaced chat keeps its
// position.
func (b BoltDB) SaveChat(_ context.Context, chat models.Chat) error {
	if chat.ID == "" {
		return fmt.Errorf("chat id is required")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		return upsert(tx, chatsBucket, chat.ID, chat)
	})
}

// Messages retrieves all messages of the chat in their stored order. An unknown chat has no messages.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// SaveMessage stores a message in the chat's message bucket, replacing the message with the same ID.
// The bucket is created on first use.
func (b BoltDB) SaveMessage(_ context.Context, chatID string, message models.Message) error {
	if message.ID == "" {
		return fmt.Errorf("message id is required")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return upsert(tx, messageBucketName(chatID), message.ID, message)
	})
}

func upsert(tx *bolt.Tx, bucket []byte, id string, value any) error {
	bk, err := tx.CreateBucketIfNotExists(bucket)
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	idx, err := tx.CreateBucketIfNotExists(indexBucketName(bucket))
	if err != nil {
		return fmt.Errorf("failed to create index bucket: %w", err)
	}

	key := idx.Get([]byte(id))
	if key == nil {
		seq, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		key = binary.BigEndian.AppendUint64(nil, seq)
		if err := idx.Put([]byte(id), key); err != nil {
			return fmt.Errorf("failed to index %s: %w", id, err)
		}
	} else {
		key = slices.Clone(key)
	}

	v, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}
	return bk.Put(key, v)
}
