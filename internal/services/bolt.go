package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/khwebchat/kh-web-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

const sessionBucket = "sessions"

// BoltDB implements the chat.Store interface using a BoltDB backend for
// persistent storage of chat sessions. Each session is stored as a single
// opaque JSON record, messages included, keyed by session id.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It
// initializes the database with the session bucket and returns an error if the
// database cannot be opened or initialized. The database file is created with
// 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionBucket))
		return err
	})

	return BoltDB{db: db}, err
}

// Sessions retrieves all stored sessions, sorted by last-modified descending
// with ties broken by id. It returns an error if the database operation fails.
func (b BoltDB) Sessions(context.Context) ([]models.Session, error) {
	var sessions []models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(sessionBucket))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var sess models.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			sessions = append(sessions, sess)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].LastModified.Equal(sessions[j].LastModified) {
			return sessions[i].LastModified.After(sessions[j].LastModified)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

// PutSession stores or replaces a session record.
func (b BoltDB) PutSession(_ context.Context, sess models.Session) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(sessionBucket))
		if bk == nil {
			return nil
		}

		v, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		return bk.Put([]byte(sess.ID), v)
	})
}

// DeleteSession removes a session record. Deleting an unknown id is silently
// ignored.
func (b BoltDB) DeleteSession(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(sessionBucket))
		if bk == nil {
			return nil
		}
		return bk.Delete([]byte(id))
	})
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
