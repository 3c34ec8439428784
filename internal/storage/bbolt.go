package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"parley/internal/models"

	"github.com/c-pro/geche"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketMessages      = []byte("messages")
	bucketConversations = []byte("conversations")
	bucketPush          = []byte("push_subscriptions")
)

var (
	ErrUserExists    = errors.New("user already exists")
	ErrMessageExists = errors.New("message already exists")
)

const cacheCleanupInterval = time.Minute

type BboltStorage struct {
	db *bbolt.DB

	// messages caches decoded records by id. Entries are cloned on the
	// way in and out, so callers never alias cached slices.
	messages geche.Geche[string, models.Message]
}

func NewBboltStorage(ctx context.Context, path string, cacheTTL time.Duration) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketMessages, bucketConversations, bucketPush} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	var cache geche.Geche[string, models.Message]
	if cacheTTL > 0 {
		cache = geche.NewMapTTLCache[string, models.Message](ctx, cacheTTL, cacheCleanupInterval)
	} else {
		cache = geche.NewMapCache[string, models.Message]()
	}

	return &BboltStorage{db: db, messages: cache}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// CreateUser stores a new user. Usernames are unique.
func (s *BboltStorage) CreateUser(ctx context.Context, user models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(user.ID)) != nil {
			return ErrUserExists
		}
		err := b.ForEach(func(k, v []byte) error {
			var existing DBUser
			if err := existing.UnmarshalBinary(v); err != nil {
				return err
			}
			if existing.UserName == user.UserName {
				return ErrUserExists
			}
			return nil
		})
		if err != nil {
			return err
		}
		return putRecord(b, ptr(newDBUser(user)))
	})
}

func (s *BboltStorage) FindUser(ctx context.Context, id string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = dbUser.model()
		return nil
	})
	return user, err
}

// ListUsers returns all users ordered by username.
func (s *BboltStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.model())
			return nil
		})
	})
	sort.Slice(users, func(i, j int) bool {
		return users[i].UserName < users[j].UserName
	})
	return users, err
}

// SetOnline marks the user online and refreshes last seen.
func (s *BboltStorage) SetOnline(ctx context.Context, id string, at time.Time) (models.User, error) {
	return s.updateUser(ctx, id, func(u *DBUser) {
		u.Online = true
		u.Status = string(models.UserStatusOnline)
		u.LastSeen = toUnix(at)
	})
}

// SetOffline marks the user offline with the given last seen time.
func (s *BboltStorage) SetOffline(ctx context.Context, id string, lastSeen time.Time) (models.User, error) {
	return s.updateUser(ctx, id, func(u *DBUser) {
		u.Online = false
		u.Status = string(models.UserStatusOffline)
		u.LastSeen = toUnix(lastSeen)
	})
}

func (s *BboltStorage) updateUser(ctx context.Context, id string, mutate func(*DBUser)) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	var user models.User
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		mutate(&dbUser)
		user = dbUser.model()
		return putRecord(b, &dbUser)
	})
	return user, err
}

// CreateMessage stores a new message and indexes it under its conversation.
func (s *BboltStorage) CreateMessage(ctx context.Context, message models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if message.ID == "" || message.SenderID == "" || message.ReceiverID == "" {
		return errors.New("message missing id or participants")
	}

	dbMessage := newDBMessage(message)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		if b.Get(dbMessage.Key()) != nil {
			return ErrMessageExists
		}
		if err := putRecord(b, &dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		conv, err := tx.Bucket(bucketConversations).CreateBucketIfNotExists(getDMID(message.SenderID, message.ReceiverID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}
		return conv.Put(dbMessage.IndexKey(), dbMessage.Key())
	})
	if err != nil {
		return err
	}

	s.messages.Set(message.ID, message.Clone())
	return nil
}

func (s *BboltStorage) FindMessage(ctx context.Context, id string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	if cached, err := s.messages.Get(id); err == nil {
		return cached.Clone(), nil
	}

	var message models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		message, err = getMessage(tx.Bucket(bucketMessages), []byte(id))
		return err
	})
	if err != nil {
		return models.Message{}, err
	}

	s.messages.Set(id, message.Clone())
	return message, nil
}

// SaveMessage persists a mutated message. The message must already exist;
// its participants and creation time are immutable.
func (s *BboltStorage) SaveMessage(ctx context.Context, message models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		existing, err := getMessage(b, []byte(message.ID))
		if err != nil {
			return err
		}
		if existing.SenderID != message.SenderID ||
			existing.ReceiverID != message.ReceiverID ||
			!existing.CreatedAt.Equal(message.CreatedAt) {
			return fmt.Errorf("message %s: immutable fields changed", message.ID)
		}
		return putRecord(b, ptr(newDBMessage(message)))
	})
	if err != nil {
		// The cached copy may be older than what a concurrent writer
		// stored; drop it and let the next read reload.
		_ = s.messages.Del(message.ID)
		return err
	}

	s.messages.Set(message.ID, message.Clone())
	return nil
}

// FindConversation returns non-deleted messages exchanged between two users,
// newest first, skipping offset messages and returning at most limit.
func (s *BboltStorage) FindConversation(ctx context.Context, userA, userB string, limit, offset int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []models.Message{}, nil
	}

	messages := make([]models.Message, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		conv := tx.Bucket(bucketConversations).Bucket(getDMID(userA, userB))
		if conv == nil {
			return nil
		}
		msgBucket := tx.Bucket(bucketMessages)

		skipped := 0
		c := conv.Cursor()
		for k, v := c.Last(); k != nil && len(messages) < limit; k, v = c.Prev() {
			msg, err := getMessage(msgBucket, v)
			if err != nil {
				return err
			}
			if msg.IsDeleted {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			messages = append(messages, msg)
		}
		return nil
	})
	return messages, err
}

// AddPushSubscription registers a Web Push endpoint for the user. Adding
// the same endpoint again replaces the keys.
func (s *BboltStorage) AddPushSubscription(ctx context.Context, sub PushSubscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sub.UserID == "" || sub.Endpoint == "" {
		return errors.New("subscription missing user or endpoint")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketPush).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return err
		}
		return putRecord(b, &sub)
	})
}

func (s *BboltStorage) ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var subs []PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPush).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var sub PushSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPush).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(endpoint))
	})
}

func getMessage(b *bbolt.Bucket, id []byte) (models.Message, error) {
	data := b.Get(id)
	if data == nil {
		return models.Message{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	var dbMessage DBMessage
	if err := dbMessage.UnmarshalBinary(data); err != nil {
		return models.Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return dbMessage.model(), nil
}

func putRecord(b *bbolt.Bucket, record Storeable) error {
	data, err := record.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(record.Key(), data)
}

func ptr[T any](v T) *T {
	return &v
}

// getDMID names the conversation bucket shared by two users regardless of
// who sent the message.
func getDMID(u1, u2 string) []byte {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	key := make([]byte, 0, len(u1)+len(u2)+4)
	key = append(key, "dm"...)
	key = append(key, 0)
	key = append(key, u1...)
	key = append(key, 0)
	return append(key, u2...)
}
