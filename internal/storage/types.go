package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"parley/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID       string `msgpack:"id"`
	UserName string `msgpack:"userName"`
	Status   string `msgpack:"status"`
	Online   bool   `msgpack:"online"`
	LastSeen int64  `msgpack:"lastSeen"` // Unix nanoseconds
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func newDBUser(u models.User) DBUser {
	return DBUser{
		ID:       u.ID,
		UserName: u.UserName,
		Status:   string(u.Status),
		Online:   u.Online,
		LastSeen: toUnix(u.LastSeen),
	}
}

func (u *DBUser) model() models.User {
	return models.User{
		ID:       u.ID,
		UserName: u.UserName,
		Status:   models.UserStatus(u.Status),
		Online:   u.Online,
		LastSeen: fromUnix(u.LastSeen),
	}
}

type DBReaction struct {
	UserID    string `msgpack:"userId"`
	Emoji     string `msgpack:"emoji"`
	Timestamp int64  `msgpack:"timestamp"`
}

type DBReceipt struct {
	UserID string `msgpack:"userId"`
	At     int64  `msgpack:"at"`
}

type DBMessage struct {
	ID          string       `msgpack:"id"`
	SenderID    string       `msgpack:"senderId"`
	ReceiverID  string       `msgpack:"receiverId"`
	Content     string       `msgpack:"content"`
	Kind        string       `msgpack:"kind"`
	MediaURL    string       `msgpack:"mediaUrl"`
	MediaType   string       `msgpack:"mediaType"`
	MediaName   string       `msgpack:"mediaName"`
	MediaSize   int64        `msgpack:"mediaSize"`
	CreatedAt   int64        `msgpack:"createdAt"`
	IsEdited    bool         `msgpack:"isEdited"`
	EditedAt    int64        `msgpack:"editedAt"`
	IsDeleted   bool         `msgpack:"isDeleted"`
	DeletedFor  []string     `msgpack:"deletedFor"`
	Reactions   []DBReaction `msgpack:"reactions"`
	ReadBy      []DBReceipt  `msgpack:"readBy"`
	DeliveredTo []DBReceipt  `msgpack:"deliveredTo"`
}

func (m *DBMessage) Key() []byte {
	return []byte(m.ID)
}

// IndexKey orders a message inside its conversation bucket: creation time
// first, id as a tie breaker.
func (m *DBMessage) IndexKey() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func newDBMessage(m models.Message) DBMessage {
	dbm := DBMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Kind:       string(m.Kind),
		MediaURL:   m.Media.URL,
		MediaType:  m.Media.Type,
		MediaName:  m.Media.Name,
		MediaSize:  m.Media.Size,
		CreatedAt:  toUnix(m.CreatedAt),
		IsEdited:   m.IsEdited,
		EditedAt:   toUnix(m.EditedAt),
		IsDeleted:  m.IsDeleted,
		DeletedFor: m.DeletedFor,
	}
	for _, r := range m.Reactions {
		dbm.Reactions = append(dbm.Reactions, DBReaction{UserID: r.UserID, Emoji: r.Emoji, Timestamp: toUnix(r.Timestamp)})
	}
	dbm.ReadBy = dbReceipts(m.ReadBy)
	dbm.DeliveredTo = dbReceipts(m.DeliveredTo)
	return dbm
}

func (m *DBMessage) model() models.Message {
	msg := models.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Kind:       models.MessageKind(m.Kind),
		Media: models.Media{
			URL:  m.MediaURL,
			Type: m.MediaType,
			Name: m.MediaName,
			Size: m.MediaSize,
		},
		CreatedAt:  fromUnix(m.CreatedAt),
		IsEdited:   m.IsEdited,
		EditedAt:   fromUnix(m.EditedAt),
		IsDeleted:  m.IsDeleted,
		DeletedFor: m.DeletedFor,
	}
	for _, r := range m.Reactions {
		msg.Reactions = append(msg.Reactions, models.Reaction{UserID: r.UserID, Emoji: r.Emoji, Timestamp: fromUnix(r.Timestamp)})
	}
	msg.ReadBy = modelReceipts(m.ReadBy)
	msg.DeliveredTo = modelReceipts(m.DeliveredTo)
	return msg
}

// PushSubscription is a browser Web Push endpoint registered by a user.
type PushSubscription struct {
	UserID    string `msgpack:"userId" json:"-"`
	Endpoint  string `msgpack:"endpoint" json:"endpoint"`
	P256dh    string `msgpack:"p256dh" json:"p256dh"`
	Auth      string `msgpack:"auth" json:"auth"`
	CreatedAt int64  `msgpack:"createdAt" json:"-"`
}

func (s *PushSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *PushSubscription) MarshalBinary() (data []byte, err error) {
	type alias PushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *PushSubscription) UnmarshalBinary(data []byte) error {
	type alias PushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}

func dbReceipts(rs []models.Receipt) []DBReceipt {
	var out []DBReceipt
	for _, r := range rs {
		out = append(out, DBReceipt{UserID: r.UserID, At: toUnix(r.At)})
	}
	return out
}

func modelReceipts(rs []DBReceipt) []models.Receipt {
	var out []models.Receipt
	for _, r := range rs {
		out = append(out, models.Receipt{UserID: r.UserID, At: fromUnix(r.At)})
	}
	return out
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
