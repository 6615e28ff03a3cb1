package meeting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres"
	"github.com/samber/lo"
)

// meetingRow is the gorm model for the externally owned meetings table.
//
// Invitees are stored as a comma-joined text column; the owning service
// manages writes, this store only reads.
type meetingRow struct {
	ID         string `gorm:"primary_key;column:id"`
	Name       string `gorm:"column:name"`
	AdminID    string `gorm:"column:admin_id"`
	AdminEmail string `gorm:"column:admin_email"`
	Status     string `gorm:"column:status"`
	Invitees   string `gorm:"column:invitees;type:text"`
}

func (meetingRow) TableName() string { return "meetings" }

// chatMessageRow is the gorm model for archived chat messages.
type chatMessageRow struct {
	ID         string    `gorm:"primary_key;column:id"`
	RoomID     string    `gorm:"column:room_id;index"`
	SenderID   string    `gorm:"column:sender_id"`
	SenderName string    `gorm:"column:sender_name"`
	Text       string    `gorm:"column:text;type:text"`
	SentAt     time.Time `gorm:"column:sent_at"`
}

func (chatMessageRow) TableName() string { return "chat_messages" }

// GormStore reads meeting records and archives chat messages through a shared
// gorm connection. It implements both Store and ChatArchiver.
type GormStore struct {
	db *gorm.DB
}

// OpenGorm connects to Postgres and prepares the chat archive table. The
// meetings table is owned by the meeting service and is not migrated here.
func OpenGorm(dsn string) (*GormStore, error) {
	db, err := gorm.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open meeting store: %w", err)
	}
	db.AutoMigrate(&chatMessageRow{})
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	return s.db.Close()
}

func (s *GormStore) GetMeeting(ctx context.Context, id string) (Meeting, error) {
	var row meetingRow
	err := s.db.Where("id = ?", id).First(&row).Error
	if gorm.IsRecordNotFoundError(err) {
		return Meeting{}, ErrNotFound
	}
	if err != nil {
		return Meeting{}, fmt.Errorf("get meeting %s: %w", id, err)
	}
	return rowToMeeting(row), nil
}

func (s *GormStore) ArchiveMessage(ctx context.Context, rec ChatRecord) error {
	row := chatMessageRow{
		ID:         rec.ID,
		RoomID:     rec.RoomID,
		SenderID:   rec.SenderID,
		SenderName: rec.SenderName,
		Text:       rec.Text,
		SentAt:     rec.SentAt,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("archive chat message %s: %w", rec.ID, err)
	}
	return nil
}

func rowToMeeting(row meetingRow) Meeting {
	return Meeting{
		ID:         row.ID,
		Name:       row.Name,
		AdminID:    row.AdminID,
		AdminEmail: row.AdminEmail,
		Status:     Status(row.Status),
		Invitees:   splitInvitees(row.Invitees),
	}
}

func splitInvitees(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	trimmed := lo.Map(parts, func(p string, _ int) string { return strings.TrimSpace(p) })
	return lo.Filter(trimmed, func(p string, _ int) bool { return p != "" })
}
