package chats

// MessageStatus marks whether a live message is final.
type MessageStatus string

const (
	StatusComplete MessageStatus = "complete"
	StatusPending  MessageStatus = "pending"
	StatusError    MessageStatus = "error"
)

// Chat is a conversation owned by one user.
type Chat struct {
	ChatID           string `gorm:"column:chat_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index"`
	Title            string `gorm:"column:title;size:190;not null"`
	DefaultBranch    string `gorm:"column:default_branch;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Chat) TableName() string {
	return "chats"
}

// ChatMessage is one row of the user-visible conversation.
type ChatMessage struct {
	ChatID           string        `gorm:"column:chat_id;primaryKey;size:190;not null"`
	MessageID        string        `gorm:"column:message_id;primaryKey;size:190;not null"`
	Position         int           `gorm:"column:position;not null;index"`
	Role             string        `gorm:"column:role;size:32;not null"`
	Content          string        `gorm:"column:content;type:text;not null"`
	AssetsJSON       string        `gorm:"column:assets_json;type:text;not null;default:'[]'"`
	Status           MessageStatus `gorm:"column:status;size:16;not null;default:'complete'"`
	CreatedAtSeconds int64         `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// Models lists every table owned by the package, for migrations.
func Models() []any {
	return []any{&Chat{}, &ChatMessage{}}
}
