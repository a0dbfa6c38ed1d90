package feedback

import "time"

// Entry is a message left through the public feedback form.
type Entry struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"column:name;size:120;not null" json:"name"`
	Email     string    `gorm:"column:email;size:320;not null" json:"email"`
	Message   string    `gorm:"column:message;type:text;not null" json:"message"`
	UserID    *int64    `gorm:"column:user_id;index" json:"user_id,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName exposes the table backing feedback entries.
func (Entry) TableName() string {
	return "feedback"
}
