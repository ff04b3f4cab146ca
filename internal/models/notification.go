package models

// NotificationProvider groups the delivery channels a user has linked.
type NotificationProvider struct {
	UserID string `json:"user_id"`
	// TelegramProvider is nil when the user has not linked a chat.
	TelegramProvider *TelegramProvider `json:"telegram_provider,omitempty"`
	// EmailProvider is nil when the user has no email on file.
	EmailProvider *EmailProvider `json:"email_provider,omitempty"`
}

type TelegramProvider struct {
	// UserID is the application user the chat belongs to.
	UserID string `json:"user_id" gorm:"column:user_id;primaryKey"`
	// Username is the username in the telegram.
	Username string `json:"username" gorm:"column:username"`
	// ChatID is the chat ID in the telegram.
	ChatID string `json:"chat_id" gorm:"column:chat_id;not null"`
}

func (TelegramProvider) TableName() string {
	return "telegram_providers"
}

type EmailProvider struct {
	// UserID is the application user the address belongs to.
	UserID string `json:"user_id" gorm:"column:user_id;primaryKey"`
	// Email is the email address of the user.
	Email string `json:"email" gorm:"column:email;not null"`
}

func (EmailProvider) TableName() string {
	return "email_providers"
}
