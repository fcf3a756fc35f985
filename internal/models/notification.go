package models

// NotificationLevel is the severity of a user-facing message.
type NotificationLevel string

const (
	NotificationInfo    NotificationLevel = "info"
	NotificationSuccess NotificationLevel = "success"
	NotificationWarning NotificationLevel = "warning"
	NotificationError   NotificationLevel = "error"
)

// Notification is a message the client should surface to the user.
type Notification struct {
	Level   NotificationLevel `json:"level"`
	Message string            `json:"message"`
}

func Info(msg string) Notification    { return Notification{Level: NotificationInfo, Message: msg} }
func Success(msg string) Notification { return Notification{Level: NotificationSuccess, Message: msg} }
func Warning(msg string) Notification { return Notification{Level: NotificationWarning, Message: msg} }
func Error(msg string) Notification   { return Notification{Level: NotificationError, Message: msg} }
