package session

import "github.com/Tyrowin/chatpresence/internal/logger"

// Notifier shows the user the outcome of an action.
type Notifier interface {
	Success(message string)
	Error(message string)
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

func (LogNotifier) Success(message string) {
	if message != "" {
		logger.Info(message)
	}
}

func (LogNotifier) Error(message string) {
	logger.Error(message)
}
