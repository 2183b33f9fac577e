package notify

import "log"

// LogNotifier writes notifications to the process log
type LogNotifier struct{}

func typeLabel(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "ok"
	case NotifyWarning:
		return "warn"
	case NotifyError:
		return "error"
	default:
		return "info"
	}
}

// Send writes one log line per notification
func (LogNotifier) Send(n Notification) error {
	if n.BatchID != "" {
		log.Printf("[%s] %s: %s (batch %s)", typeLabel(n.Type), n.Title, n.Message, n.BatchID)
		return nil
	}
	log.Printf("[%s] %s: %s", typeLabel(n.Type), n.Title, n.Message)
	return nil
}
