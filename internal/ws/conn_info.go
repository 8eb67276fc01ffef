package ws

import "time"

type ConnInfo struct {
	ConnID      string
	UserID      string
	PartnerID   string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) kind() string {
	if i.PartnerID != "" {
		return "chat"
	}
	return "inbox"
}
