package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeNotify  = "NOTIFY"
	TypeError   = "ERROR"
)

// Notification kinds carried by NOTIFY.
const (
	NotifyDissolved   = "DISSOLVED"
	NotifyLowUpkeep   = "LOW_UPKEEP"
	NotifyClaimFailed = "CLAIM_FAILED"
	NotifyCellRemoved = "RESOURCE_CELL_REMOVED"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
