package claimstest

import (
	"sync"

	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/protocol"
)

// Notifier records every notification it is given.
type Notifier struct {
	mu   sync.Mutex
	sent []Sent
}

type Sent struct {
	Player model.PlayerID
	Msg    protocol.NotifyMsg
}

func (n *Notifier) Notify(player model.PlayerID, msg protocol.NotifyMsg) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Sent{Player: player, Msg: msg})
}

func (n *Notifier) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Sent(nil), n.sent...)
}

// Kinds returns the notification kinds sent to player, in order.
func (n *Notifier) Kinds(player model.PlayerID) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		if s.Player == player {
			out = append(out, s.Msg.Kind)
		}
	}
	return out
}
