package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	PlayerID        string     `json:"player_id"`
	ClientName      string     `json:"client_name,omitempty"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	PlayerID        string      `json:"player_id"`
	ClaimParams     ClaimParams `json:"claim_params"`
}

type ClaimParams struct {
	GridSize        int     `json:"grid_size"`
	UpkeepPeriodSec int     `json:"upkeep_period_sec"`
	PricePerHour    float64 `json:"price_per_hour"`
	MinBufferSec    int64   `json:"min_buffer_sec"`
	InitialGraceSec int64   `json:"initial_grace_sec"`
}

// NOTIFY (server -> client): an asynchronous event about the player's
// territory.
type NotifyMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Kind            string  `json:"kind"`
	PlayerID        string  `json:"player_id"`
	RegionID        int64   `json:"region_id,omitempty"`
	ClaimIDs        []int64 `json:"claim_ids,omitempty"`
	World           string  `json:"world,omitempty"`
	RemainingSec    int64   `json:"remaining_sec,omitempty"`
	Refund          string  `json:"refund,omitempty"`
	Code            string  `json:"code,omitempty"`
	Message         string  `json:"message,omitempty"`
	ServerTimeMS    int64   `json:"server_time_ms"`
}

// ERROR (server -> client) sent before closing a rejected session.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
