package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"claimcraft.ai/internal/protocol"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// roundTrip turns a Go message into the generic form the validator expects.
func roundTrip(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateSamples(t *testing.T) {
	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	var hello any
	_ = json.Unmarshal([]byte(`{
	  "type":"HELLO",
	  "protocol_version":"1.0",
	  "player_id":"5b8f0c8e-8f55-4a3e-9a53-3a3b5f0e2c11",
	  "client_name":"launcher"
	}`), &hello)
	validate(compileSchema(t, "hello.schema.json"), hello)

	validate(compileSchema(t, "welcome.schema.json"), roundTrip(t, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       "s1",
		PlayerID:        "5b8f0c8e-8f55-4a3e-9a53-3a3b5f0e2c11",
		ClaimParams: protocol.ClaimParams{
			GridSize:        16,
			UpkeepPeriodSec: 60,
			PricePerHour:    100,
			MinBufferSec:    60,
			InitialGraceSec: 600,
		},
	}))

	notify := compileSchema(t, "notify.schema.json")
	validate(notify, roundTrip(t, protocol.NotifyMsg{
		Type:            protocol.TypeNotify,
		ProtocolVersion: protocol.Version,
		Kind:            protocol.NotifyDissolved,
		PlayerID:        "5b8f0c8e-8f55-4a3e-9a53-3a3b5f0e2c11",
		RegionID:        7,
		ClaimIDs:        []int64{3, 4},
		World:           "world",
		Refund:          "1.25",
		ServerTimeMS:    1700000000000,
	}))
	validate(notify, roundTrip(t, protocol.NotifyMsg{
		Type:            protocol.TypeNotify,
		ProtocolVersion: protocol.Version,
		Kind:            protocol.NotifyLowUpkeep,
		PlayerID:        "5b8f0c8e-8f55-4a3e-9a53-3a3b5f0e2c11",
		RegionID:        7,
		RemainingSec:    240,
		ServerTimeMS:    1700000000000,
	}))

	validate(compileSchema(t, "error.schema.json"), roundTrip(t, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            protocol.ErrProtoBadRequest,
		Message:         "bad hello",
	}))
}

func TestSchemas_RejectUnknownNotifyKind(t *testing.T) {
	var bad any
	_ = json.Unmarshal([]byte(`{
	  "type":"NOTIFY",
	  "protocol_version":"1.0",
	  "kind":"EXPLODED",
	  "player_id":"p",
	  "server_time_ms":1
	}`), &bad)
	if err := compileSchema(t, "notify.schema.json").Validate(bad); err == nil {
		t.Fatalf("expected unknown kind rejected")
	}
}
