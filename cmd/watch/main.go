// Command watch connects to the notification stream as a player and
// prints every territory notification it receives.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/protocol"
)

func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		player = flag.String("player", "", "player uuid (required)")
		token  = flag.String("token", "", "shared HELLO token, if the server requires one")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[watch] ", log.LstdFlags|log.Lmicroseconds)
	id, err := model.ParsePlayerID(*player)
	if err != nil {
		logger.Fatalf("-player: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerID:        id.String(),
		ClientName:      "watch",
	}
	if t := strings.TrimSpace(*token); t != "" {
		hello.Auth = &protocol.HelloAuth{Token: t}
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			p := w.ClaimParams
			logger.Printf("WELCOME session=%s grid=%d price_per_hour=%.2f upkeep_every=%ds grace=%ds",
				w.SessionID, p.GridSize, p.PricePerHour, p.UpkeepPeriodSec, p.InitialGraceSec)

		case protocol.TypeNotify:
			var n protocol.NotifyMsg
			if err := json.Unmarshal(msg, &n); err != nil {
				continue
			}
			logNotify(logger, n)

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err == nil {
				logger.Printf("ERROR %s: %s", e.Code, e.Message)
			}
		}
	}
}

func logNotify(logger *log.Logger, n protocol.NotifyMsg) {
	switch n.Kind {
	case protocol.NotifyDissolved:
		logger.Printf("DISSOLVED region=%d claims=%v refund=%s", n.RegionID, n.ClaimIDs, n.Refund)
	case protocol.NotifyLowUpkeep:
		logger.Printf("LOW_UPKEEP region=%d remaining=%s", n.RegionID, time.Duration(n.RemainingSec)*time.Second)
	case protocol.NotifyClaimFailed:
		logger.Printf("CLAIM_FAILED %s: %s", n.Code, n.Message)
	case protocol.NotifyCellRemoved:
		logger.Printf("RESOURCE_CELL_REMOVED region=%d", n.RegionID)
	default:
		logger.Printf("%s %s", n.Kind, n.Message)
	}
}
