// Command duel-client is a demo bot. It connects to a duel server, joins the
// queue and plays every turn with an empty action list until the game ends.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spellbound/duel-server/internal/protocol"
	"go.uber.org/zap"
)

var (
	addr     = flag.String("addr", "localhost:8080", "duel server websocket address")
	playerID = flag.String("player", "", "player id (random when empty)")
	level    = flag.Int("level", 1, "player level used for matchmaking")
	games    = flag.Int("games", 1, "number of games to play before exiting")
	turns    = flag.Int("turns", 0, "concede when this turn starts (0 plays until the game ends)")
)

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	id := *playerID
	if id == "" {
		id = "bot-" + uuid.NewString()[:8]
	}
	logger = logger.With(zap.String("player_id", id))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws/" + id}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		logger.Fatal("failed to connect", zap.String("url", u.String()), zap.Error(err))
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}()

	b := newBot(id, *level, *turns, func(reqType, requestID string, body any) error {
		data, err := protocol.EncodeRequest(reqType, requestID, body)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}, logger)

	for played := 0; played < *games; played++ {
		if err := play(conn, b); err != nil {
			if ctx.Err() == nil {
				logger.Error("game aborted", zap.Error(err))
			}
			return
		}
	}
	logger.Info("done", zap.Int("games", *games))
}

// play runs one game from queue entry to game end.
func play(conn *websocket.Conn, b *bot) error {
	if err := b.join(); err != nil {
		return err
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		done, err := b.receive(data)
		if err != nil || done {
			return err
		}
	}
}
