// Command demo exercises the realtime SDK against a running server: it
// connects to a domain, creates a collaboration session, places a
// component on the shared canvas, and tails telemetry frames.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulseboard/realtime/pkg/client"
	"github.com/pulseboard/realtime/pkg/protocol"
)

func main() {
	httpBase := flag.String("api", "http://localhost:8080/api", "HTTP API base URL")
	wsBase := flag.String("ws", "ws://localhost:8080/api/ws", "WebSocket base URL")
	domain := flag.String("domain", "builder", "realtime domain to join")
	user := flag.String("user", "demo-user", "user id for the bearer token")
	storePath := flag.String("store", "data/outbound.db", "durable queue store path")
	flag.Parse()

	store, err := client.OpenStore(*storePath)
	if err != nil {
		log.Printf("Durable store unavailable, queueing in memory only: %v", err)
	}
	defer store.Close()

	token := client.TokenFunc(func(ctx context.Context) (string, error) {
		return "user:" + *user, nil
	})

	registry := client.NewRegistry(client.RegistryConfig{
		URL:           *wsBase,
		TokenProvider: token,
		Store:         store,
	})
	defer registry.Close()

	conn := registry.Conn(*domain)
	conn.OnStatusChange(func(status client.Status) {
		log.Printf("Connection status: %s", status)
	})

	sessions := client.NewSessionManager(conn, *httpBase, client.WithSessionToken(token))
	defer sessions.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	sess, err := sessions.CreateSession(ctx, "Demo Session", "SDK walkthrough")
	cancel()
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	log.Printf("Created session %s with participants %v", sess.ID, sess.Participants)

	canvas := client.NewCanvas(conn, sessions, 0, 0)
	defer canvas.Close()
	canvas.OnChange(func() {
		log.Printf("Canvas now has %d components", len(canvas.Components()))
	})

	canvas.AddComponent(protocol.ComponentConfig{
		ID:       "health-score",
		Type:     "gauge",
		Position: protocol.GridPosition{X: 0, Y: 0, W: 4, H: 3},
		Config:   map[string]interface{}{"metric": "stability"},
	})

	stream := client.NewStreamController(conn, protocol.StreamRequestPayload{
		SourceType: "synthetic",
		Interval:   1000,
	}, true)
	defer stream.Close()
	stream.OnFrame(func(frame protocol.DataFramePayload) {
		log.Printf("Frame %d: stability=%.1f quality=%.1f", frame.Sequence,
			frame.Metrics["stability"], frame.Metrics["quality"])
	})
	stream.OnError(func(e protocol.ErrorPayload) {
		log.Printf("Stream error: %s", e.Message)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := sessions.LeaveSession(leaveCtx); err != nil {
		log.Printf("Failed to leave session: %v", err)
	}
	leaveCancel()
}
