package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ahsanbhutta01/private-chat/loadtest/client"
	"github.com/ahsanbhutta01/private-chat/loadtest/stats"
)

// runExpiry measures room expiry under viewer load. It creates rooms, ramps
// viewers onto them, and waits for every room to run out its TTL. Each viewer
// takes the room's deadline from its subscribed frame, and the report shows
// how late the reaper's closed frame arrived against that deadline. TTLs are
// reported in whole seconds, so the lag is accurate to about half a second.
// Run it against a server started with a short ROOM_TTL.
func runExpiry(args []string) {
	fs := flag.NewFlagSet("expiry", flag.ExitOnError)
	wsURL := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiURL := fs.String("api", "http://localhost:8080", "HTTP API base URL")
	rooms := fs.Int("rooms", 20, "Number of rooms")
	viewers := fs.Int("viewers", 50, "Viewers per room")
	ramp := fs.Duration("ramp", 10*time.Second, "Time over which viewers are attached")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous viewer dials")
	maxWait := fs.Duration("max-wait", 15*time.Minute, "Give up waiting for expiry after this long")
	metricsURL := fs.String("metrics", "", "Prometheus endpoint to scrape during the test")
	fs.Parse(args)

	total := *rooms * *viewers
	fmt.Printf("Expiry test: %d rooms x %d viewers (ramp=%s, concurrency=%d)\n",
		*rooms, *viewers, *ramp, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	api := client.NewAPI(*apiURL)
	roomIDs := make([]string, 0, *rooms)
	for i := 0; i < *rooms; i++ {
		id, err := api.CreateRoom(ctx, "")
		if err != nil {
			fmt.Printf("create room: %v\n", err)
			collector.AddError()
			continue
		}
		roomIDs = append(roomIDs, id)
	}
	if len(roomIDs) == 0 {
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Ramp viewers across rooms
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Attaching viewers ---")

	var (
		mu      sync.Mutex
		clients []*client.Client
		pending sync.WaitGroup // one per attached viewer, done on its closed frame
	)

	interval := *ramp / time.Duration(len(roomIDs)**viewers)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	sem := make(chan struct{}, *concurrency)
	var dials sync.WaitGroup

attach:
	for v := 0; v < *viewers; v++ {
		for _, roomID := range roomIDs {
			select {
			case <-ctx.Done():
				break attach
			case <-ticker.C:
			}
			sem <- struct{}{}
			dials.Add(1)
			go func(roomID string) {
				defer dials.Done()
				defer func() { <-sem }()

				c, ok := attachExpiringViewer(ctx, *wsURL, roomID, collector, &pending)
				if !ok {
					collector.AddError()
					return
				}
				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}(roomID)
		}
	}
	ticker.Stop()
	dials.Wait()
	fmt.Printf("Attached %d/%d viewers (%d errors)\n",
		collector.ConnectionCount(), total, collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Wait for the reaper
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Waiting for rooms to expire ---")
	done := make(chan struct{})
	go func() {
		pending.Wait()
		close(done)
	}()

	status := time.NewTicker(5 * time.Second)
	deadline := time.NewTimer(*maxWait)
wait:
	for {
		select {
		case <-done:
			fmt.Println("Every viewer received its closed frame.")
			break wait
		case <-deadline.C:
			fmt.Println("Gave up waiting for expiry.")
			break wait
		case <-ctx.Done():
			fmt.Println("Interrupted.")
			break wait
		case <-status.C:
			mu.Lock()
			alive := 0
			for _, c := range clients {
				if c.Alive() {
					alive++
				}
			}
			n := len(clients)
			mu.Unlock()
			fmt.Printf("  [wait] viewers alive: %d/%d\n", alive, n)
		}
	}
	status.Stop()
	deadline.Stop()

	open := 0
	mu.Lock()
	for _, c := range clients {
		if c.Alive() {
			open++
		}
		c.Close()
	}
	mu.Unlock()

	select {
	case <-done:
	default:
		fmt.Printf("\nViewers still open at the end: %d\n", open)
	}
	collector.Report()
}

// attachExpiringViewer subscribes one viewer to roomID and arms it to record
// the gap between the room's advertised deadline and its closed frame.
func attachExpiringViewer(ctx context.Context, url, roomID string, collector *stats.Collector, pending *sync.WaitGroup) (*client.Client, bool) {
	var (
		once      sync.Once
		expiresAt atomic.Int64 // unix nanos, set from the subscribed frame
	)
	subscribed := make(chan struct{}, 1)

	handlers := map[string]func(json.RawMessage){
		client.TypeSubscribed: func(raw json.RawMessage) {
			var msg struct {
				Rooms map[string]int64 `json:"rooms"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				return
			}
			if ttl, ok := msg.Rooms[roomID]; ok {
				expiresAt.Store(time.Now().Add(time.Duration(ttl) * time.Second).UnixNano())
				select {
				case subscribed <- struct{}{}:
				default:
				}
			}
		},
		client.TypeClosed: func(raw json.RawMessage) {
			var msg struct {
				RoomID string `json:"room_id"`
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil || msg.RoomID != roomID || msg.Reason != "destroyed" {
				return
			}
			once.Do(func() {
				if at := expiresAt.Load(); at > 0 {
					collector.AddClose(time.Since(time.Unix(0, at)))
				}
				pending.Done()
			})
		},
	}

	// Counted before the dial so a fast closed frame cannot run Done first.
	pending.Add(1)
	c, err := attachViewer(ctx, url, roomID, handlers, subscribed)
	if err != nil {
		once.Do(pending.Done)
		return nil, false
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)
	return c, true
}
