package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ahsanbhutta01/private-chat/loadtest/client"
	"github.com/ahsanbhutta01/private-chat/loadtest/stats"
)

// textPrefix marks messages posted by this test; the rest of the text is the
// send time in unix nanoseconds.
const textPrefix = "lt:"

// runFanout measures room fan-out. For every room it attaches viewers over
// WebSocket, posts messages over HTTP from a few senders, and times how long
// each chat.message takes to reach each viewer. It then destroys the rooms
// and times the closed frame on every viewer.
func runFanout(args []string) {
	fs := flag.NewFlagSet("fanout", flag.ExitOnError)
	wsURL := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiURL := fs.String("api", "http://localhost:8080", "HTTP API base URL")
	rooms := fs.Int("rooms", 10, "Number of rooms")
	viewers := fs.Int("viewers", 20, "Viewers per room")
	senders := fs.Int("senders", 2, "Senders per room")
	messages := fs.Int("messages", 50, "Messages per sender")
	interval := fs.Duration("interval", 600*time.Millisecond, "Delay between messages of one sender (the default message limit is 20 per 10s)")
	settle := fs.Duration("settle", 3*time.Second, "Time to wait for trailing deliveries")
	destroy := fs.Bool("destroy", true, "Destroy rooms at the end and time the closed frames")
	typing := fs.Bool("typing", true, "Send a typing signal before each message")
	metricsURL := fs.String("metrics", "", "Prometheus endpoint to scrape during the test")
	fs.Parse(args)

	fmt.Printf("Fan-out test: %d rooms x %d viewers, %d senders x %d messages (interval=%s)\n",
		*rooms, *viewers, *senders, *messages, *interval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.NewAPI(*apiURL)
	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	// -----------------------------------------------------------------------
	// Rooms
	// -----------------------------------------------------------------------
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
	// Viewers
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Attaching viewers ---")

	var destroyStarted sync.Map // room id -> time.Time
	var closes sync.WaitGroup
	var clients []*client.Client
	attached := make(map[string]int, len(roomIDs))

	for _, roomID := range roomIDs {
		for v := 0; v < *viewers; v++ {
			subscribed := make(chan struct{}, 1)
			handlers := map[string]func(json.RawMessage){
				client.TypeSubscribed: func(json.RawMessage) {
					select {
					case subscribed <- struct{}{}:
					default:
					}
				},
				client.TypeEvent: func(raw json.RawMessage) {
					var ev client.EventMsg
					if err := json.Unmarshal(raw, &ev); err != nil || ev.Event != client.EventMessage {
						return
					}
					if sent, ok := sentAt(ev.Data); ok {
						collector.AddDelivery(time.Since(sent))
					}
				},
				client.TypeClosed: func(raw json.RawMessage) {
					var msg struct {
						RoomID string `json:"room_id"`
						Reason string `json:"reason"`
					}
					if err := json.Unmarshal(raw, &msg); err != nil || msg.Reason != "destroyed" {
						return
					}
					if start, ok := destroyStarted.Load(msg.RoomID); ok {
						collector.AddClose(time.Since(start.(time.Time)))
					}
					closes.Done()
				},
			}

			c, err := attachViewer(ctx, *wsURL, roomID, handlers, subscribed)
			if err != nil {
				collector.AddError()
				continue
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			clients = append(clients, c)
			attached[roomID]++
			closes.Add(1)
		}
	}
	fmt.Printf("Attached %d viewers to %d rooms (%d errors)\n",
		len(clients), len(roomIDs), collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Senders
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Sending ---")
	sendStart := time.Now()
	var wg sync.WaitGroup
	for _, roomID := range roomIDs {
		for s := 0; s < *senders; s++ {
			wg.Add(1)
			go func(roomID, sender string) {
				defer wg.Done()
				ticker := time.NewTicker(*interval)
				defer ticker.Stop()

				for i := 0; i < *messages; i++ {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
					if *typing {
						if err := api.SetTyping(ctx, roomID, sender, true); err != nil {
							collector.AddError()
						}
					}
					text := textPrefix + strconv.FormatInt(time.Now().UnixNano(), 10)
					if err := api.PostMessage(ctx, roomID, sender, text); err != nil {
						var se *client.StatusError
						if errors.As(err, &se) && se.Code == 429 {
							fmt.Printf("  [send] %s rate limited\n", sender)
						}
						collector.AddError()
						continue
					}
					collector.AddSent(attached[roomID])
				}
			}(roomID, fmt.Sprintf("sender-%d", s))
		}
	}
	wg.Wait()
	fmt.Printf("Sending complete in %s, settling for %s...\n",
		time.Since(sendStart).Round(time.Millisecond), *settle)

	select {
	case <-ctx.Done():
	case <-time.After(*settle):
	}

	// -----------------------------------------------------------------------
	// Destroy
	// -----------------------------------------------------------------------
	if *destroy && ctx.Err() == nil {
		fmt.Println("\n--- Destroying rooms ---")
		for _, roomID := range roomIDs {
			destroyStarted.Store(roomID, time.Now())
			if err := api.DestroyRoom(ctx, roomID); err != nil {
				fmt.Printf("  destroy %s: %v\n", roomID, err)
				collector.AddError()
			}
		}

		done := make(chan struct{})
		go func() {
			closes.Wait()
			close(done)
		}()
		select {
		case <-done:
			fmt.Println("Every viewer received its closed frame.")
		case <-time.After(10 * time.Second):
			fmt.Println("Timed out waiting for closed frames.")
		case <-ctx.Done():
		}
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	for _, c := range clients {
		c.Close()
	}
	collector.Report()
}

// attachViewer dials one viewer and waits until its subscription to roomID
// is confirmed.
func attachViewer(ctx context.Context, url, roomID string, handlers map[string]func(json.RawMessage), subscribed <-chan struct{}) (*client.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, url, handlers)
	if err != nil {
		return nil, err
	}
	if err := c.WaitForConnected(connCtx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Subscribe([]string{roomID}); err != nil {
		c.Close()
		return nil, err
	}
	select {
	case <-subscribed:
		return c, nil
	case <-connCtx.Done():
		c.Close()
		return nil, connCtx.Err()
	}
}

// sentAt extracts the send time from a chat.message payload posted by this
// test.
func sentAt(data json.RawMessage) (time.Time, bool) {
	var msg struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || !strings.HasPrefix(msg.Text, textPrefix) {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(strings.TrimPrefix(msg.Text, textPrefix), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
