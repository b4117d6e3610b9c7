package stats

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// Server metric families read from /metrics.
const (
	famConnections   = "privatechat_connections_active"
	famSubscriptions = "privatechat_subscriptions_active"
	famRoomsCreated  = "privatechat_rooms_created_total"
	famRoomsDestroy  = "privatechat_rooms_destroyed_total"
	famMessages      = "privatechat_messages_total"
	famPublished     = "privatechat_events_published_total"
	famBroadcastFail = "privatechat_broadcast_failures_total"
	famDropped       = "privatechat_events_dropped_total"
	famLatency       = "privatechat_request_latency_seconds"
)

// roomSnapshot is the server's room-level state at one scrape.
type roomSnapshot struct {
	at time.Time

	connections   float64
	subscriptions float64
	created       float64
	messages      float64
	dropped       float64

	destroyed map[string]float64 // by reason: explicit, expired
	published map[string]float64 // by event kind
	failed    map[string]float64 // broadcast failures by event kind
	latency   map[string]histo   // by route, all status codes merged
}

type histo struct {
	sum   float64
	count uint64
}

// Scraper polls the server's Prometheus endpoint during a run and reports
// how room lifecycle and fan-out counters moved.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu    sync.Mutex
	snaps []roomSnapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL polled every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a baseline scrape and keeps polling until ctx ends or Stop is
// called. A last scrape is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.record(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.record(context.Background())
				return
			case <-ticker.C:
				s.record(ctx)
			}
		}
	}()
}

// Stop ends polling and waits for the final scrape.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) record(ctx context.Context) {
	snap, err := s.scrape(ctx)
	if err != nil {
		// The server may still be starting.
		return
	}
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

func (s *Scraper) scrape(ctx context.Context) (roomSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return roomSnapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return roomSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return roomSnapshot{}, fmt.Errorf("scrape: http %d", resp.StatusCode)
	}

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return roomSnapshot{}, fmt.Errorf("scrape: %w", err)
	}
	return snapshotOf(families, time.Now()), nil
}

// snapshotOf extracts the room metrics from parsed families.
func snapshotOf(families map[string]*dto.MetricFamily, at time.Time) roomSnapshot {
	return roomSnapshot{
		at:            at,
		connections:   total(families[famConnections]),
		subscriptions: total(families[famSubscriptions]),
		created:       total(families[famRoomsCreated]),
		messages:      total(families[famMessages]),
		dropped:       total(families[famDropped]),
		destroyed:     byLabel(families[famRoomsDestroy], "reason"),
		published:     byLabel(families[famPublished], "kind"),
		failed:        byLabel(families[famBroadcastFail], "kind"),
		latency:       histosBy(families[famLatency], "route"),
	}
}

func value(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	}
	return 0
}

func total(f *dto.MetricFamily) float64 {
	var sum float64
	for _, m := range f.GetMetric() {
		sum += value(m)
	}
	return sum
}

func labelOf(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func byLabel(f *dto.MetricFamily, label string) map[string]float64 {
	out := make(map[string]float64)
	for _, m := range f.GetMetric() {
		out[labelOf(m, label)] += value(m)
	}
	return out
}

func histosBy(f *dto.MetricFamily, label string) map[string]histo {
	out := make(map[string]histo)
	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		key := labelOf(m, label)
		cur := out[key]
		cur.sum += h.GetSampleSum()
		cur.count += h.GetSampleCount()
		out[key] = cur
	}
	return out
}

// Report prints how the server's room counters moved between the first and
// last scrape.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]roomSnapshot(nil), s.snaps...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics ---")
	fmt.Printf("  %d scrapes over %s\n", len(snaps), last.at.Sub(first.at).Round(time.Second))

	var peakConns, peakSubs float64
	for _, sn := range snaps {
		if sn.connections > peakConns {
			peakConns = sn.connections
		}
		if sn.subscriptions > peakSubs {
			peakSubs = sn.subscriptions
		}
	}
	fmt.Printf("  Viewers:        peak %.0f connections, %.0f subscriptions\n", peakConns, peakSubs)
	fmt.Printf("  Rooms:          +%.0f created, %.0f destroyed explicitly, %.0f expired\n",
		last.created-first.created,
		last.destroyed["explicit"]-first.destroyed["explicit"],
		last.destroyed["expired"]-first.destroyed["expired"])
	fmt.Printf("  Messages:       +%.0f stored\n", last.messages-first.messages)

	fmt.Println("  Events published (broadcast failures):")
	for _, kind := range sortedKeys(last.published) {
		fmt.Printf("    %-14s %8.0f (%.0f)\n", kind,
			last.published[kind]-first.published[kind],
			last.failed[kind]-first.failed[kind])
	}
	if d := last.dropped - first.dropped; d > 0 {
		fmt.Printf("  Slow viewers:   %.0f events dropped\n", d)
	}

	fmt.Println("  API latency by route:")
	for _, route := range sortedKeys(last.latency) {
		h0, h1 := first.latency[route], last.latency[route]
		n := h1.count - h0.count
		if n == 0 {
			continue
		}
		avg := time.Duration((h1.sum - h0.sum) / float64(n) * float64(time.Second))
		fmt.Printf("    %-24s avg %-10s (%d requests)\n", route, avg.Round(time.Microsecond), n)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
