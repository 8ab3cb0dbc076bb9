// loadtest drives the signaling hub with many concurrent WebSocket clients.
// Each client generates its own keypair, registers, and measures signed
// policy:get round-trips through the full verify path.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/envelope"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/identity"
)

type loadConfig struct {
	URL            string
	Clients        int
	PingsPerClient int
	ReportInterval time.Duration
}

type loadStats struct {
	Registered   uint64
	Pings        uint64
	Failures     uint64
	MaxLatency   time.Duration
	MinLatency   time.Duration
	AvgLatency   time.Duration
	P95Latency   time.Duration
	P99Latency   time.Duration
	TotalElapsed time.Duration
	PerSecond    float64
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "hub WebSocket URL")
	clients := flag.Int("clients", 100, "number of concurrent clients")
	pings := flag.Int("frames", 50, "signed round-trips per client")
	report := flag.Duration("report", 5*time.Second, "stats reporting interval")
	flag.Parse()

	cfg := loadConfig{
		URL:            *url,
		Clients:        *clients,
		PingsPerClient: *pings,
		ReportInterval: *report,
	}

	slog.Info("starting signaling load test",
		"url", cfg.URL, "clients", cfg.Clients, "frames_per_client", cfg.PingsPerClient)

	stats := runLoadTest(cfg)
	printResults(stats)

	if stats.Failures > 0 {
		os.Exit(1)
	}
}

func runLoadTest(cfg loadConfig) *loadStats {
	stats := &loadStats{MinLatency: time.Hour}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	done := make(chan struct{})
	go reportProgress(done, stats, cfg.ReportInterval)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.Clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runClient(cfg, stats, &latencies, &latenciesMu); err != nil {
				atomic.AddUint64(&stats.Failures, 1)
				slog.Warn("client failed", "error", err)
			}
		}()
	}
	wg.Wait()
	close(done)

	stats.TotalElapsed = time.Since(start)
	stats.PerSecond = float64(atomic.LoadUint64(&stats.Pings)) / stats.TotalElapsed.Seconds()

	latenciesMu.Lock()
	defer latenciesMu.Unlock()
	if len(latencies) > 0 {
		stats.AvgLatency = average(latencies)
		stats.P95Latency = percentile(latencies, 95)
		stats.P99Latency = percentile(latencies, 99)
	}
	return stats
}

// runClient registers one identity and round-trips signed frames. policy:get
// is the probe: it walks verify, a store read, and the success reply.
func runClient(cfg loadConfig, stats *loadStats, latencies *[]time.Duration, mu *sync.Mutex) error {
	kp, err := identity.GenerateKeypair()
	if err != nil {
		return err
	}

	ws, _, err := websocket.DefaultDialer.Dial(cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	if err := sendSigned(ws, kp, envelope.TypeRegister, nil); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := awaitFrame(ws, "success"); err != nil {
		return fmt.Errorf("register ack: %w", err)
	}
	atomic.AddUint64(&stats.Registered, 1)

	for i := 0; i < cfg.PingsPerClient; i++ {
		begin := time.Now()
		if err := sendSigned(ws, kp, envelope.TypePolicyGet, nil); err != nil {
			return fmt.Errorf("policy:get: %w", err)
		}
		if err := awaitFrame(ws, "success"); err != nil {
			return fmt.Errorf("policy:get reply: %w", err)
		}
		rtt := time.Since(begin)

		atomic.AddUint64(&stats.Pings, 1)
		mu.Lock()
		*latencies = append(*latencies, rtt)
		if rtt > stats.MaxLatency {
			stats.MaxLatency = rtt
		}
		if rtt < stats.MinLatency {
			stats.MinLatency = rtt
		}
		mu.Unlock()
	}
	return nil
}

func sendSigned(ws *websocket.Conn, kp *identity.Keypair, typ string, payload any) error {
	env := &envelope.Envelope{
		Type:        typ,
		FromPubkey:  base64.StdEncoding.EncodeToString(kp.Public),
		FromAddress: kp.Address,
		Nonce:       uuid.NewString(),
		Timestamp:   time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = raw
	}
	signed, err := envelope.SignedBytes(env)
	if err != nil {
		return err
	}
	sig, err := kp.Sign(json.RawMessage(signed))
	if err != nil {
		return err
	}
	env.Signature = base64.StdEncoding.EncodeToString(sig)
	return ws.WriteJSON(env)
}

// awaitFrame reads until a frame of the wanted type arrives; an error frame
// fails the client immediately.
func awaitFrame(ws *websocket.Conn, want string) error {
	deadline := time.Now().Add(10 * time.Second)
	for {
		ws.SetReadDeadline(deadline)
		var ev struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := ws.ReadJSON(&ev); err != nil {
			return err
		}
		switch ev.Type {
		case want:
			return nil
		case "error":
			return fmt.Errorf("server error: %s", ev.Payload)
		}
		// Unrelated frames (presence, receipts) are skipped.
	}
}

func reportProgress(done <-chan struct{}, stats *loadStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			slog.Info("progress",
				"registered", atomic.LoadUint64(&stats.Registered),
				"pings", atomic.LoadUint64(&stats.Pings),
				"failures", atomic.LoadUint64(&stats.Failures),
				"min_rtt", stats.MinLatency,
				"max_rtt", stats.MaxLatency)
		case <-done:
			return
		}
	}
}

func printResults(stats *loadStats) {
	separator := "================================================================================"
	fmt.Println("\n" + separator)
	fmt.Println("SIGNALING LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Clients registered:     %d\n", stats.Registered)
	fmt.Printf("Ping round-trips:       %d\n", stats.Pings)
	fmt.Printf("Client failures:        %d\n", stats.Failures)
	fmt.Printf("Total duration:         %v\n", stats.TotalElapsed)
	fmt.Printf("Throughput:             %.2f frames/sec\n", stats.PerSecond)
	fmt.Printf("RTT (min):              %v\n", stats.MinLatency)
	fmt.Printf("RTT (avg):              %v\n", stats.AvgLatency)
	fmt.Printf("RTT (p95):              %v\n", stats.P95Latency)
	fmt.Printf("RTT (p99):              %v\n", stats.P99Latency)
	fmt.Printf("RTT (max):              %v\n", stats.MaxLatency)
	fmt.Println(separator)

	if stats.Failures == 0 {
		fmt.Println("PASS: all clients completed")
	} else {
		fmt.Printf("FAIL: %d clients failed\n", stats.Failures)
	}
	if stats.P95Latency < 100*time.Millisecond {
		fmt.Println("PASS: p95 round-trip under 100ms")
	} else {
		fmt.Println("WARN: p95 round-trip above 100ms")
	}
	fmt.Println(separator + "\n")
}

func average(latencies []time.Duration) time.Duration {
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func percentile(latencies []time.Duration, p int) time.Duration {
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
