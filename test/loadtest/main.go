// Package main implements a load test harness for the claim service HTTP
// surface. It drives the intake endpoint and, optionally, signed queue
// callbacks against a running claimd instance, measuring throughput,
// latency percentiles and error rate.
//
// Usage:
//
//	go run ./test/loadtest \
//	  -base-url "http://localhost:8080" \
//	  -signing-key "$QUEUE_SIGNING_KEY" \
//	  -concurrency 8 \
//	  -duration 30s \
//	  -callbacks
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/upon-ly/qr-claimd/internal/claims"
	"github.com/upon-ly/qr-claimd/internal/queue"
)

func main() {
	var (
		baseURL     = flag.String("base-url", "http://localhost:8080", "claimd base URL")
		signingKey  = flag.String("signing-key", "", "queue signing key (required with -callbacks)")
		concurrency = flag.Int("concurrency", 8, "Number of parallel workers")
		duration    = flag.Duration("duration", 30*time.Second, "Test duration")
		source      = flag.String("source", "web", "Claim source for generated intakes")
		auctionID   = flag.Int64("auction-id", 999_999, "Auction id for generated intakes")
		callbacks   = flag.Bool("callbacks", false, "Also fire a signed processing callback per intake")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *callbacks && *signingKey == "" {
		logger.Error("-signing-key is required with -callbacks")
		os.Exit(1)
	}

	logger.Info("load test configuration",
		"base_url", *baseURL,
		"concurrency", *concurrency,
		"duration", *duration,
		"source", *source,
		"callbacks", *callbacks,
	)

	verifier := queue.NewVerifier(*signingKey, "")
	client := &http.Client{Timeout: 30 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *duration+10*time.Second)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		totalRequests atomic.Int64
		totalErrors   atomic.Int64
		totalRetries  atomic.Int64
		latenciesMu   sync.Mutex
		latenciesNs   []int64
	)

	recordLatency := func(d time.Duration) {
		latenciesMu.Lock()
		latenciesNs = append(latenciesNs, d.Nanoseconds())
		latenciesMu.Unlock()
	}

	worker := func(workerID int) {
		deadline := time.Now().Add(*duration)
		seq := 0

		for time.Now().Before(deadline) && ctx.Err() == nil {
			seq++
			start := time.Now()

			failureID, err := postIntake(ctx, client, *baseURL, *auctionID, *source, workerID, seq)
			if err != nil {
				totalErrors.Add(1)
				logger.Warn("intake failed", "worker", workerID, "error", err)
				continue
			}
			totalRequests.Add(1)

			if *callbacks {
				status, err := postCallback(ctx, client, verifier, *baseURL, failureID)
				switch {
				case err != nil:
					totalErrors.Add(1)
					logger.Warn("callback failed", "worker", workerID, "error", err)
				case status == http.StatusTooManyRequests:
					totalRetries.Add(1)
				case status != http.StatusOK:
					totalErrors.Add(1)
				default:
					totalRequests.Add(1)
				}
			}

			recordLatency(time.Since(start))
		}
	}

	logger.Info("starting load test", "workers", *concurrency, "duration", *duration)
	testStart := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			worker(id)
		}(i)
	}
	wg.Wait()

	testDuration := time.Since(testStart)

	requests := totalRequests.Load()
	errCount := totalErrors.Load()
	retries := totalRetries.Load()

	latenciesMu.Lock()
	allLatencies := make([]int64, len(latenciesNs))
	copy(allLatencies, latenciesNs)
	latenciesMu.Unlock()

	sort.Slice(allLatencies, func(i, j int) bool { return allLatencies[i] < allLatencies[j] })

	p50 := percentile(allLatencies, 50)
	p95 := percentile(allLatencies, 95)
	p99 := percentile(allLatencies, 99)

	requestsPerSec := float64(requests) / testDuration.Seconds()
	errorRate := float64(0)
	if requests+errCount > 0 {
		errorRate = float64(errCount) / float64(requests+errCount) * 100
	}

	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       LOAD TEST RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Duration:       %s\n", testDuration.Round(time.Millisecond))
	fmt.Printf("Workers:        %d\n", *concurrency)
	fmt.Printf("Source:         %s\n", *source)
	fmt.Println("----------------------------------------")
	fmt.Println("Throughput:")
	fmt.Printf("  Requests:     %d\n", requests)
	fmt.Printf("  Requests/sec: %.1f\n", requestsPerSec)
	fmt.Printf("  Contention:   %d (429 in-progress)\n", retries)
	fmt.Println("Latency (per intake+callback pair):")
	fmt.Printf("  p50:          %s\n", time.Duration(p50).Round(time.Millisecond))
	fmt.Printf("  p95:          %s\n", time.Duration(p95).Round(time.Millisecond))
	fmt.Printf("  p99:          %s\n", time.Duration(p99).Round(time.Millisecond))
	fmt.Println("Errors:")
	fmt.Printf("  Total:        %d\n", errCount)
	fmt.Printf("  Rate:         %.2f%%\n", errorRate)
	fmt.Println("========================================")

	if errCount > 0 {
		os.Exit(1)
	}
}

// postIntake records a synthetic failed claim and returns its failure id.
// Addresses are random so the per-auction uniqueness constraints never
// collide across workers.
func postIntake(ctx context.Context, client *http.Client, baseURL string, auctionID int64, source string, workerID, seq int) (uuid.UUID, error) {
	payload := map[string]any{
		"auction_id": auctionID,
		"address":    randomAddress(),
		"fid":        int64(workerID*1_000_000 + seq),
		"source":     source,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/claims", bytes.NewReader(body))
	if err != nil {
		return uuid.Nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return uuid.Nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return uuid.Nil, fmt.Errorf("intake returned %d: %s", resp.StatusCode, snippet)
	}

	var out struct {
		FailureID uuid.UUID `json:"failure_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return uuid.Nil, err
	}
	return out.FailureID, nil
}

// postCallback fires one signed processing callback, the way the delayed
// queue would deliver it.
func postCallback(ctx context.Context, client *http.Client, verifier *queue.Verifier, baseURL string, failureID uuid.UUID) (int, error) {
	body, err := json.Marshal(claims.CallbackPayload{FailureID: failureID, Attempt: 0})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/internal/claims/process", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(queue.SignatureHeader, verifier.Sign(body))

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func randomAddress() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return "0x" + hex.EncodeToString(b)
}

// percentile returns the pct-th percentile from sorted nanosecond latencies.
func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct*len(sorted) - 1) / 100
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
