package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// scene is a mostly static tabletop as a detector sees it: the same subjects
// show up frame after frame with slightly wobbly confidence.
var scene = []struct {
	subject   string
	attribute string
	base      float64
}{
	{"cup", "red", 0.82},
	{"plate", "", 0.74},
	{"chair", "wooden", 0.91},
	{"face", "", 0.88},
	{"bottle", "green", 0.67},
}

func main() {
	targetURL := flag.String("url", "http://localhost:8080/detections", "Relay ingest URL")
	apiKey := flag.String("api-key", "", "Shared key sent in the X-API-Key header")
	concurrency := flag.Int("c", 4, "Number of concurrent detector workers")
	duration := flag.Duration("d", 30*time.Second, "Duration of the simulation")
	rps := flag.Int("rps", 50, "Detections per second limit")
	jumpEvery := flag.Int("jump-every", 40, "Emit a large confidence jump every N detections per worker (0 disables)")
	origin := flag.String("origin", "", "Origin reported with each detection (default: random)")
	flag.Parse()

	if *origin == "" {
		*origin = "sim-" + uuid.NewString()[:8]
	}

	log.Printf("Simulating detector %s against %s", *origin, *targetURL)
	log.Printf("Concurrency: %d, Duration: %s, RPS: %d", *concurrency, *duration, *rps)

	var wg sync.WaitGroup
	var sentCount, errorCount atomic.Int64
	var forwardedCount, suppressedCount, droppedCount atomic.Int64

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), 10)

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{
				Timeout: 5 * time.Second,
			}
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

			var n int
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				n++

				d := scene[rng.Intn(len(scene))]
				// Small wobble that should stay under the relay's delta
				// threshold, plus the occasional genuine jump.
				confidence := d.base + (rng.Float64()-0.5)*0.04
				if *jumpEvery > 0 && n%*jumpEvery == 0 {
					confidence = d.base + 0.2
				}
				if confidence > 1 {
					confidence = 1
				}

				payload, err := json.Marshal(map[string]any{
					"subject_id":  d.subject,
					"attribute":   d.attribute,
					"confidence":  confidence,
					"origin":      *origin,
					"captured_at": time.Now().UTC().Format(time.RFC3339Nano),
				})
				if err != nil {
					continue // Should not happen
				}

				req, err := http.NewRequestWithContext(ctx, http.MethodPost, *targetURL, bytes.NewReader(payload))
				if err != nil {
					continue
				}
				req.Header.Set("Content-Type", "application/json")
				if *apiKey != "" {
					req.Header.Set("X-API-Key", *apiKey)
				}

				resp, err := client.Do(req)
				if err != nil {
					errorCount.Add(1)
					continue
				}
				sentCount.Add(1)

				if resp.StatusCode == http.StatusAccepted {
					var summary struct {
						Forwarded  int64 `json:"forwarded"`
						Suppressed int64 `json:"suppressed"`
						Dropped    int64 `json:"dropped"`
					}
					if err := json.NewDecoder(resp.Body).Decode(&summary); err == nil {
						forwardedCount.Add(summary.Forwarded)
						suppressedCount.Add(summary.Suppressed)
						droppedCount.Add(summary.Dropped)
					}
				} else {
					errorCount.Add(1)
				}
				resp.Body.Close()
			}
		}(i)
	}

	wg.Wait()

	total := sentCount.Load()
	log.Println("Detector simulation finished.")
	log.Printf("Detections sent: %d", total)
	log.Printf("Forwarded: %d, Suppressed: %d, Dropped: %d",
		forwardedCount.Load(), suppressedCount.Load(), droppedCount.Load())
	log.Printf("Transport errors: %d", errorCount.Load())
	log.Printf("Actual rate: %.2f/s", float64(total)/duration.Seconds())
}
