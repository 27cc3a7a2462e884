package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // Reservations created
	fail409       uint64 // Slot conflicts
	fail429       uint64 // Rate limited
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, i, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, id int, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	customerID := demoUUID('c', id)

	for time.Since(start) < duration {
		business, service, date, slot := generateSlot()

		payload := map[string]interface{}{
			"business_id": business,
			"service_id":  service,
			"customer_id": customerID,
			"slot_date":   date,
			"slot_time":   slot,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/reservations", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		// Spread workers across limiter subjects so the benchmark measures
		// slot contention, not the per-subject quota.
		req.Header.Set("X-API-Key", fmt.Sprintf("bench-%d", id))

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		case 429:
			atomic.AddUint64(&fail429, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func generateSlot() (string, string, string, string) {
	// Assumes the seeder's demo grid: 10 businesses, 5 services.
	businesses, services := 10, 5

	b, s := rand.Intn(businesses), rand.Intn(services)
	day := rand.Intn(30)
	hour, half := 9+rand.Intn(8), rand.Intn(2)*30

	if workload == "hotspot" {
		// Hotspot: 90% of traffic fights over a single slot, the conflict
		// path the unique index must serialize.
		if rand.Float32() < 0.90 {
			return demoUUID('b', 0), demoUUID('s', 0), "2026-09-01", "10:00"
		}
	}

	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day).Format("2006-01-02")
	return demoUUID('b', b), demoUUID('s', s), date, fmt.Sprintf("%02d:%02d", hour, half)
}

// demoUUID mirrors the seeder's stable id scheme.
func demoUUID(tag byte, n int) string {
	raw := make([]byte, 16)
	raw[0] = tag
	raw[15] = byte(n)
	return fmt.Sprintf("%x-%x-%x-%x-%x", raw[0:4], raw[4:6], raw[6:8], raw[8:10], raw[10:16])
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	f409 := atomic.LoadUint64(&fail409)
	f429 := atomic.LoadUint64(&fail429)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	conflictRate := float64(f409) / float64(total) * 100

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"reservations":      s201,
		"slot_conflicts":    f409,
		"rate_limited":      f429,
		"conflict_rate_pct": conflictRate,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
