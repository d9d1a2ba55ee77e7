// Benchmark tool for testing the risk gate against labeled RTO data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/orders.csv -url http://localhost:8080
//
// This tool:
//   1. Reads historical cash orders with their final outcome (delivered/rto)
//   2. Sends each order to the scoring endpoint
//   3. Compares the gate's recommendation with the actual outcome
//   4. Calculates precision, recall, F1-score, and confusion matrix
//
// Expected CSV columns: order_id, phone, pincode, order_value, outcome.
// order_value is in rupees; outcome is "delivered" or "rto".
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledOrder is one historical cash order with its known outcome.
type LabeledOrder struct {
	OrderID    string
	Phone      string
	Pincode    string
	OrderValue int64 // paise
	IsRTO      bool
}

// ScoreRequest mirrors the POST /orders/score request format.
type ScoreRequest struct {
	OrderID    string      `json:"orderId"`
	Phone      string      `json:"phone"`
	Address    AddressInfo `json:"address"`
	OrderValue int64       `json:"orderValue"`
}

type AddressInfo struct {
	Pincode string `json:"pincode"`
}

// ScoreResponse mirrors the POST /orders/score response format.
type ScoreResponse struct {
	OrderID        string  `json:"orderId"`
	Score          float64 `json:"score"`
	Level          string  `json:"level"`
	Recommendation string  `json:"recommendation"`
}

// Metrics tracks benchmark results. An order is counted as "flagged" when
// the gate recommends anything stricter than allow.
type Metrics struct {
	TruePositives  int64 // RTO flagged
	FalsePositives int64 // delivered flagged
	TrueNegatives  int64 // delivered allowed
	FalseNegatives int64 // RTO allowed (missed!)

	TotalProcessed int64
	TotalRTO       int64
	TotalDelivered int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled orders CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "codremit base URL")
	accountID := flag.String("account", "benchmark-test", "Account ID for requests")
	limit := flag.Int("limit", 10000, "Maximum orders to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	rtoOnly := flag.Bool("rto-only", false, "Only test RTO orders")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for delivered orders (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each order result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/orders.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("codremit risk gate benchmark")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Base URL:    %s\n", *baseURL)
	fmt.Printf("Account ID:  %s\n", *accountID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("RTO Only:    %v\n", *rtoOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: server not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure the server is running:")
		fmt.Println("  go run cmd/codremit/main.go")
		os.Exit(1)
	}
	fmt.Println("server is healthy")

	fmt.Printf("\nReading orders from %s...\n", *csvPath)
	orders, err := readOrdersCSV(*csvPath, *limit, *rtoOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("loaded %d orders\n", len(orders))

	rtoCount := 0
	for _, o := range orders {
		if o.IsRTO {
			rtoCount++
		}
	}
	fmt.Printf("  - RTO:       %d (%.2f%%)\n", rtoCount, 100*float64(rtoCount)/float64(len(orders)))
	fmt.Printf("  - Delivered: %d (%.2f%%)\n", len(orders)-rtoCount, 100*float64(len(orders)-rtoCount)/float64(len(orders)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(orders, *baseURL, *accountID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readOrdersCSV(path string, limit int, rtoOnly bool, sampleRate float64) ([]LabeledOrder, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"order_id", "phone", "order_value", "outcome"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var orders []LabeledOrder
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // skip malformed rows
		}

		isRTO := strings.EqualFold(record[colIndex["outcome"]], "rto")

		if rtoOnly && !isRTO {
			continue
		}
		if !isRTO && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		rupees, _ := strconv.ParseFloat(record[colIndex["order_value"]], 64)
		o := LabeledOrder{
			OrderID:    record[colIndex["order_id"]],
			Phone:      record[colIndex["phone"]],
			OrderValue: int64(rupees * 100),
			IsRTO:      isRTO,
		}
		if i, ok := colIndex["pincode"]; ok {
			o.Pincode = record[i]
		}

		orders = append(orders, o)

		if limit > 0 && len(orders) >= limit {
			break
		}
	}

	return orders, nil
}

func runBenchmark(orders []LabeledOrder, baseURL, accountID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabeledOrder, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for o := range work {
				start := time.Now()
				result, err := scoreOrder(client, baseURL, accountID, o)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", o.OrderID, err)
					}
					continue
				}

				if o.IsRTO {
					atomic.AddInt64(&metrics.TotalRTO, 1)
				} else {
					atomic.AddInt64(&metrics.TotalDelivered, 1)
				}

				flagged := result.Recommendation != "allow"
				actual := o.IsRTO

				if flagged && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if flagged && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !flagged && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !flagged && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "ok  "
					if (flagged && !actual) || (!flagged && actual) {
						status = "miss"
					}
					fmt.Printf("%s %-16s | Value: %10.2f | RTO: %-5v | Gate: %-12s (%.1f)\n",
						status,
						o.OrderID,
						float64(o.OrderValue)/100,
						o.IsRTO,
						result.Recommendation,
						result.Score,
					)
				}
			}
		}()
	}

	for _, o := range orders {
		work <- o
	}
	close(work)

	wg.Wait()

	return metrics
}

func scoreOrder(client *http.Client, baseURL, accountID string, o LabeledOrder) (*ScoreResponse, error) {
	req := ScoreRequest{
		OrderID:    o.OrderID,
		Phone:      o.Phone,
		Address:    AddressInfo{Pincode: o.Pincode},
		OrderValue: o.OrderValue,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/orders/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Account-ID", accountID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total RTO:        %d\n", m.TotalRTO)
	fmt.Printf("   Total Delivered:  %d\n", m.TotalDelivered)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                      Predicted")
	fmt.Println("                  flagged     allowed")
	fmt.Printf("   Actual  RTO  %8d    %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("       Delivered %8d    %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged orders, how many actually RTO'd)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of RTOs, how many did we flag)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\nDETECTION ANALYSIS\n")
	if m.TotalRTO > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalRTO) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalRTO) * 100
		fmt.Printf("   RTO Flagged:       %d / %d (%.2f%%)\n", m.TruePositives, m.TotalRTO, detectionRate)
		fmt.Printf("   RTO Missed:        %d / %d (%.2f%%)\n", m.FalseNegatives, m.TotalRTO, missRate)
	}
	if m.TotalDelivered > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalDelivered) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalDelivered, falseAlarmRate)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f orders/sec\n", tps)
	}

	// Note: velocity and profile factors only kick in once the same identity
	// repeats, so single-pass replays understate recall. Run the file twice
	// for a history-aware second pass.
	fmt.Println()
}
