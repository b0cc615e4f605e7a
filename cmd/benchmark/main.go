// Benchmark tool for replaying labelled card transactions against Kestrel.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/fraudTest.csv -url http://localhost:8080
//
// This tool:
//  1. Reads card transactions with fraud labels
//  2. Derives hour, weekend, age and distance features
//  3. Sends each transaction to POST /predict
//  4. Treats REVIEW and BLOCK as flagged and reports precision, recall and F1
package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

// PredictResponse is the /predict response body.
type PredictResponse struct {
	FraudProbability float64 `json:"fraud_probability"`
	FraudPrediction  int     `json:"fraud_prediction"`
	Decision         string  `json:"decision"`
	Confidence       string  `json:"confidence"`
	TransactionID    string  `json:"transaction_id"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Non-fraud flagged
	TrueNegatives  int64 // Non-fraud allowed
	FalseNegatives int64 // Fraud allowed (missed fraud!)

	Allowed  int64
	Reviewed int64
	Blocked  int64

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

// record folds one outcome into the counters.
func (m *Metrics) record(decision string, actual bool) {
	switch decision {
	case "ALLOW":
		atomic.AddInt64(&m.Allowed, 1)
	case "REVIEW":
		atomic.AddInt64(&m.Reviewed, 1)
	case "BLOCK":
		atomic.AddInt64(&m.Blocked, 1)
	}

	if actual {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}

	predicted := decision == "REVIEW" || decision == "BLOCK"
	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

// Scores derives precision, recall, F1 and accuracy from the confusion matrix.
func (m *Metrics) Scores() (precision, recall, f1, accuracy float64) {
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return precision, recall, f1, accuracy
}

func main() {
	csvPath := flag.String("csv", "", "Path to the card transaction CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only test fraud transactions")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for non-fraud (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("=================================================================")
	fmt.Println("          KESTREL BENCHMARK - Card Fraud Replay")
	fmt.Println("=================================================================")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	client := resty.New().
		SetBaseURL(*baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	if err := checkHealth(client); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	fmt.Printf("\nReading transactions from %s...\n", *csvPath)
	transactions, skipped, err := readCSV(*csvPath, *limit, *fraudOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(transactions) == 0 {
		fmt.Println("ERROR: no usable rows in CSV")
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions (%d malformed rows skipped)\n", len(transactions), skipped)

	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(transactions)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(transactions)-fraudCount, 100*float64(len(transactions)-fraudCount)/float64(len(transactions)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(client, transactions, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(client *resty.Client) error {
	resp, err := client.R().Get("/health")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode())
	}
	return nil
}

func readCSV(path string, limit int, fraudOnly bool, sampleRate float64) ([]CardTransaction, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}

	var transactions []CardTransaction
	skipped := 0
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		tx, err := parseRow(record, col)
		if err != nil {
			skipped++
			continue
		}

		if fraudOnly && !tx.IsFraud {
			continue
		}

		// Sample non-fraud transactions
		if !tx.IsFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		transactions = append(transactions, tx)

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, skipped, nil
}

func runBenchmark(client *resty.Client, transactions []CardTransaction, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan CardTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for tx := range work {
				start := time.Now()
				result, err := predict(client, tx)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.Merchant, err)
					}
					continue
				}

				metrics.record(result.Decision, tx.IsFraud)

				if verbose {
					flagged := result.Decision != "ALLOW"
					status := "ok "
					if flagged != tx.IsFraud {
						status = "ERR"
					}
					fmt.Printf("%s %-28.28s | %-14s | $%10.2f | Fraud: %-5v | %-6s (%.4f)\n",
						status,
						tx.Merchant,
						tx.Category,
						tx.Amount,
						tx.IsFraud,
						result.Decision,
						result.FraudProbability,
					)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)

	wg.Wait()

	return metrics
}

func predict(client *resty.Client, tx CardTransaction) (*PredictResponse, error) {
	var result PredictResponse
	resp, err := client.R().
		SetBody(tx.toRequest()).
		SetResult(&result).
		Post("/predict")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n=================================================================")
	fmt.Println("                      BENCHMARK RESULTS")
	fmt.Println("=================================================================")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nDECISIONS\n")
	fmt.Printf("   ALLOW:   %d\n", m.Allowed)
	fmt.Printf("   REVIEW:  %d\n", m.Reviewed)
	fmt.Printf("   BLOCK:   %d\n", m.Blocked)

	fmt.Printf("\nCONFUSION MATRIX (flagged = REVIEW or BLOCK)\n")
	fmt.Println("                       Predicted")
	fmt.Println("                   Flagged    Allowed")
	fmt.Println("              +----------+----------+")
	fmt.Printf("   Actual  F  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              +----------+----------+")
	fmt.Printf("          NF  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              +----------+----------+")

	precision, recall, f1, accuracy := m.Scores()

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many were flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	if m.TotalFraud > 0 {
		fmt.Printf("\n   Fraud Flagged:     %d / %d (%.2f%%)\n", m.TruePositives, m.TotalFraud, float64(m.TruePositives)/float64(m.TotalFraud)*100)
		fmt.Printf("   Fraud Missed:      %d / %d (%.2f%%)\n", m.FalseNegatives, m.TotalFraud, float64(m.FalseNegatives)/float64(m.TotalFraud)*100)
	}
	if m.TotalNonFraud > 0 {
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNonFraud, float64(m.FalsePositives)/float64(m.TotalNonFraud)*100)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Println()
}
