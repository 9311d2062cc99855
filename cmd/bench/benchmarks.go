package bench

import (
	"context"
	"encoding/csv"
	"fmt"
	"github.com/ValentinKolb/dTSO/cmd/util"
	"github.com/ValentinKolb/dTSO/lib/common"
	"github.com/ValentinKolb/dTSO/lib/tso"
	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

// benchResult is one benchmark run. Latency is measured per unit of work
// including retries, attempts counts every run of the unit of work.
type benchResult struct {
	name     string
	result   testing.BenchmarkResult
	latency  metrics.Timer
	attempts metrics.Meter
	failures metrics.Counter
}

func (r *benchResult) skipped() bool {
	return r.result.N == 0 || r.latency == nil
}

func (r *benchResult) attemptsPerOp() float64 {
	if r.latency.Count() == 0 {
		return 0
	}
	return float64(r.attempts.Count()) / float64(r.latency.Count())
}

func run(cmd *cobra.Command, _ []string) (err error) {
	objectStore, closeFn, err := util.OpenObjectStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, closeFn())
	}()
	config, _ := util.GetConfig()

	fmt.Println("Contention benchmark for the object store")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Print(config.String())
	fmt.Printf("\nThreads: %d, Objects: %d\n", benchNumThreads, benchObjects)
	fmt.Println()

	ids, err := prepareObjects(objectStore)
	if err != nil {
		return fmt.Errorf("failed to prepare objects: %w", err)
	}

	created := xsync.NewMapOf[tso.ObjectID, struct{}]()
	payload := make([]byte, benchPayloadSize)

	fmt.Println("staring tests...")
	results := make([]*benchResult, 0, 5)

	results = append(results, runBenchmark(objectStore, "create", func(int) (func(*tso.Transaction) error, int64) {
		return func(txn *tso.Transaction) error {
			id, err := txn.Create(payload, "")
			if err == nil {
				created.Store(id, struct{}{})
			}
			return err
		}, 0
	}))

	results = append(results, runBenchmark(objectStore, "peek", func(counter int) (func(*tso.Transaction) error, int64) {
		id := ids[counter%len(ids)]
		return func(txn *tso.Transaction) error {
			_, err := txn.Peek(id)
			return err
		}, 0
	}))

	results = append(results, runBenchmark(objectStore, "counter", func(counter int) (func(*tso.Transaction) error, int64) {
		id := ids[counter%len(ids)]
		return func(txn *tso.Transaction) error {
			return add(txn, id, 1)
		}, 1
	}))

	results = append(results, runBenchmark(objectStore, "transfer", func(int) (func(*tso.Transaction) error, int64) {
		return transfer(pickTwo(ids)), 0
	}))

	results = append(results, runBenchmark(objectStore, "mixed", func(counter int) (func(*tso.Transaction) error, int64) {
		id := ids[counter%len(ids)]
		switch counter % 4 {
		case 0:
			return func(txn *tso.Transaction) error {
				_, err := txn.Peek(id)
				return err
			}, 0
		case 1:
			return func(txn *tso.Transaction) error {
				return add(txn, id, 1)
			}, 1
		case 2:
			return transfer(pickTwo(ids)), 0
		default:
			// create and destroy in one transaction
			return func(txn *tso.Transaction) error {
				tmp, err := txn.Create(payload, "")
				if err != nil {
					return err
				}
				return txn.Destroy(tmp)
			}, 0
		}
	}))

	for _, r := range results {
		printResult(r)
	}

	// every committed increment must be visible, transfers keep the sum
	sum, err := sumObjects(objectStore, ids)
	if err != nil {
		return fmt.Errorf("failed to read objects: %w", err)
	}
	want := committedIncrements.Load()
	fmt.Printf("\nconsistency: sum of shared objects=%d, committed increments=%d, ok=%t\n", sum, want, sum == want)

	if err := cleanup(objectStore, ids, created); err != nil {
		log.Printf("cleanup failed: %v\n", err)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, config); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	if viper.GetBool("metrics") {
		fmt.Println()
		tso.WriteMetrics(os.Stdout)
	}

	return nil
}

// committedIncrements is the sum of all increments of committed transactions
var committedIncrements atomic.Int64

// runBenchmark runs units of work produced by unit in parallel, each as one
// transaction. unit also returns the increment the unit adds to the shared objects.
func runBenchmark(objectStore *tso.ObjectStore, name string, unit func(counter int) (func(*tso.Transaction) error, int64)) *benchResult {
	res := &benchResult{name: name}
	if shouldSkip(name) {
		return res
	}

	res.result = testing.Benchmark(func(b *testing.B) {
		// only the last (largest) round is reported
		latency := metrics.NewTimer()
		attempts := metrics.NewMeter()
		failures := metrics.NewCounter()
		var increments atomic.Int64

		b.SetParallelism(benchNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := rand.IntN(benchObjects)
			for pb.Next() {
				fn, delta := unit(counter)
				start := time.Now()
				err := tso.Run(context.Background(), objectStore.NewTransaction(), func(txn *tso.Transaction) error {
					attempts.Mark(1)
					return fn(txn)
				})
				latency.UpdateSince(start)
				if err != nil {
					failures.Inc(1)
					log.Printf("(%s) - transaction failed: %v\n", name, err)
				} else {
					increments.Add(delta)
				}
				counter++
			}
		})

		b.StopTimer()
		latency.Stop()
		attempts.Stop()
		committedIncrements.Add(increments.Load())
		res.latency, res.attempts, res.failures = latency, attempts, failures
	})
	return res
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range benchSkip {
		if test == skip {
			return true
		}
	}
	return false
}

func objectName(i int) string {
	return fmt.Sprintf("%s-%d", benchKeyPrefix, i)
}

// prepareObjects creates (or resets) the shared objects to 0 and returns their ids
func prepareObjects(objectStore *tso.ObjectStore) ([]tso.ObjectID, error) {
	ids := make([]tso.ObjectID, benchObjects)
	for i := range ids {
		name := objectName(i)
		err := tso.Run(context.Background(), objectStore.NewTransaction(), func(txn *tso.Transaction) error {
			id, err := txn.Lookup(name)
			if err != nil {
				return err
			}
			if id == tso.InvalidID {
				if id, err = txn.Create([]byte("0"), name); err != nil {
					return err
				}
				if id != tso.InvalidID {
					ids[i] = id
					return nil
				}
				if id, err = txn.Lookup(name); err != nil {
					return err
				}
			}
			if _, err := txn.Lock(id); err != nil {
				return err
			}
			ids[i] = id
			return txn.Write(id, []byte("0"))
		})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// add locks id and adds delta to its integer value
func add(txn *tso.Transaction, id tso.ObjectID, delta int64) error {
	value, err := txn.Lock(id)
	if err != nil {
		return err
	}
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "object %d", id)
	}
	return txn.Write(id, []byte(strconv.FormatInt(n+delta, 10)))
}

// transfer moves one unit from one object to another, locking them in the given order
func transfer(from, to tso.ObjectID) func(*tso.Transaction) error {
	return func(txn *tso.Transaction) error {
		if err := add(txn, from, -1); err != nil {
			return err
		}
		return add(txn, to, 1)
	}
}

// pickTwo returns two distinct random ids
func pickTwo(ids []tso.ObjectID) (tso.ObjectID, tso.ObjectID) {
	i := rand.IntN(len(ids))
	j := (i + 1 + rand.IntN(len(ids)-1)) % len(ids)
	return ids[i], ids[j]
}

// sumObjects reads all shared objects in one transaction
func sumObjects(objectStore *tso.ObjectStore, ids []tso.ObjectID) (int64, error) {
	var sum int64
	err := tso.Run(context.Background(), objectStore.NewTransaction(), func(txn *tso.Transaction) error {
		sum = 0
		for _, id := range ids {
			value, err := txn.Lock(id)
			if err != nil {
				return err
			}
			n, err := strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return errors.Wrapf(err, "object %d", id)
			}
			sum += n
		}
		return nil
	})
	return sum, err
}

// cleanup destroys the shared objects and everything the create test made
func cleanup(objectStore *tso.ObjectStore, ids []tso.ObjectID, created *xsync.MapOf[tso.ObjectID, struct{}]) error {
	return tso.Run(context.Background(), objectStore.NewTransaction(), func(txn *tso.Transaction) error {
		for _, id := range ids {
			if err := txn.Destroy(id); err != nil {
				return err
			}
		}
		var err error
		created.Range(func(id tso.ObjectID, _ struct{}) bool {
			err = txn.Destroy(id)
			return err == nil
		})
		return err
	})
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(r *benchResult) {
	if r.skipped() {
		fmt.Printf("%-12sskipped\n", r.name)
		return
	}

	nsPerOp := math.Max(float64(r.result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-12s%.0fns/op (%s/op)\t%.0f ops/sec\t%.2f attempts/op\tp99=%s\tfailed=%d\n",
		r.name, nsPerOp, time.Duration(nsPerOp), opsPerSec, r.attemptsPerOp(),
		time.Duration(r.latency.Percentile(0.99)), r.failures.Count())
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []*benchResult, config common.Config) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "AttemptsPerOp", "P99", "Failed", "Skipped",
		"Backend", "LockBackend", "TimeoutMs", "Threads", "Objects", "PayloadSize",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, r := range results {
		row := []string{r.name, "0", "0s", "0", "0", "0s", "0", "true"}
		if !r.skipped() {
			nsPerOp := math.Max(float64(r.result.NsPerOp()), 1)
			row = []string{
				r.name,
				fmt.Sprintf("%.0f", nsPerOp),
				time.Duration(nsPerOp).String(),
				fmt.Sprintf("%.0f", 1.0/(nsPerOp/1e9)),
				fmt.Sprintf("%.2f", r.attemptsPerOp()),
				time.Duration(r.latency.Percentile(0.99)).String(),
				strconv.FormatInt(r.failures.Count(), 10),
				"false",
			}
		}
		row = append(row,
			string(config.Backend),
			string(config.LockBackend),
			strconv.FormatInt(config.TimeoutMillis, 10),
			strconv.Itoa(benchNumThreads),
			strconv.Itoa(benchObjects),
			strconv.Itoa(benchPayloadSize),
		)

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", r.name, err)
		}
	}

	return nil
}
