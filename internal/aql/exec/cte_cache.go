// Package exec pulls a plan.Node tree as row iterators (spec.md §4.11):
// HashJoin/NestedLoopJoin strategies, correlated-subquery child
// contexts sharing the parent's CTE cache and variable bindings, and a
// CTECache that spills its largest materialized CTEs to disk once
// max_memory_bytes is exceeded.
package exec

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Row is one materialized result row. AQL rows are untyped JSON-ish
// values keyed by variable name, so map[string]any is exact enough for
// the executor without re-deriving the codec.Value tagged union here.
type Row map[string]any

// CTEStats mirrors the counters spec.md §4.11 requires CTECache expose.
type CTEStats struct {
	Total     int
	InMemory  int
	Spilled   int
	Bytes     int64
	SpillOps  int64
	DiskReads int64
}

type cteEntry struct {
	rows     []Row
	size     int64
	spilled  bool
	spillPath string
}

// CTECache holds one query's materialized CTE results, bounded by
// maxBytes. On overflow it evicts the largest entry to disk in the
// binary format `count:u64 (size:u64, bytes)…` spec.md §4.11 specifies.
type CTECache struct {
	mu        sync.Mutex
	maxBytes  int64
	spillDir  string
	entries   map[string]*cteEntry
	stats     CTEStats
}

// NewCTECache builds a cache bounded by maxBytes, spilling to spillDir.
func NewCTECache(maxBytes int64, spillDir string) *CTECache {
	return &CTECache{maxBytes: maxBytes, spillDir: spillDir, entries: map[string]*cteEntry{}}
}

// Put materializes rows under name, sizing by sampling the first 10
// rows and extrapolating avg_size*count + overhead, then evicts
// largest-first to disk until the cache is back under budget.
func (c *CTECache) Put(name string, rows []Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := estimateSize(rows)
	c.entries[name] = &cteEntry{rows: rows, size: size}
	c.stats.Total++
	c.stats.InMemory++
	c.stats.Bytes += size

	return c.evictUntilUnderBudget()
}

func estimateSize(rows []Row) int64 {
	sample := rows
	if len(sample) > 10 {
		sample = sample[:10]
	}
	if len(sample) == 0 {
		return 64 // overhead only
	}
	var total int64
	for _, r := range sample {
		b, _ := json.Marshal(r)
		total += int64(len(b))
	}
	avg := total / int64(len(sample))
	return avg*int64(len(rows)) + 64
}

func (c *CTECache) evictUntilUnderBudget() error {
	for c.stats.Bytes > c.maxBytes {
		var largestName string
		var largestSize int64 = -1
		for name, e := range c.entries {
			if e.spilled {
				continue
			}
			if e.size > largestSize {
				largestSize = e.size
				largestName = name
			}
		}
		if largestName == "" {
			return nil // nothing left in memory to evict
		}
		if err := c.spillToDisk(largestName); err != nil {
			return err
		}
	}
	return nil
}

func (c *CTECache) spillToDisk(name string) error {
	e := c.entries[name]
	if err := os.MkdirAll(c.spillDir, 0o755); err != nil {
		return fmt.Errorf("exec: create spill dir: %w", err)
	}
	path := filepath.Join(c.spillDir, fmt.Sprintf("cte-%s.bin", name))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exec: create spill file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(e.rows))); err != nil {
		return err
	}
	for _, row := range e.rows {
		b, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(b))); err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	e.spillPath = path
	e.spilled = true
	e.rows = nil
	c.stats.InMemory--
	c.stats.Bytes -= e.size
	c.stats.Spilled++
	c.stats.SpillOps++
	return nil
}

// Get reloads a spilled entry transparently, or returns the in-memory
// rows directly.
func (c *CTECache) Get(name string) ([]Row, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok {
		return nil, false, nil
	}
	if !e.spilled {
		return e.rows, true, nil
	}

	rows, err := readSpillFile(e.spillPath)
	if err != nil {
		return nil, false, err
	}
	c.stats.DiskReads++
	return rows, true, nil
}

func readSpillFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("exec: open spill file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	rows := make([]Row, 0, count)
	for i := uint64(0); i < count; i++ {
		var size uint64
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, err
		}
		buf := make([]byte, size)
		if _, err := readFull(r, buf); err != nil {
			return nil, err
		}
		var row Row
		if err := json.Unmarshal(buf, &row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Stats returns a snapshot of the cache's counters.
func (c *CTECache) Stats() CTEStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close removes every spill file this cache created (spec.md §4.11's
// "destructor cleans up spill files").
func (c *CTECache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, e := range c.entries {
		if e.spilled {
			if err := os.Remove(e.spillPath); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// sortRowsByKey stably orders rows by the formatted value of key. The
// join implementations in join.go do not call it; their output follows
// probe-side and build-side input order.
func sortRowsByKey(rows []Row, key string) {
	sort.SliceStable(rows, func(i, j int) bool {
		return fmt.Sprint(rows[i][key]) < fmt.Sprint(rows[j][key])
	})
}
