// Package store implements the Offline Store: a durable, size-bounded
// queue keyed by priority, with memory and disk budgets, fill-notification
// thresholds, and priority-ordered reservation for transmission. It is
// grounded on the resource manager's LRU-plus-spill design (an in-memory
// index backed by an append-only durability log rather than per-item
// spill files, since every row here must survive an ungraceful
// termination, not merely memory pressure).
package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"beacon/engine/models"
)

// Config controls store budgets and durability.
type Config struct {
	DiskSizeLimitBytes       int64
	DiskFullNotifyPercent    float64 // 0-100
	MemorySizeLimitBytes     int64
	MemoryFullNotifyPercent  float64 // 0-100
	CheckpointPath           string  // append-only durability log; "" disables persistence
	MaxRetryCount            int
}

// Stats is a point-in-time snapshot of store occupancy.
type Stats struct {
	ItemCount      int
	TotalBytes     int64
	ReservedCount  int
	DroppedMaxRetries uint64
	EvictedForSpace   uint64
}

// PressureSignal is delivered on MemoryPressure() when the memory budget
// crosses its full-notification threshold, telling the transmitter to
// flush early rather than wait for the next tick.
type PressureSignal struct {
	Reason string
	At     time.Time
}

// Store is the offline store. Internally it is a re-entrant-safe structure
// guarded by a single mutex: a re-entrant mutex is not available in the
// standard library, so trim is always called with the lock already held
// (never acquired independently) to get the same effect as the spec's
// re-entrant-mutex-permits-trim-during-put requirement.
type Store struct {
	mu sync.Mutex

	cfg Config

	byID       map[string]*models.PersistedItem
	byPriority [5][]*models.PersistedItem // index by Priority; ordered by insertion order
	totalBytes int64
	seq        uint64

	pressureCh chan PressureSignal

	droppedMaxRetries uint64
	evictedForSpace   uint64

	logFile *os.File
	logW    *bufio.Writer
}

type logEntry struct {
	Op   string `json:"op"` // "put" or "delete"
	Item *models.PersistedItem `json:"item,omitempty"`
	ID   string `json:"id,omitempty"`
}

// New constructs a Store, replaying its durability log if CheckpointPath is
// configured and a prior log exists.
func New(cfg Config) (*Store, error) {
	s := &Store{cfg: cfg, byID: make(map[string]*models.PersistedItem), pressureCh: make(chan PressureSignal, 8)}
	if cfg.CheckpointPath != "" {
		if err := s.openLog(); err != nil {
			return nil, fmt.Errorf("store: open durability log: %w", err)
		}
		if err := s.replay(); err != nil {
			return nil, fmt.Errorf("store: replay durability log: %w", err)
		}
	}
	return s, nil
}

func (s *Store) openLog() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.CheckpointPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.cfg.CheckpointPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.logFile = f
	s.logW = bufio.NewWriter(f)
	return nil
}

func (s *Store) replay() error {
	data, err := os.ReadFile(s.cfg.CheckpointPath)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var e logEntry
		if err := dec.Decode(&e); err != nil {
			break
		}
		switch e.Op {
		case "put":
			if e.Item == nil {
				continue
			}
			item := *e.Item
			item.ReservedBy = "" // a crash between reserve and release leaves the item eligible again
			s.byID[item.ID] = &item
			s.byPriority[item.Priority] = append(s.byPriority[item.Priority], &item)
			s.totalBytes += int64(len(item.Bytes))
			if item.InsertionSeq >= s.seq {
				s.seq = item.InsertionSeq + 1
			}
		case "delete":
			if it, ok := s.byID[e.ID]; ok {
				delete(s.byID, e.ID)
				s.totalBytes -= int64(len(it.Bytes))
				s.removeFromPriorityList(it)
			}
		}
	}
	return nil
}

func (s *Store) appendLog(e logEntry) {
	if s.logW == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = s.logW.Write(b)
	_, _ = s.logW.WriteString("\n")
	_ = s.logW.Flush()
}

// Close flushes and closes the durability log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logW != nil {
		_ = s.logW.Flush()
	}
	if s.logFile != nil {
		return s.logFile.Close()
	}
	return nil
}

// MemoryPressure delivers early-flush signals to the transmitter.
func (s *Store) MemoryPressure() <-chan PressureSignal { return s.pressureCh }

func (s *Store) notifyPressure(reason string) {
	select {
	case s.pressureCh <- PressureSignal{Reason: reason, At: time.Now()}:
	default:
	}
}

// Put inserts a record, returning its id. It rejects new puts of Normal or
// lower priority once disk usage crosses its full-notification threshold,
// per the disk-pressure policy; it evicts lower-priority items to make
// room for High/Immediate items hitting the disk budget outright. Total
// bytes never exceed the configured disk budget after Put returns: trim
// runs synchronously before returning.
func (s *Store) Put(bytes []byte, priority models.Priority, tenant string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.DiskSizeLimitBytes > 0 {
		notifyAt := thresholdBytes(s.cfg.DiskSizeLimitBytes, s.cfg.DiskFullNotifyPercent)
		if s.totalBytes >= notifyAt && priority <= models.PriorityNormal {
			return "", models.NewError(models.StoreFull, "disk budget pressure: low-priority put rejected", nil)
		}
	}

	item := &models.PersistedItem{
		ID:           models.NewItemID(),
		Priority:     priority,
		TenantToken:  tenant,
		Bytes:        bytes,
		InsertionSeq: s.seq,
	}
	s.seq++

	s.byID[item.ID] = item
	s.byPriority[priority] = append(s.byPriority[priority], item)
	s.totalBytes += int64(len(bytes))
	s.appendLog(logEntry{Op: "put", Item: item})

	if s.cfg.DiskSizeLimitBytes > 0 && s.totalBytes > s.cfg.DiskSizeLimitBytes {
		s.trimLocked("disk_budget_exceeded")
	}
	if s.cfg.MemorySizeLimitBytes > 0 {
		notifyAt := thresholdBytes(s.cfg.MemorySizeLimitBytes, s.cfg.MemoryFullNotifyPercent)
		if s.totalBytes >= notifyAt {
			s.notifyPressure("memory_budget_threshold")
		}
	}

	return item.ID, nil
}

func thresholdBytes(limit int64, pct float64) int64 {
	if pct <= 0 {
		return limit
	}
	return int64(float64(limit) * pct / 100.0)
}

// Reserve selects up to maxCount unreserved items (maxCount<=0 means
// unbounded) whose combined byte size does not exceed maxBytes, highest
// priority first and oldest-first within a priority, and marks them
// reserved. Reserved items are not returned by further Reserve calls until
// Release clears the reservation.
func (s *Store) Reserve(maxBytes int64, maxCount int) []models.PersistedItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.PersistedItem
	var used int64
	for p := models.PriorityImmediate; p >= models.PriorityBackground; p-- {
		for _, item := range s.byPriority[p] {
			if item.ReservedBy != "" {
				continue
			}
			if maxCount > 0 && len(out) >= maxCount {
				return out
			}
			sz := int64(len(item.Bytes))
			if maxBytes > 0 && used+sz > maxBytes {
				continue
			}
			item.ReservedBy = "transmitter"
			used += sz
			out = append(out, *item)
		}
	}
	return out
}

// Release resolves a reservation per the outcome: Accepted/RejectedPermanent
// delete the row; RejectedRetryable/NetworkFailure clear the reservation
// and bump retry-count. nextEligible is not recorded on the item and
// Reserve does not consult any per-item eligibility time; retry timing
// comes only from the transmitter's per-endpoint backoff. Exceeding maxRetryCount
// deletes the row and increments the drop counter; Aborted clears the
// reservation without incrementing retry-count; Deferred clears the
// reservation without incrementing retry-count (the record was never
// attempted, it just didn't fit the dispatch's size budget). Release
// returns the ids, if any, that were dropped for exceeding maxRetryCount so
// the caller can surface models.MaxRetriesExceeded.
func (s *Store) Release(ids []string, outcome models.ReleaseOutcome, nextEligible time.Time) (maxRetriesDropped []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		item, ok := s.byID[id]
		if !ok {
			continue
		}
		switch outcome {
		case models.Accepted, models.RejectedPermanent:
			s.deleteLocked(item)
		case models.RejectedRetryable, models.NetworkFailure:
			item.ReservedBy = ""
			item.RetryCount++
			if s.cfg.MaxRetryCount > 0 && item.RetryCount > s.cfg.MaxRetryCount {
				s.droppedMaxRetries++
				s.deleteLocked(item)
				maxRetriesDropped = append(maxRetriesDropped, id)
				continue
			}
			_ = nextEligible // scheduling is owned by the transmitter's per-endpoint backoff tracker
		case models.Aborted, models.Deferred:
			item.ReservedBy = ""
		case models.LocalFailure:
			item.ReservedBy = ""
			item.RetryCount++
		}
	}
	return maxRetriesDropped
}

func (s *Store) deleteLocked(item *models.PersistedItem) {
	delete(s.byID, item.ID)
	s.totalBytes -= int64(len(item.Bytes))
	s.removeFromPriorityList(item)
	s.appendLog(logEntry{Op: "delete", ID: item.ID})
}

func (s *Store) removeFromPriorityList(item *models.PersistedItem) {
	list := s.byPriority[item.Priority]
	for i, it := range list {
		if it.ID == item.ID {
			s.byPriority[item.Priority] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// DropOversize deletes every unreserved item whose byte size exceeds
// maxBytes and returns their ids; the Transmitter calls this once per
// dispatch cycle so a record too large to ever fit in a single payload
// does not sit in the store forever waiting for a Reserve that can never
// select it. Counted separately from ordinary drops.
func (s *Store) DropOversize(maxBytes int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, item := range s.byID {
		if item.ReservedBy == "" && int64(len(item.Bytes)) > maxBytes {
			ids = append(ids, item.ID)
		}
	}
	for _, id := range ids {
		if it, ok := s.byID[id]; ok {
			s.deleteLocked(it)
		}
	}
	return ids
}

// Trim evicts lowest-priority oldest items until the store is below its
// disk budget, incrementing the eviction counter for each item removed.
func (s *Store) Trim(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimLocked(reason)
}

func (s *Store) trimLocked(reason string) {
	if s.cfg.DiskSizeLimitBytes <= 0 {
		return
	}
	for p := models.PriorityBackground; p <= models.PriorityImmediate && s.totalBytes > s.cfg.DiskSizeLimitBytes; p++ {
		list := s.byPriority[p]
		for len(list) > 0 && s.totalBytes > s.cfg.DiskSizeLimitBytes {
			oldest := list[0]
			if oldest.ReservedBy != "" {
				// never evict an item currently in flight
				list = list[1:]
				continue
			}
			s.deleteLocked(oldest)
			s.evictedForSpace++
			list = s.byPriority[p]
		}
	}
}

// Stats returns a point-in-time occupancy snapshot.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	reserved := 0
	for _, item := range s.byID {
		if item.ReservedBy != "" {
			reserved++
		}
	}
	return Stats{
		ItemCount:         len(s.byID),
		TotalBytes:        s.totalBytes,
		ReservedCount:     reserved,
		DroppedMaxRetries: s.droppedMaxRetries,
		EvictedForSpace:   s.evictedForSpace,
	}
}

// Drain blocks until ctx is done or the store is empty; used by teardown
// to wait for the transmitter to flush remaining items within a deadline.
func (s *Store) Drain(ctx context.Context, poll time.Duration) bool {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		empty := len(s.byID) == 0
		s.mu.Unlock()
		if empty {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
