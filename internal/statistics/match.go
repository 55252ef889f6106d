package statistics

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

const dumpInterval = 5 * time.Second

// MatchRecordList counts rule matches by rule name.
type MatchRecordList struct {
	recordAddChan chan *MatchRecord
	records       map[string]*MatchRecord
	mu            sync.RWMutex

	dumpFile string
}

type MatchRecord struct {
	Rule     string    `json:"rule"`
	Count    int       `json:"count"`
	LastURL  string    `json:"lastUrl"`
	LastSeen time.Time `json:"lastSeen"`
}

// NewMatchRecordList returns an empty list. An empty dumpFile disables
// the periodic dump.
func NewMatchRecordList(dumpFile string) *MatchRecordList {
	return &MatchRecordList{
		recordAddChan: make(chan *MatchRecord, 100),
		records:       make(map[string]*MatchRecord, 100),
		dumpFile:      dumpFile,
	}
}

// Run drains queued records and dumps the list every few seconds until
// ctx is done.
func (l *MatchRecordList) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(dumpInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				l.Dump()
				return
			case record := <-l.recordAddChan:
				l.Add(record)
			case <-ticker.C:
				l.Dump()
			}
		}
	}()
}

// AddMatchRecord queues a record without blocking. The record is dropped
// when the queue is full.
func (l *MatchRecordList) AddMatchRecord(record *MatchRecord) {
	select {
	case l.recordAddChan <- record:
	default:
		slog.Debug("Match record dropped", slog.String("rule", record.Rule))
	}
}

func (l *MatchRecordList) Add(record *MatchRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := record.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	if r, exists := l.records[record.Rule]; exists {
		r.Count++
		r.LastURL = record.LastURL
		r.LastSeen = seen
	} else {
		l.records[record.Rule] = &MatchRecord{
			Rule:     record.Rule,
			Count:    1,
			LastURL:  record.LastURL,
			LastSeen: seen,
		}
	}
}

// Snapshot returns a copy of the records, most matched first.
func (l *MatchRecordList) Snapshot() []MatchRecord {
	l.mu.RLock()
	list := make([]MatchRecord, 0, len(l.records))
	for _, record := range l.records {
		list = append(list, *record)
	}
	l.mu.RUnlock()

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Count != list[j].Count {
			return list[i].Count > list[j].Count
		}
		return list[i].Rule < list[j].Rule
	})
	return list
}

func (l *MatchRecordList) Dump() {
	if l.dumpFile == "" {
		return
	}
	f, err := os.Create(l.dumpFile)
	if err != nil {
		slog.Error("os.Create", slog.Any("error", err))
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("os.File.Close", slog.Any("error", err))
		}
	}()

	w := bufio.NewWriter(f)
	defer func() {
		if err := w.Flush(); err != nil {
			slog.Error("bufio.Writer.Flush", slog.Any("error", err))
		}
	}()

	for _, record := range l.Snapshot() {
		_, err := fmt.Fprintf(w, "%s %d %s %s\n",
			record.Rule, record.Count, record.LastSeen.Format(time.DateTime), record.LastURL)
		if err != nil {
			slog.Error("Dump fmt.Fprintf", slog.Any("error", err))
		}
	}
}
