package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mkondo/graphflow/internal/model"
)

const (
	recordEnqueue = "enq"
	recordAck     = "ack"
	recordNack    = "nack"
)

// journalRecord is one framed line of a queue journal. Field spellings match
// the persisted format consumed by external tooling.
type journalRecord struct {
	Type    string `json:"type"`
	Item    *Item  `json:"item,omitempty"`
	ItemID  string `json:"itemId,omitempty"`
	LeaseID string `json:"leaseId,omitempty"`
	TS      string `json:"ts,omitempty"`
}

// journal is the append-only line-delimited record file backing one queue.
type journal struct {
	path string
	file *os.File
}

func openJournal(dir, queueName string) (*journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	path := filepath.Join(dir, queueName+".journal")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &journal{path: path, file: file}, nil
}

func (j *journal) appendEnqueue(item *Item) error {
	return j.append(journalRecord{Type: recordEnqueue, Item: item})
}

func (j *journal) appendAck(itemID, leaseID string) error {
	return j.append(journalRecord{
		Type:    recordAck,
		ItemID:  itemID,
		LeaseID: leaseID,
		TS:      time.Now().UTC().Format(time.RFC3339),
	})
}

func (j *journal) appendNack(itemID, leaseID string) error {
	return j.append(journalRecord{
		Type:    recordNack,
		ItemID:  itemID,
		LeaseID: leaseID,
		TS:      time.Now().UTC().Format(time.RFC3339),
	})
}

func (j *journal) append(rec journalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	data = append(data, '\n')

	if _, err := j.file.Write(data); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// replay reconstructs the active item list from the journal: enqueue records
// repopulate the list, then items acked later are removed. Items that were
// inflight-and-unacked at crash time come back as queued — they are
// re-leased on the next pull, matching their pre-crash state. Nack records
// are informational only. Malformed lines are skipped.
func (j *journal) replay() ([]*Item, model.QueueMetrics, error) {
	var metrics model.QueueMetrics

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, metrics, nil
		}
		return nil, metrics, fmt.Errorf("open journal for replay: %w", err)
	}
	defer file.Close()

	var items []*Item
	byID := make(map[string]*Item)
	acked := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}

		switch rec.Type {
		case recordEnqueue:
			if rec.Item == nil || rec.Item.ID == "" {
				continue
			}
			it := *rec.Item
			it.Status = StatusQueued
			it.LeaseID = ""
			it.LeasedAt = time.Time{}
			if _, dup := byID[it.ID]; dup {
				continue
			}
			byID[it.ID] = &it
			items = append(items, &it)
			metrics.Enqueued++
		case recordAck:
			acked[rec.ItemID] = true
			metrics.Acked++
		case recordNack:
			metrics.Nacked++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, metrics, fmt.Errorf("scan journal: %w", err)
	}

	var active []*Item
	for _, it := range items {
		if acked[it.ID] {
			continue
		}
		active = append(active, it)
	}
	return active, metrics, nil
}

func (j *journal) close() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
