package journal

import "sync"

// index tracks record metadata so pending records can be found without
// rescanning the file.
type index struct {
	mu         sync.RWMutex
	records    []recordMeta
	seqToIndex map[int64]int
}

func newIndex() *index {
	return &index{
		records:    make([]recordMeta, 0, 256),
		seqToIndex: make(map[int64]int, 256),
	}
}

func (idx *index) add(rec recordMeta) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.seqToIndex[rec.sequence] = len(idx.records)
	idx.records = append(idx.records, rec)
}

func retryable(status uint8) bool {
	return status == RecordPending || status == RecordFailed
}

// unsent returns pending and failed records in append order.
func (idx *index) unsent() []recordMeta {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []recordMeta
	for _, rec := range idx.records {
		if retryable(rec.status) {
			out = append(out, rec)
		}
	}
	return out
}

func (idx *index) setStatus(recs []recordMeta, status uint8) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, rec := range recs {
		if i, ok := idx.seqToIndex[rec.sequence]; ok {
			idx.records[i].status = status
		}
	}
}

func (idx *index) count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.records)
}

func (idx *index) countStatus(status uint8) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := 0
	for _, rec := range idx.records {
		if rec.status == status {
			n++
		}
	}
	return n
}

func (idx *index) countUnsent() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := 0
	for _, rec := range idx.records {
		if retryable(rec.status) {
			n++
		}
	}
	return n
}
