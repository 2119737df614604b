package audit

import "time"

// QueryFilter defines the read-only range query exposed to external
// callers. No external caller may mutate entries.
type QueryFilter struct {
	SessionID  string
	Action     string
	ActorID    string
	StartTime  *time.Time
	EndTime    *time.Time
	StartSeq   uint64
	EndSeq     uint64
	MaxResults int
}

func (f QueryFilter) matches(e *Entry) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.StartSeq > 0 && e.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && e.Sequence > f.EndSeq {
		return false
	}
	return true
}

// Query returns entries matching the filter, in sequence order.
func (l *Log) Query(filter QueryFilter) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]*Entry, 0)
	source := l.entries
	if filter.SessionID != "" {
		source = l.bySession[filter.SessionID]
	}
	for _, e := range source {
		if filter.matches(e) {
			results = append(results, e)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results
}

// Get retrieves an entry by sequence number.
func (l *Log) Get(seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || int(seq) > len(l.entries) {
		return nil, ErrEntryNotFound
	}
	return l.entries[seq-1], nil
}
