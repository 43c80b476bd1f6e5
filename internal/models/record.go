package models

import "time"

// Record is one logical row emitted by an extractor: field name to value.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Fields returns the field names of r in no particular order.
func (r Record) Fields() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	return out
}

// Batch is one finite, ordered group of records produced by an extractor.
// Extra fields are merged into every record and win over record fields.
type Batch struct {
	Records []Record
	Extra   map[string]any
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Records) }

// Merged returns the records with Extra applied.
func (b Batch) Merged() []Record {
	if len(b.Extra) == 0 {
		return b.Records
	}
	out := make([]Record, len(b.Records))
	for i, r := range b.Records {
		m := r.Clone()
		for k, v := range b.Extra {
			m[k] = v
		}
		out[i] = m
	}
	return out
}

// ProvenanceEntry is one snapshot of a record's payload as seen during one
// (Task, SourceUnit) scan.
type ProvenanceEntry struct {
	TaskID  string         `json:"_tid"`
	UnitID  string         `json:"_fid"`
	Payload map[string]any `json:"payload,omitempty"`
	Scanned time.Time      `json:"scanned"`
	Removed bool           `json:"removed,omitempty"`
}

// Owner returns the (Task, SourceUnit) pair owning the entry.
func (e ProvenanceEntry) Owner() Owner {
	return Owner{TaskID: e.TaskID, UnitID: e.UnitID}
}

// StoredRecord is a record as persisted in reconciling mode.
type StoredRecord struct {
	Key        Record            `json:"key"`
	Version    int64             `json:"_v"`
	CreatedAt  time.Time         `json:"created"`
	UpdatedAt  time.Time         `json:"updated"`
	Provenance []ProvenanceEntry `json:"_prov"`
}

// EntriesFor returns the provenance entries owned by o, in append order.
func (s *StoredRecord) EntriesFor(o Owner) []ProvenanceEntry {
	var out []ProvenanceEntry
	for _, e := range s.Provenance {
		if e.Owner() == o {
			out = append(out, e)
		}
	}
	return out
}

// RemovedFor reports whether the latest entry owned by o carries the
// removed marker. Superseded entries keep their marker.
func (s *StoredRecord) RemovedFor(o Owner) bool {
	entries := s.EntriesFor(o)
	if len(entries) == 0 {
		return false
	}
	return entries[len(entries)-1].Removed
}

// LiveFor returns the number of entries owned by o without the removed marker.
func (s *StoredRecord) LiveFor(o Owner) int {
	n := 0
	for _, e := range s.EntriesFor(o) {
		if !e.Removed {
			n++
		}
	}
	return n
}
