package reconcile

import (
	"slices"

	"github.com/starford/sift/internal/models"
	"github.com/starford/sift/internal/store"
)

// ResolveKeys picks the reconciliation key fields for a batch: explicit keys
// first, then the extractor's preferred keys, then every field of the
// batch's first record.
func ResolveKeys(explicit, preferred []string, first models.Record) []string {
	if len(explicit) > 0 {
		return explicit
	}
	if len(preferred) > 0 {
		return preferred
	}
	keys := first.Fields()
	slices.Sort(keys)
	return keys
}

// Split divides rec into its key sub-map (fields present among keys) and
// the remaining payload. Record tags are merged into the payload.
func Split(rec models.Record, keys []string, tags map[string]any) (models.Record, map[string]any) {
	key := make(models.Record, len(keys))
	payload := make(map[string]any, len(rec)+len(tags))
	for k, v := range rec {
		if slices.Contains(keys, k) {
			key[k] = v
			continue
		}
		payload[k] = v
	}
	for k, v := range tags {
		payload[k] = v
	}
	return key, payload
}

func buildOps(records []models.Record, keys []string, tags map[string]any) []store.Upsert {
	ops := make([]store.Upsert, len(records))
	for i, rec := range records {
		key, payload := Split(rec, keys, tags)
		ops[i] = store.Upsert{Key: key, Payload: payload}
	}
	return ops
}

// appendDocs returns records as stored in append-only mode: record tags and
// the owning unit id merged in.
func appendDocs(records []models.Record, o models.Owner, tags map[string]any) []models.Record {
	docs := make([]models.Record, len(records))
	for i, rec := range records {
		doc := rec.Clone()
		for k, v := range tags {
			doc[k] = v
		}
		doc["_fid"] = o.UnitID
		docs[i] = doc
	}
	return docs
}
