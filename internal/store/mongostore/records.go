package mongostore

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/models"
	"github.com/starford/sift/internal/store"
)

// Field names of a reconciled record document.
const (
	fieldProv    = "_prov"
	fieldVersion = "_v"
	fieldCreated = "created"
	fieldUpdated = "updated"
)

type collection struct {
	coll *mongo.Collection
}

var _ store.Collection = (*collection)(nil)

func (c *collection) Name() string { return c.coll.Name() }

func ownerMatch(o models.Owner, prefix string) bson.D {
	return bson.D{
		{Key: prefix + "_tid", Value: oid(o.TaskID)},
		{Key: prefix + "_fid", Value: oid(o.UnitID)},
	}
}

// keyFilter matches a record by its key fields, in sorted field order.
func keyFilter(key models.Record) bson.D {
	names := key.Fields()
	sort.Strings(names)
	f := make(bson.D, 0, len(names))
	for _, n := range names {
		f = append(f, bson.E{Key: n, Value: key[n]})
	}
	return f
}

func markFilter(o models.Owner) bson.D {
	return bson.D{{Key: fieldProv, Value: bson.D{{Key: "$elemMatch", Value: ownerMatch(o, "")}}}}
}

func markUpdate() bson.D {
	return bson.D{{Key: "$set", Value: bson.D{{Key: fieldProv + ".$[elem].removed", Value: true}}}}
}

func elemFilters(o models.Owner, extra ...bson.E) options.ArrayFilters {
	f := append(ownerMatch(o, "elem."), extra...)
	return options.ArrayFilters{Filters: []interface{}{f}}
}

// sweepElem selects the stale entries of o whose payload equals payload.
func sweepElem(prefix string, payload map[string]any) []bson.E {
	return []bson.E{
		{Key: prefix + "removed", Value: true},
		{Key: prefix + "payload", Value: payloadDoc(payload)},
	}
}

// payloadDoc converts payload into a document with sorted field names,
// recursively, so stored entries compare equal by value.
func payloadDoc(payload map[string]any) bson.D {
	names := make([]string, 0, len(payload))
	for k := range payload {
		names = append(names, k)
	}
	sort.Strings(names)
	d := make(bson.D, 0, len(names))
	for _, n := range names {
		d = append(d, bson.E{Key: n, Value: payloadValue(payload[n])})
	}
	return d
}

func payloadValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return payloadDoc(t)
	case models.Record:
		return payloadDoc(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = payloadValue(e)
		}
		return out
	}
	return v
}

func upsertUpdate(o models.Owner, payload map[string]any, scanned time.Time) bson.D {
	entry := append(ownerMatch(o, ""),
		bson.E{Key: "payload", Value: payloadDoc(payload)},
		bson.E{Key: "scanned", Value: scanned},
	)
	return bson.D{
		{Key: "$currentDate", Value: bson.D{{Key: fieldUpdated, Value: true}}},
		{Key: "$push", Value: bson.D{{Key: fieldProv, Value: entry}}},
		{Key: "$inc", Value: bson.D{{Key: fieldVersion, Value: 1}}},
		{Key: "$setOnInsert", Value: bson.D{{Key: fieldCreated, Value: scanned}}},
	}
}

func clearFilter(o models.Owner, key models.Record, payload map[string]any) bson.D {
	match := append(ownerMatch(o, ""), sweepElem("", payload)...)
	return append(keyFilter(key), bson.E{Key: fieldProv, Value: bson.D{{Key: "$elemMatch", Value: match}}})
}

func clearUpdate() bson.D {
	return bson.D{{Key: "$unset", Value: bson.D{{Key: fieldProv + ".$[elem].removed", Value: ""}}}}
}

func (c *collection) MarkRemoved(ctx context.Context, o models.Owner) (int64, error) {
	res, err := c.coll.UpdateMany(ctx, markFilter(o), markUpdate(),
		options.Update().SetArrayFilters(elemFilters(o)))
	if err != nil {
		return 0, apperr.Store("mark removed", err)
	}
	return res.ModifiedCount, nil
}

func (c *collection) BulkUpsert(ctx context.Context, o models.Owner, ops []store.Upsert, scanned time.Time) (store.BulkResult, error) {
	if len(ops) == 0 {
		return store.BulkResult{}, nil
	}
	writes := make([]mongo.WriteModel, len(ops))
	for i, op := range ops {
		writes[i] = mongo.NewUpdateOneModel().
			SetFilter(keyFilter(op.Key)).
			SetUpdate(upsertUpdate(o, op.Payload, scanned)).
			SetUpsert(true)
	}
	res, err := c.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return store.BulkResult{}, apperr.Store("bulk upsert", err)
	}
	return store.BulkResult{Matched: res.MatchedCount, Modified: res.ModifiedCount, Upserted: res.UpsertedCount}, nil
}

func (c *collection) ClearRemoved(ctx context.Context, o models.Owner, ops []store.Upsert) (store.BulkResult, error) {
	if len(ops) == 0 {
		return store.BulkResult{}, nil
	}
	writes := make([]mongo.WriteModel, len(ops))
	for i, op := range ops {
		writes[i] = mongo.NewUpdateOneModel().
			SetFilter(clearFilter(o, op.Key, op.Payload)).
			SetUpdate(clearUpdate()).
			SetArrayFilters(elemFilters(o, sweepElem("elem.", op.Payload)...))
	}
	res, err := c.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return store.BulkResult{}, apperr.Store("clear removed", err)
	}
	return store.BulkResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (c *collection) InsertMany(ctx context.Context, records []models.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	docs := make([]interface{}, len(records))
	for i, r := range records {
		docs[i] = bson.M(r)
	}
	res, err := c.coll.InsertMany(ctx, docs)
	if err != nil {
		return 0, apperr.Store("insert many", err)
	}
	return int64(len(res.InsertedIDs)), nil
}

type provDoc struct {
	TaskID  any       `bson:"_tid"`
	UnitID  any       `bson:"_fid"`
	Payload bson.M    `bson:"payload"`
	Scanned time.Time `bson:"scanned"`
	Removed bool      `bson:"removed,omitempty"`
}

type recordDoc struct {
	Version int64     `bson:"_v"`
	Created time.Time `bson:"created"`
	Updated time.Time `bson:"updated"`
	Prov    []provDoc `bson:"_prov"`
	Rest    bson.M    `bson:",inline"`
}

func (c *collection) Find(ctx context.Context, key models.Record) (*models.StoredRecord, error) {
	var doc recordDoc
	err := c.coll.FindOne(ctx, keyFilter(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Store("find record", err)
	}

	rec := &models.StoredRecord{
		Key:       make(models.Record, len(doc.Rest)),
		Version:   doc.Version,
		CreatedAt: doc.Created,
		UpdatedAt: doc.Updated,
	}
	for k, v := range doc.Rest {
		if k == "_id" {
			continue
		}
		rec.Key[k] = v
	}
	for _, p := range doc.Prov {
		rec.Provenance = append(rec.Provenance, models.ProvenanceEntry{
			TaskID:  idString(p.TaskID),
			UnitID:  idString(p.UnitID),
			Payload: p.Payload,
			Scanned: p.Scanned,
			Removed: p.Removed,
		})
	}
	return rec, nil
}

func (c *collection) EstimatedCount(ctx context.Context) (int64, error) {
	n, err := c.coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, apperr.Store("count", err)
	}
	return n, nil
}
