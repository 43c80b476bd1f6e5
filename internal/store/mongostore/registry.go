package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/models"
)

// FindTask returns the id of the task with the given fingerprint.
func (d *DB) FindTask(ctx context.Context, fingerprint string) (string, error) {
	return findID(ctx, d.tasks, fingerprint)
}

// InsertTask stores a new task document.
func (d *DB) InsertTask(ctx context.Context, t *models.Task) (string, error) {
	res, err := d.tasks.InsertOne(ctx, fromTask(t))
	if err != nil {
		return "", apperr.Store("insert task", err)
	}
	return insertedID(res), nil
}

// GetTask loads a task by id.
func (d *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperr.ErrNotFound
	}
	var doc taskDoc
	err = d.tasks.FindOne(ctx, bson.D{{Key: "_id", Value: objID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Store("get task", err)
	}
	return doc.model(), nil
}

// FindSourceUnit returns the id of the unit with the given fingerprint.
func (d *DB) FindSourceUnit(ctx context.Context, fingerprint string) (string, error) {
	return findID(ctx, d.files, fingerprint)
}

// InsertSourceUnit stores a new source unit document.
func (d *DB) InsertSourceUnit(ctx context.Context, u *models.SourceUnit) (string, error) {
	res, err := d.files.InsertOne(ctx, fromUnit(u))
	if err != nil {
		return "", apperr.Store("insert unit", err)
	}
	return insertedID(res), nil
}

// GetSourceUnit loads a source unit with its history.
func (d *DB) GetSourceUnit(ctx context.Context, id string) (*models.SourceUnit, error) {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperr.ErrNotFound
	}
	var doc unitDoc
	err = d.files.FindOne(ctx, bson.D{{Key: "_id", Value: objID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Store("get unit", err)
	}
	return doc.model(), nil
}

// AppendHistory pushes one entry onto the unit's records array.
func (d *DB) AppendHistory(ctx context.Context, unitID string, e models.HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := d.files.UpdateOne(ctx, bson.D{{Key: "_id", Value: oid(unitID)}}, historyUpdate(e))
	if err != nil {
		return apperr.Store("append history", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("unit %s: %w", unitID, apperr.ErrNotFound)
	}
	return nil
}

func historyUpdate(e models.HistoryEntry) bson.D {
	return bson.D{
		{Key: "$set", Value: bson.D{{Key: "updated", Value: e.CreatedAt}}},
		{Key: "$push", Value: bson.D{{Key: "records", Value: fromHistory(e)}}},
	}
}
