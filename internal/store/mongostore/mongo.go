// Package mongostore implements the store boundary on MongoDB. Records keep
// their key fields at the top level next to a version counter and an
// array of provenance entries.
package mongostore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/store"
)

// DefaultDatabase is used when neither the config nor the URI names one.
const DefaultDatabase = "db1"

// Config holds connection settings.
type Config struct {
	URI             string
	Database        string
	TasksCollection string
	FilesCollection string
	TLSCAFile       string
	Timeout         time.Duration
}

// DB is a store.Backend backed by a MongoDB database.
type DB struct {
	client *mongo.Client
	db     *mongo.Database
	tasks  *mongo.Collection
	files  *mongo.Collection
}

var _ store.Backend = (*DB)(nil)

// Open connects to the server and selects the database.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.Timeout > 0 {
		opts.SetServerSelectionTimeout(cfg.Timeout)
		opts.SetConnectTimeout(cfg.Timeout)
	}
	if cfg.TLSCAFile != "" {
		pem, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, apperr.Config(cfg.TLSCAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, apperr.Config(cfg.TLSCAFile, errors.New("no certificates found"))
		}
		opts.SetTLSConfig(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
	}

	name, err := databaseName(cfg)
	if err != nil {
		return nil, apperr.Store("connect", err)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, apperr.Store("connect", err)
	}

	db := client.Database(name)
	tasks, files := cfg.TasksCollection, cfg.FilesCollection
	if tasks == "" {
		tasks = "_tasks"
	}
	if files == "" {
		files = "_files"
	}
	return &DB{
		client: client,
		db:     db,
		tasks:  db.Collection(tasks),
		files:  db.Collection(files),
	}, nil
}

func databaseName(cfg Config) (string, error) {
	if cfg.Database != "" {
		return cfg.Database, nil
	}
	cs, err := connstring.ParseAndValidate(cfg.URI)
	if err != nil {
		return "", err
	}
	if cs.Database != "" {
		return cs.Database, nil
	}
	return DefaultDatabase, nil
}

// Close disconnects the client.
func (d *DB) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// Describe reports the server version and the selected database.
func (d *DB) Describe(ctx context.Context) string {
	var info struct {
		Version string  `bson:"version"`
		OK      float64 `bson:"ok"`
		Build   struct {
			Distmod  string `bson:"distmod"`
			Distarch string `bson:"distarch"`
		} `bson:"buildEnvironment"`
	}
	if err := d.db.RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info); err != nil {
		return fmt.Sprintf("MongoDB server: unavailable (%v) / dbname: '%s'", err, d.db.Name())
	}
	return fmt.Sprintf("MongoDB server: version: %s; dist: '%s/%s'; ok: %v / dbname: '%s'",
		info.Version, info.Build.Distmod, info.Build.Distarch, info.OK, d.db.Name())
}

// Collection returns a handle on a named record collection.
func (d *DB) Collection(name string) store.Collection {
	return &collection{coll: d.db.Collection(name)}
}

// oid converts a hex id into an ObjectID, leaving other ids unchanged.
func oid(id string) any {
	if o, err := primitive.ObjectIDFromHex(id); err == nil {
		return o
	}
	return id
}

// idString is the inverse of oid.
func idString(v any) string {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case string:
		return t
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func findID(ctx context.Context, c *mongo.Collection, fingerprint string) (string, error) {
	var doc struct {
		ID any `bson:"_id"`
	}
	err := c.FindOne(ctx,
		bson.D{{Key: "fingerprint", Value: fingerprint}},
		options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", apperr.ErrNotFound
	}
	if err != nil {
		return "", apperr.Store("find "+c.Name(), err)
	}
	return idString(doc.ID), nil
}

func insertedID(res *mongo.InsertOneResult) string {
	return idString(res.InsertedID)
}
