// Package importer ingests historical incident exports into the store.
//
// An import run walks the entity list of a decoded export payload,
// enriches every structured entity with provenance metadata, and writes
// the results in bounded unordered bulk batches. Entities carrying a
// known identity are upserted so that importing the same export twice
// does not duplicate documents; everything else is inserted as-is.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/LisaMayr/WeatherAndDelay/internal/common/constants"
	"github.com/LisaMayr/WeatherAndDelay/internal/store"
)

// ErrInvalidPayload is returned when the payload carries no entity list.
var ErrInvalidPayload = errors.New("historical data payload missing entities list")

// Config holds the parameters of a single import run.
type Config struct {
	// SourceURL is recorded on every imported document.
	SourceURL string

	// ParseData decodes string data fields that contain JSON.
	ParseData bool

	// Upsert writes entities with a known identity as upserts instead of
	// plain inserts.
	Upsert bool

	// BatchSize bounds the number of operations per bulk write. Values
	// below one fall back to the default batch size.
	BatchSize int
}

// Summary reports the outcome of one import run, echoing the payload
// metadata alongside the aggregated write counts.
type Summary struct {
	SourceURL     string `json:"source_url"`
	Collection    string `json:"collection"`
	ExportDate    any    `json:"exportDate"`
	TableName     any    `json:"tableName"`
	TotalEntities any    `json:"totalEntities"`

	Processed int64 `json:"processed"`
	Skipped   int64 `json:"skipped"`
	Inserted  int64 `json:"inserted"`
	Upserted  int64 `json:"upserted"`
	Matched   int64 `json:"matched"`
	Modified  int64 `json:"modified"`
}

func (s *Summary) addCounts(res store.BulkResult) {
	s.Inserted += res.Inserted
	s.Upserted += res.Upserted
	s.Matched += res.Matched
	s.Modified += res.Modified
}

// Importer writes historical export payloads to a single collection.
type Importer struct {
	coll bulkWriter
	now  func() time.Time
}

type options struct {
	now func() time.Time
}

// Options represents an optional function to override Importer default values.
type Options func(*options)

// New returns an importer writing to the given collection.
func New(coll bulkWriter, args ...Options) *Importer {
	opts := options{
		now: time.Now,
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Importer{coll: coll, now: opts.now}
}

// Import ingests the decoded payload according to cfg.
//
// Structured entities are enriched and written in batches of at most
// cfg.BatchSize operations. On success the summary's processed and
// skipped counts sum to the length of the entity list and its write
// counts are the sums over all flushed batches. On a write failure the
// run stops and the returned summary carries the counts accumulated up
// to and including the failing batch, alongside the error.
func (i *Importer) Import(ctx context.Context, payload map[string]any, cfg Config) (Summary, error) {
	entities, ok := payload["entities"].([]any)
	if !ok {
		return Summary{}, ErrInvalidPayload
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = constants.DefaultImportBatchSize
	}

	summary := Summary{
		SourceURL:     cfg.SourceURL,
		Collection:    i.coll.Name(),
		ExportDate:    payload["exportDate"],
		TableName:     payload["tableName"],
		TotalEntities: payload["totalEntities"],
	}
	nameFilter := payload["nameFilter"]
	importedAt := i.now().UTC().Format(time.RFC3339Nano)

	runID := uuid.New().String()
	slog.Info("Historical import started", "run_id", runID, "collection", summary.Collection,
		"entities", len(entities), "batch_size", cfg.BatchSize, "upsert", cfg.Upsert)

	writer := newBatchWriter(i.coll, cfg.BatchSize)
	for _, entity := range entities {
		record, ok := entity.(map[string]any)
		if !ok {
			summary.Skipped++
			continue
		}

		doc := make(bson.M, len(record)+6)
		maps.Copy(doc, record)
		doc["imported_at"] = importedAt
		doc["source_url"] = cfg.SourceURL
		doc["exportDate"] = summary.ExportDate
		doc["tableName"] = summary.TableName
		doc["nameFilter"] = nameFilter
		doc["totalEntities"] = summary.TotalEntities

		if cfg.ParseData {
			parseData(doc)
		}

		var model mongo.WriteModel
		if filter := identity(doc); cfg.Upsert && filter != nil {
			model = mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(bson.M{"$set": doc}).SetUpsert(true)
		} else {
			model = mongo.NewInsertOneModel().SetDocument(doc)
		}
		summary.Processed++

		res, err := writer.Add(ctx, model)
		summary.addCounts(res)
		if err != nil {
			slog.Warn("Historical import aborted", "run_id", runID, "processed", summary.Processed, "err", err)
			return summary, err
		}
	}

	res, err := writer.Flush(ctx)
	summary.addCounts(res)
	if err != nil {
		slog.Warn("Historical import aborted", "run_id", runID, "processed", summary.Processed, "err", err)
		return summary, err
	}

	slog.Info("Historical import finished", "run_id", runID, "processed", summary.Processed,
		"skipped", summary.Skipped, "inserted", summary.Inserted, "upserted", summary.Upserted,
		"matched", summary.Matched, "modified", summary.Modified)
	return summary, nil
}

// identity returns the filter identifying doc for an upsert, or nil when
// the document carries no known identity fields.
//
// A PartitionKey and RowKey pair takes precedence over a name, which
// takes precedence over a dataHash. Absent and null fields identify
// nothing.
func identity(doc bson.M) bson.M {
	if pk, rk := doc["PartitionKey"], doc["RowKey"]; pk != nil && rk != nil {
		return bson.M{"PartitionKey": pk, "RowKey": rk}
	}
	if name := doc["name"]; name != nil {
		return bson.M{"name": name}
	}
	if hash := doc["dataHash"]; hash != nil {
		return bson.M{"dataHash": hash}
	}
	return nil
}

// parseData decodes a string data field in place. The raw string is kept
// when it is not valid JSON.
func parseData(doc bson.M) {
	raw, ok := doc["data"].(string)
	if !ok {
		return
	}

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return
	}
	doc["data"] = parsed
}
