package importer_test

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/LisaMayr/WeatherAndDelay/internal/importer"
	"github.com/LisaMayr/WeatherAndDelay/internal/store"
)

// memCollection is an in-memory stand-in for a store collection that
// mimics the outcome counting of unordered MongoDB bulk writes.
type memCollection struct {
	docs    []bson.M
	batches [][]mongo.WriteModel

	failBatch int              // 1-based batch to fail, 0 never fails
	failWith  store.BulkResult // counts reported alongside the failure
}

func (c *memCollection) Name() string { return "historical" }

func (c *memCollection) BulkWrite(_ context.Context, models []mongo.WriteModel) (store.BulkResult, error) {
	c.batches = append(c.batches, models)
	if c.failBatch == len(c.batches) {
		return c.failWith, fmt.Errorf("%w: operations rejected", store.ErrBulkWrite)
	}

	var res store.BulkResult
	for _, model := range models {
		switch m := model.(type) {
		case *mongo.InsertOneModel:
			c.docs = append(c.docs, m.Document.(bson.M))
			res.Inserted++
		case *mongo.UpdateOneModel:
			set := m.Update.(bson.M)["$set"].(bson.M)
			idx := c.find(m.Filter.(bson.M))
			if idx < 0 {
				if m.Upsert != nil && *m.Upsert {
					c.docs = append(c.docs, set)
					res.Upserted++
				}
				continue
			}

			res.Matched++
			merged := make(bson.M, len(c.docs[idx]))
			maps.Copy(merged, c.docs[idx])
			maps.Copy(merged, set)
			if !reflect.DeepEqual(c.docs[idx], merged) {
				res.Modified++
			}
			c.docs[idx] = merged
		}
	}
	return res, nil
}

// find returns the index of the first document matching every filter
// field, mirroring how an update-one operation selects its target.
func (c *memCollection) find(filter bson.M) int {
	for i, doc := range c.docs {
		matches := true
		for k, v := range filter {
			if !reflect.DeepEqual(doc[k], v) {
				matches = false
				break
			}
		}
		if matches {
			return i
		}
	}
	return -1
}

func fixedClock() time.Time {
	return time.Date(2025, 8, 1, 3, 0, 0, 0, time.UTC)
}

func TestImport(t *testing.T) {
	t.Parallel()

	keyed := func(row string) map[string]any {
		return map[string]any{"PartitionKey": "incidents", "RowKey": row, "title": "Delay on " + row}
	}

	tests := map[string]struct {
		payload map[string]any
		cfg     importer.Config

		want        importer.Summary
		wantBatches int
		wantErr     bool
	}{
		"upserts keyed entities": {
			payload: map[string]any{
				"exportDate":    "2025-08-01T03:00:00Z",
				"tableName":     "WLIncidents",
				"totalEntities": 3,
				"entities":      []any{keyed("r1"), keyed("r2"), keyed("r3")},
			},
			cfg: importer.Config{SourceURL: "https://example.com/export.json", Upsert: true, BatchSize: 1000},
			want: importer.Summary{
				SourceURL:     "https://example.com/export.json",
				Collection:    "historical",
				ExportDate:    "2025-08-01T03:00:00Z",
				TableName:     "WLIncidents",
				TotalEntities: 3,
				Processed:     3,
				Upserted:      3,
			},
			wantBatches: 1,
		},
		"inserts when upsert is disabled": {
			payload: map[string]any{"entities": []any{keyed("r1"), keyed("r2")}},
			cfg:     importer.Config{Upsert: false, BatchSize: 1000},
			want:    importer.Summary{Collection: "historical", Processed: 2, Inserted: 2},

			wantBatches: 1,
		},
		"keyless entities fall back to inserts": {
			payload: map[string]any{"entities": []any{
				map[string]any{"title": "no identity"},
				map[string]any{"name": "keyed"},
			}},
			cfg:  importer.Config{Upsert: true, BatchSize: 1000},
			want: importer.Summary{Collection: "historical", Processed: 2, Inserted: 1, Upserted: 1},

			wantBatches: 1,
		},
		"skips unstructured entities": {
			payload: map[string]any{"entities": []any{keyed("r1"), "bogus", 12.5, nil, keyed("r2")}},
			cfg:     importer.Config{Upsert: true, BatchSize: 1000},
			want:    importer.Summary{Collection: "historical", Processed: 2, Skipped: 3, Upserted: 2},

			wantBatches: 1,
		},
		"empty entity list writes nothing": {
			payload: map[string]any{"entities": []any{}},
			cfg:     importer.Config{Upsert: true, BatchSize: 1000},
			want:    importer.Summary{Collection: "historical"},
		},

		// Error cases
		"missing entity list fails": {
			payload: map[string]any{"exportDate": "2025-08-01T03:00:00Z"},
			cfg:     importer.Config{Upsert: true, BatchSize: 1000},
			wantErr: true,
		},
		"null entity list fails": {
			payload: map[string]any{"entities": nil},
			cfg:     importer.Config{Upsert: true, BatchSize: 1000},
			wantErr: true,
		},
		"non-list entity list fails": {
			payload: map[string]any{"entities": "not a list"},
			cfg:     importer.Config{Upsert: true, BatchSize: 1000},
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			coll := &memCollection{}
			imp := importer.New(coll, importer.WithClock(fixedClock))

			got, err := imp.Import(t.Context(), tc.payload, tc.cfg)
			if tc.wantErr {
				require.Error(t, err, "expected import to fail")
				assert.ErrorIs(t, err, importer.ErrInvalidPayload, "unexpected error kind")
				assert.Empty(t, coll.batches, "expected no writes for an invalid payload")
				return
			}
			require.NoError(t, err, "expected import to succeed")

			assert.Equal(t, tc.want, got, "unexpected import summary")
			assert.Len(t, coll.batches, tc.wantBatches, "unexpected number of bulk writes")
			assert.Equal(t, int(tc.want.Processed+tc.want.Skipped), len(tc.payload["entities"].([]any)),
				"processed and skipped should cover the entity list")
		})
	}
}

func TestImportIsIdempotent(t *testing.T) {
	t.Parallel()

	payload := map[string]any{
		"exportDate":    "2025-08-01T03:00:00Z",
		"tableName":     "WLIncidents",
		"totalEntities": 3,
		"entities": []any{
			map[string]any{"PartitionKey": "incidents", "RowKey": "r1", "title": "Signal fault"},
			map[string]any{"PartitionKey": "incidents", "RowKey": "r2", "title": "Detour"},
			map[string]any{"name": "elevator-4121", "state": "out of service"},
		},
	}
	cfg := importer.Config{SourceURL: "https://example.com/export.json", ParseData: true, Upsert: true, BatchSize: 2}

	coll := &memCollection{}
	imp := importer.New(coll, importer.WithClock(fixedClock))

	first, err := imp.Import(t.Context(), payload, cfg)
	require.NoError(t, err, "Setup: first import failed")
	assert.Equal(t, int64(3), first.Processed, "first import should process every entity")
	assert.Equal(t, int64(3), first.Upserted, "first import should upsert every entity")
	assert.Zero(t, first.Inserted, "first import should not plain-insert keyed entities")

	second, err := imp.Import(t.Context(), payload, cfg)
	require.NoError(t, err, "second import failed")
	assert.Zero(t, second.Inserted, "second import should insert nothing")
	assert.Zero(t, second.Upserted, "second import should upsert nothing")
	assert.Equal(t, int64(3), second.Matched, "second import should match every document")
	assert.Zero(t, second.Modified, "identical timestamps should modify nothing")
	assert.Len(t, coll.docs, 3, "reimporting should not duplicate documents")

	// A later run rewrites the import timestamp on every document.
	later := func() time.Time { return fixedClock().Add(time.Hour) }
	lateImp := importer.New(coll, importer.WithClock(later))
	third, err := lateImp.Import(t.Context(), payload, cfg)
	require.NoError(t, err, "third import failed")
	assert.Equal(t, int64(3), third.Matched, "later import should match every document")
	assert.Equal(t, int64(3), third.Modified, "a new timestamp should touch every document")
	assert.Len(t, coll.docs, 3, "reimporting should not duplicate documents")
}

func TestImportEnrichesDocuments(t *testing.T) {
	t.Parallel()

	payload := map[string]any{
		"exportDate":    "2025-08-01T03:00:00Z",
		"tableName":     "WLIncidents",
		"totalEntities": 2,
		"entities": []any{
			map[string]any{
				"PartitionKey": "incidents",
				"RowKey":       "r1",
				"exportDate":   "entity-level value",
				"line":         "U4",
			},
			map[string]any{"title": "bare entity"},
		},
	}

	coll := &memCollection{}
	imp := importer.New(coll, importer.WithClock(fixedClock))

	_, err := imp.Import(t.Context(), payload, importer.Config{
		SourceURL: "https://example.com/export.json",
		Upsert:    true,
		BatchSize: 1000,
	})
	require.NoError(t, err, "Setup: import failed")
	require.Len(t, coll.docs, 2, "Setup: expected both entities to be written")

	doc := coll.docs[0]
	assert.Equal(t, "2025-08-01T03:00:00Z", doc["imported_at"], "unexpected import timestamp")
	assert.Equal(t, "https://example.com/export.json", doc["source_url"], "unexpected source URL")
	assert.Equal(t, "2025-08-01T03:00:00Z", doc["exportDate"], "payload metadata should override the entity field")
	assert.Equal(t, "WLIncidents", doc["tableName"], "unexpected table name")
	assert.Equal(t, 2, doc["totalEntities"], "unexpected total entities")
	assert.Equal(t, "U4", doc["line"], "entity fields should be preserved")

	// Metadata fields absent from the payload are still stamped, as nulls.
	bare := coll.docs[1]
	require.Contains(t, bare, "nameFilter", "expected nameFilter to be stamped")
	assert.Nil(t, bare["nameFilter"], "expected null nameFilter")
	assert.Equal(t, "bare entity", bare["title"], "entity fields should be preserved")
}

func TestImportParsesDataField(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		data  any
		omit  bool
		parse bool

		want     any
		wantOmit bool
	}{
		"JSON object string is decoded": {data: `{"lines": ["U1"]}`, parse: true, want: map[string]any{"lines": []any{"U1"}}},
		"JSON array string is decoded":  {data: `[1, 2]`, parse: true, want: []any{float64(1), float64(2)}},
		"JSON null string becomes null": {data: "null", parse: true, want: nil},
		"invalid JSON keeps the string": {data: "{not json", parse: true, want: "{not json"},
		"empty string is kept":          {data: "", parse: true, want: ""},
		"non-string data is untouched":  {data: float64(7), parse: true, want: float64(7)},
		"absent data stays absent":      {omit: true, parse: true, wantOmit: true},
		"parsing disabled keeps the string": {
			data:  `{"lines": ["U1"]}`,
			parse: false,
			want:  `{"lines": ["U1"]}`,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			entity := map[string]any{"title": "entity"}
			if !tc.omit {
				entity["data"] = tc.data
			}

			coll := &memCollection{}
			imp := importer.New(coll, importer.WithClock(fixedClock))

			_, err := imp.Import(t.Context(), map[string]any{"entities": []any{entity}}, importer.Config{
				ParseData: tc.parse,
				BatchSize: 1000,
			})
			require.NoError(t, err, "Setup: import failed")
			require.Len(t, coll.docs, 1, "Setup: expected one written document")

			if tc.wantOmit {
				assert.NotContains(t, coll.docs[0], "data", "expected no data field")
				return
			}
			assert.Equal(t, tc.want, coll.docs[0]["data"], "unexpected data field")
		})
	}
}

func TestImportIdentityPrecedence(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		entity map[string]any

		wantFilter bson.M // nil expects a plain insert
	}{
		"partition and row key win": {
			entity:     map[string]any{"PartitionKey": "p", "RowKey": "r", "name": "n", "dataHash": "h"},
			wantFilter: bson.M{"PartitionKey": "p", "RowKey": "r"},
		},
		"name beats data hash": {
			entity:     map[string]any{"name": "n", "dataHash": "h"},
			wantFilter: bson.M{"name": "n"},
		},
		"data hash is the last resort": {
			entity:     map[string]any{"dataHash": "h", "title": "x"},
			wantFilter: bson.M{"dataHash": "h"},
		},
		"partition key alone is no identity": {
			entity:     map[string]any{"PartitionKey": "p", "dataHash": "h"},
			wantFilter: bson.M{"dataHash": "h"},
		},
		"null keys do not identify": {
			entity:     map[string]any{"PartitionKey": nil, "RowKey": "r", "name": nil, "dataHash": "h"},
			wantFilter: bson.M{"dataHash": "h"},
		},
		"row key alone falls back to insert": {
			entity: map[string]any{"RowKey": "r"},
		},
		"no identity falls back to insert": {
			entity: map[string]any{"line": "U4"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			coll := &memCollection{}
			imp := importer.New(coll, importer.WithClock(fixedClock))

			_, err := imp.Import(t.Context(), map[string]any{"entities": []any{tc.entity}}, importer.Config{
				Upsert:    true,
				BatchSize: 1000,
			})
			require.NoError(t, err, "Setup: import failed")
			require.Len(t, coll.batches, 1, "Setup: expected one bulk write")
			require.Len(t, coll.batches[0], 1, "Setup: expected one write model")

			if tc.wantFilter == nil {
				assert.IsType(t, &mongo.InsertOneModel{}, coll.batches[0][0], "expected a plain insert")
				return
			}

			update, ok := coll.batches[0][0].(*mongo.UpdateOneModel)
			require.True(t, ok, "expected an upsert model, got %T", coll.batches[0][0])
			assert.Equal(t, tc.wantFilter, update.Filter, "unexpected identity filter")
			require.NotNil(t, update.Upsert, "expected upsert to be set")
			assert.True(t, *update.Upsert, "expected upsert to be enabled")
		})
	}
}

func TestImportKeepsDistinctPartitionRows(t *testing.T) {
	t.Parallel()

	// Two rows sharing a name must stay distinct documents: the partition
	// and row key pair identifies them before the name ever would.
	payload := map[string]any{"entities": []any{
		map[string]any{"PartitionKey": "p", "RowKey": "r1", "name": "shared"},
		map[string]any{"PartitionKey": "p", "RowKey": "r2", "name": "shared"},
	}}
	cfg := importer.Config{Upsert: true, BatchSize: 1000}

	coll := &memCollection{}
	imp := importer.New(coll, importer.WithClock(fixedClock))

	first, err := imp.Import(t.Context(), payload, cfg)
	require.NoError(t, err, "Setup: first import failed")
	assert.Equal(t, int64(2), first.Upserted, "expected both rows to be upserted")
	require.Len(t, coll.docs, 2, "expected two distinct documents")

	second, err := imp.Import(t.Context(), payload, cfg)
	require.NoError(t, err, "second import failed")
	assert.Equal(t, int64(2), second.Matched, "expected both rows to be matched")
	assert.Len(t, coll.docs, 2, "shared names must not collapse distinct rows")
}

func TestImportBatchSizeIndependence(t *testing.T) {
	t.Parallel()

	entities := make([]any, 0, 9)
	for i := range 7 {
		entities = append(entities, map[string]any{"PartitionKey": "p", "RowKey": fmt.Sprintf("r%d", i)})
	}
	entities = append(entities, "junk", 4.2)
	payload := map[string]any{"totalEntities": 7, "entities": entities}

	var reference importer.Summary
	for i, size := range []int{1, 2, 3, 7, 100} {
		coll := &memCollection{}
		imp := importer.New(coll, importer.WithClock(fixedClock))

		got, err := imp.Import(t.Context(), payload, importer.Config{Upsert: true, BatchSize: size})
		require.NoError(t, err, "import with batch size %d failed", size)
		assert.Len(t, coll.batches, (7+size-1)/size, "unexpected batch count for size %d", size)

		if i == 0 {
			reference = got
			continue
		}
		assert.Equal(t, reference, got, "summary for batch size %d should match batch size 1", size)
	}
}

func TestImportBulkFailureCarriesPartialCounts(t *testing.T) {
	t.Parallel()

	entities := []any{
		map[string]any{"n": float64(1)},
		map[string]any{"n": float64(2)},
		map[string]any{"n": float64(3)},
		map[string]any{"n": float64(4)},
		map[string]any{"n": float64(5)},
	}

	t.Run("mid-run batch failure", func(t *testing.T) {
		t.Parallel()

		coll := &memCollection{failBatch: 2, failWith: store.BulkResult{Inserted: 1}}
		imp := importer.New(coll, importer.WithClock(fixedClock))

		got, err := imp.Import(t.Context(), map[string]any{"entities": entities}, importer.Config{BatchSize: 2})
		require.Error(t, err, "expected the import to fail")
		assert.ErrorIs(t, err, store.ErrBulkWrite, "unexpected error kind")

		assert.Equal(t, int64(4), got.Processed, "expected processing to stop at the failing batch")
		assert.Equal(t, int64(3), got.Inserted, "expected counts from the first batch plus the partial failure")
		assert.Len(t, coll.batches, 2, "expected no writes after the failure")
	})

	t.Run("final flush failure", func(t *testing.T) {
		t.Parallel()

		coll := &memCollection{failBatch: 1, failWith: store.BulkResult{Inserted: 2}}
		imp := importer.New(coll, importer.WithClock(fixedClock))

		got, err := imp.Import(t.Context(), map[string]any{"entities": entities}, importer.Config{BatchSize: 100})
		require.Error(t, err, "expected the import to fail")
		assert.ErrorIs(t, err, store.ErrBulkWrite, "unexpected error kind")

		assert.Equal(t, int64(5), got.Processed, "expected every entity to be processed")
		assert.Equal(t, int64(2), got.Inserted, "expected the partial counts of the failing flush")
	})
}
