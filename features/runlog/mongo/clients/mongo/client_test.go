package mongo

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/craftcard/craftcard/runtime/craft/event"
	"github.com/craftcard/craftcard/runtime/craft/runlog"
)

func TestClientAppendAssignsID(t *testing.T) {
	t.Parallel()

	oid := mustOID(t, "000000000000000000000001")
	coll := &fakeCollection{insertedID: oid}
	c := &client{coll: coll}

	e := &runlog.Entry{
		RunID:     "run-1",
		SessionID: "session-1",
		Event:     event.Event{Stage: "outline", Content: "1️⃣ generating outline"},
		Timestamp: time.Unix(1, 0).UTC(),
	}
	require.NoError(t, c.Append(context.Background(), e))
	assert.Equal(t, oid.Hex(), e.ID)
	require.Len(t, coll.inserted, 1)
	assert.Equal(t, "outline", coll.inserted[0].Stage)
	assert.JSONEq(t, `{"stage":"outline","content":"1️⃣ generating outline","timestamp":""}`, string(coll.inserted[0].Payload))
}

func TestClientAppendValidates(t *testing.T) {
	t.Parallel()

	c := &client{coll: &fakeCollection{}}
	err := c.Append(context.Background(), &runlog.Entry{Event: event.Event{Stage: "start"}, Timestamp: time.Now()})
	require.EqualError(t, err, "run id is required")
	err = c.Append(context.Background(), &runlog.Entry{RunID: "r", Event: event.Event{Stage: "start"}})
	require.EqualError(t, err, "timestamp is required")
}

func TestClientListNextCursor(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name       string
		eventCount int
		limit      int
		wantNext   string
	}
	cases := []testCase{
		{name: "fewer_than_limit", eventCount: 2, limit: 3, wantNext: ""},
		{name: "exactly_limit_no_more", eventCount: 3, limit: 3, wantNext: ""},
		{name: "more_than_limit_has_next", eventCount: 4, limit: 3, wantNext: "000000000000000000000003"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			runID := "run-1"
			coll := &fakeCollection{findDocs: fakeEntryDocuments(runID, tc.eventCount)}
			c := &client{coll: coll}

			page, err := c.List(context.Background(), runID, "", tc.limit)
			require.NoError(t, err)
			assert.Len(t, page.Entries, min(tc.eventCount, tc.limit))
			assert.Equal(t, tc.wantNext, page.NextCursor)
			assert.Equal(t, "draft", page.Entries[0].Event.Stage)

			if tc.wantNext == "" {
				return
			}

			next, err := c.List(context.Background(), runID, page.NextCursor, tc.limit)
			require.NoError(t, err)
			assert.Len(t, next.Entries, tc.eventCount-tc.limit)
			assert.Empty(t, next.NextCursor)
		})
	}
}

func TestClientListRejectsBadInput(t *testing.T) {
	t.Parallel()

	c := &client{coll: &fakeCollection{}}
	_, err := c.List(context.Background(), "", "", 1)
	require.Error(t, err)
	_, err = c.List(context.Background(), "run-1", "", 0)
	require.Error(t, err)
	_, err = c.List(context.Background(), "run-1", "zzz", 1)
	require.ErrorIs(t, err, runlog.ErrInvalidCursor)
}

func TestClientListPropagatesFindError(t *testing.T) {
	t.Parallel()

	c := &client{coll: &fakeCollection{findErr: errors.New("boom")}}
	_, err := c.List(context.Background(), "run-1", "", 1)
	require.EqualError(t, err, "boom")
}

func TestPingWithoutMongo(t *testing.T) {
	t.Parallel()

	c, err := newClientWithCollection(nil, &fakeCollection{}, 0)
	require.NoError(t, err)
	require.Equal(t, "runlog-mongo", c.Name())
	require.Error(t, c.Ping(context.Background()))
}

func fakeEntryDocuments(runID string, n int) []entryDocument {
	docs := make([]entryDocument, 0, n)
	for i := 1; i <= n; i++ {
		oid := bson.ObjectID{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, byte(i)}
		docs = append(docs, entryDocument{
			ID:        oid,
			RunID:     runID,
			SessionID: "session-1",
			Stage:     "draft",
			Payload:   []byte(`{"stage":"draft","content":"✍️ drafting","timestamp":""}`),
			Timestamp: time.Unix(int64(i), 0).UTC(),
		})
	}
	return docs
}

func mustOID(t *testing.T, hex string) bson.ObjectID {
	t.Helper()

	oid, err := bson.ObjectIDFromHex(hex)
	require.NoError(t, err)
	return oid
}

type fakeCollection struct {
	insertedID bson.ObjectID
	inserted   []entryDocument
	findDocs   []entryDocument
	findErr    error
}

func (c *fakeCollection) InsertOne(_ context.Context, doc any, _ ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	if d, ok := doc.(entryDocument); ok {
		c.inserted = append(c.inserted, d)
	}
	return &mongodriver.InsertOneResult{InsertedID: c.insertedID}, nil
}

func (c *fakeCollection) Find(_ context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	if c.findErr != nil {
		return nil, c.findErr
	}
	f, ok := filter.(bson.M)
	if !ok {
		return &fakeCursor{}, nil
	}

	runID, _ := f["run_id"].(string)
	var after bson.ObjectID
	if id, ok := f["_id"].(bson.M); ok {
		if gt, ok := id["$gt"].(bson.ObjectID); ok {
			after = gt
		}
	}

	filtered := make([]entryDocument, 0, len(c.findDocs))
	for _, doc := range c.findDocs {
		if doc.RunID != runID {
			continue
		}
		if !after.IsZero() && bytes.Compare(doc.ID[:], after[:]) <= 0 {
			continue
		}
		filtered = append(filtered, doc)
	}

	var fo options.FindOptions
	for _, o := range opts {
		for _, fn := range o.List() {
			if err := fn(&fo); err != nil {
				return nil, err
			}
		}
	}
	if fo.Limit != nil && int64(len(filtered)) > *fo.Limit {
		filtered = filtered[:*fo.Limit]
	}
	return &fakeCursor{docs: filtered}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{}
}

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "", nil
}

type fakeCursor struct {
	docs []entryDocument
	pos  int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	p, ok := val.(*entryDocument)
	if !ok || c.pos == 0 {
		return errors.New("no document")
	}
	*p = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Close(context.Context) error { return nil }
