// Package mongo hosts the MongoDB client used by the session store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/craftcard/craftcard/runtime/craft/session"
)

const (
	defaultSessionsCollection = "craft_sessions"
	defaultTurnsCollection    = "craft_turns"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "session-mongo"
)

// Client exposes Mongo-backed operations for sessions and their turns.
type Client interface {
	health.Pinger

	CreateSession(ctx context.Context, s session.Session) (session.Session, error)
	LoadSession(ctx context.Context, sessionID string) (session.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]session.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error

	RecordTurn(ctx context.Context, t session.Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]session.Turn, error)
}

// Options configures the Mongo session client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	TurnsCollection    string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	turns    collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB. It creates the indexes it relies on.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessionsCollection := opts.SessionsCollection
	if sessionsCollection == "" {
		sessionsCollection = defaultSessionsCollection
	}
	turnsCollection := opts.TurnsCollection
	if turnsCollection == "" {
		turnsCollection = defaultTurnsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	sessWrapper := mongoCollection{coll: db.Collection(sessionsCollection)}
	turnWrapper := mongoCollection{coll: db.Collection(turnsCollection)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, sessWrapper, turnWrapper); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, sessWrapper, turnWrapper, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client not configured")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateSession(ctx context.Context, s session.Session) (session.Session, error) {
	if s.ID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": s.ID}
	// Pure $setOnInsert: an existing session is never modified.
	update := bson.M{
		"$setOnInsert": bson.M{
			"session_id": s.ID,
			"title":      s.Title,
			"kind":       string(s.Kind),
			"created_at": s.CreatedAt.UTC(),
		},
	}
	if _, err := c.sessions.UpdateOne(opCtx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return session.Session{}, err
	}
	return c.LoadSession(ctx, s.ID)
}

func (c *client) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

func (c *client) ListSessions(ctx context.Context, limit, offset int) ([]session.Session, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "session_id", Value: 1}})
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := c.sessions.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	out := []session.Session{}
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSession())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	res, err := c.sessions.DeleteOne(ctx, filter)
	if err != nil {
		return err
	}
	if res == nil || res.DeletedCount == 0 {
		return session.ErrNotFound
	}
	_, err = c.turns.DeleteMany(ctx, filter)
	return err
}

func (c *client) RecordTurn(ctx context.Context, t session.Turn) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, err := c.LoadSession(ctx, t.SessionID); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.turns.InsertOne(ctx, fromTurn(t))
	return err
}

func (c *client) ListTurns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	// _id breaks created_at ties: ObjectIDs generated by one process increase.
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := c.turns.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	out := []session.Turn{}
	for cur.Next(ctx) {
		var doc turnDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toTurn())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type sessionDocument struct {
	SessionID string    `bson:"session_id"`
	Title     string    `bson:"title"`
	Kind      string    `bson:"kind"`
	CreatedAt time.Time `bson:"created_at"`
}

type turnDocument struct {
	ID        bson.ObjectID `bson:"_id"`
	TurnID    string        `bson:"turn_id"`
	SessionID string        `bson:"session_id"`
	ParentID  string        `bson:"parent_id,omitempty"`
	Content   string        `bson:"content"`
	Kind      string        `bson:"kind"`
	CreatedAt time.Time     `bson:"created_at"`
}

func (doc sessionDocument) toSession() session.Session {
	return session.Session{
		ID:        doc.SessionID,
		Title:     doc.Title,
		Kind:      session.Kind(doc.Kind),
		CreatedAt: doc.CreatedAt.UTC(),
	}
}

func fromTurn(t session.Turn) turnDocument {
	return turnDocument{
		ID:        bson.NewObjectID(),
		TurnID:    t.ID,
		SessionID: t.SessionID,
		ParentID:  t.ParentID,
		Content:   t.Content,
		Kind:      string(t.Kind),
		CreatedAt: t.CreatedAt.UTC(),
	}
}

func (doc turnDocument) toTurn() session.Turn {
	return session.Turn{
		ID:        doc.TurnID,
		SessionID: doc.SessionID,
		ParentID:  doc.ParentID,
		Content:   doc.Content,
		Kind:      session.TurnKind(doc.Kind),
		CreatedAt: doc.CreatedAt.UTC(),
	}
}

func ensureIndexes(ctx context.Context, sessionsColl, turnsColl collection) error {
	indexes := []struct {
		coll  collection
		model mongodriver.IndexModel
	}{
		{sessionsColl, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{sessionsColl, mongodriver.IndexModel{
			Keys: bson.D{{Key: "created_at", Value: -1}},
		}},
		{turnsColl, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "turn_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{turnsColl, mongodriver.IndexModel{
			Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}},
		}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return err
		}
	}
	return nil
}

func newClientWithCollections(mongoClient *mongodriver.Client, sessionsColl, turnsColl collection, timeout time.Duration) (*client, error) {
	if sessionsColl == nil || turnsColl == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: sessionsColl,
		turns:    turnsColl,
		timeout:  timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any, opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return c.coll.Indexes()
}
