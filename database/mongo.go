package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"captcha-gatekeeper/apperrors"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// userDocument keeps the challenge inside the user so that every
// transition is a single-document update.
type userDocument struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	TelegramID int64              `bson:"telegram_id"`
	Name       string             `bson:"user_name"`
	Username   string             `bson:"username,omitempty"`
	Status     string             `bson:"status"`
	ChatID     *int64             `bson:"chat_id,omitempty"`
	CreatedAt  time.Time          `bson:"created_at"`
	UpdatedAt  time.Time          `bson:"updated_at"`
	Challenge  *challengeDocument `bson:"challenge,omitempty"`
}

type challengeDocument struct {
	ChatID    int64     `bson:"chat_id"`
	UserName  string    `bson:"user_name"`
	Question  string    `bson:"question"`
	Answer    string    `bson:"answer"`
	CreatedAt time.Time `bson:"created_at"`
}

func (d *userDocument) toUser() (*User, error) {
	st, err := ParseStatus(d.Status)
	if err != nil {
		return nil, err
	}
	return &User{
		ID:        d.TelegramID,
		Name:      d.Name,
		Username:  d.Username,
		Status:    st,
		ChatID:    d.ChatID,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

type MongoStore struct {
	Client   *mongo.Client
	Database *mongo.Database

	// Collections
	Users    *mongo.Collection
	Settings *mongo.Collection

	timeout time.Duration
	now     func() time.Time
}

// ConnectMongo connects, pings and ensures indexes.
func ConnectMongo(ctx context.Context, uri, dbName string, timeout time.Duration) (*MongoStore, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Checking the connection
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(dbName)
	s := &MongoStore{
		Client:   client,
		Database: db,
		Users:    db.Collection("users"),
		Settings: db.Collection("settings"),
		timeout:  timeout,
		now:      time.Now,
	}

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Info().Str("database", dbName).Msg("Connected to MongoDB")
	return s, nil
}

func (s *MongoStore) createIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.Users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "telegram_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create users indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect MongoDB: %w", err)
	}
	log.Info().Msg("Disconnected from MongoDB")
	return nil
}

func wrapMongo(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) ||
		mongo.IsDuplicateKeyError(err) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewStoreUnavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *MongoStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func byID(id int64) bson.M {
	return bson.M{"telegram_id": id}
}

func (s *MongoStore) UpsertUser(ctx context.Context, p UserParams) error {
	if p.Status == StatusPending {
		return ErrPendingRequiresChallenge
	}
	if !p.Status.Valid() {
		return apperrors.NewInvalidInput(fmt.Sprintf("invalid status %q", p.Status))
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.now().UTC()
	set := bson.M{
		"user_name":  p.Name,
		"status":     string(p.Status),
		"updated_at": now,
	}
	if p.Username != "" {
		set["username"] = p.Username
	}
	onInsert := bson.M{"created_at": now}
	if p.ChatID != nil {
		onInsert["chat_id"] = *p.ChatID
	}

	_, err := s.Users.UpdateOne(ctx, byID(p.ID), bson.M{
		"$set":         set,
		"$setOnInsert": onInsert,
		"$unset":       bson.M{"challenge": ""},
	}, options.Update().SetUpsert(true))
	return wrapMongo("upsert_user", err)
}

func (s *MongoStore) findUser(ctx context.Context, op string, filter bson.M) (*userDocument, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var doc userDocument
	err := s.Users.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapMongo(op, err)
	}
	return &doc, nil
}

func (s *MongoStore) GetUser(ctx context.Context, id int64) (*User, error) {
	doc, err := s.findUser(ctx, "get_user", byID(id))
	if err != nil || doc == nil {
		return nil, err
	}
	return doc.toUser()
}

func (s *MongoStore) hasStatus(ctx context.Context, op string, id int64, status Status) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := s.Users.CountDocuments(ctx, bson.M{"telegram_id": id, "status": string(status)})
	if err != nil {
		return false, wrapMongo(op, err)
	}
	return n > 0, nil
}

func (s *MongoStore) IsVerified(ctx context.Context, id int64) (bool, error) {
	return s.hasStatus(ctx, "is_verified", id, StatusVerified)
}

func (s *MongoStore) IsBlocked(ctx context.Context, id int64) (bool, error) {
	return s.hasStatus(ctx, "is_blocked", id, StatusBlocked)
}

func (s *MongoStore) GetPending(ctx context.Context, id int64) (*PendingChallenge, error) {
	doc, err := s.findUser(ctx, "get_pending", bson.M{
		"telegram_id": id,
		"status":      string(StatusPending),
		"challenge":   bson.M{"$exists": true},
	})
	if err != nil || doc == nil || doc.Challenge == nil {
		return nil, err
	}
	c := doc.Challenge
	return &PendingChallenge{
		UserID:    id,
		ChatID:    c.ChatID,
		UserName:  c.UserName,
		Question:  c.Question,
		Answer:    c.Answer,
		CreatedAt: c.CreatedAt,
	}, nil
}

func (s *MongoStore) AddPending(ctx context.Context, id, chatID int64, name, question, answer string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.now().UTC()
	_, err := s.Users.UpdateOne(ctx, byID(id), bson.M{
		"$set": bson.M{
			"user_name":  name,
			"status":     string(StatusPending),
			"updated_at": now,
			"challenge": challengeDocument{
				ChatID:    chatID,
				UserName:  name,
				Question:  question,
				Answer:    answer,
				CreatedAt: now,
			},
		},
		"$setOnInsert": bson.M{"created_at": now, "chat_id": chatID},
	}, options.Update().SetUpsert(true))
	return wrapMongo("add_pending", err)
}

func (s *MongoStore) ResolvePendingSuccess(ctx context.Context, id int64, name string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.Users.UpdateOne(ctx,
		bson.M{"telegram_id": id, "status": string(StatusPending)},
		bson.M{
			"$set": bson.M{
				"user_name":  name,
				"status":     string(StatusVerified),
				"updated_at": s.now().UTC(),
			},
			"$unset": bson.M{"challenge": ""},
		},
	)
	if err != nil {
		return wrapMongo("resolve_pending_success", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("resolve_pending_success: %w", ErrNotPending)
	}
	return nil
}

func (s *MongoStore) BlockKnownUser(ctx context.Context, id int64, username string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	set := bson.M{"status": string(StatusBlocked), "updated_at": s.now().UTC()}
	if username != "" {
		set["username"] = username
	}
	res, err := s.Users.UpdateOne(ctx,
		bson.M{"telegram_id": id, "status": bson.M{"$ne": string(StatusBlocked)}},
		bson.M{"$set": set, "$unset": bson.M{"challenge": ""}},
	)
	if err != nil {
		return false, wrapMongo("block_known_user", err)
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) RemovePending(ctx context.Context, id int64) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := s.Users.DeleteOne(ctx, bson.M{"telegram_id": id, "status": string(StatusPending)}); err != nil {
		return wrapMongo("remove_pending", err)
	}
	_, err := s.Users.UpdateOne(ctx,
		bson.M{"telegram_id": id, "challenge": bson.M{"$exists": true}},
		bson.M{"$unset": bson.M{"challenge": ""}, "$set": bson.M{"updated_at": s.now().UTC()}},
	)
	return wrapMongo("remove_pending", err)
}

func (s *MongoStore) RemoveUserIfBlocked(ctx context.Context, id int64) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.Users.DeleteOne(ctx, bson.M{"telegram_id": id, "status": string(StatusBlocked)})
	return wrapMongo("remove_user_if_blocked", err)
}

func (s *MongoStore) listUsers(ctx context.Context, op string, filter bson.M) ([]User, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "telegram_id", Value: -1}})
	cur, err := s.Users.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapMongo(op, err)
	}
	defer cur.Close(ctx)

	var users []User
	for cur.Next(ctx) {
		var doc userDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, wrapMongo(op, err)
		}
		u, err := doc.toUser()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		users = append(users, *u)
	}
	return users, wrapMongo(op, cur.Err())
}

func (s *MongoStore) ListBlocked(ctx context.Context) ([]User, error) {
	return s.listUsers(ctx, "list_blocked", bson.M{"status": string(StatusBlocked)})
}

func (s *MongoStore) ListNonBlocked(ctx context.Context) ([]User, error) {
	return s.listUsers(ctx, "list_non_blocked", bson.M{"status": bson.M{"$ne": string(StatusBlocked)}})
}

func (s *MongoStore) Counts(ctx context.Context) (Counts, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var c Counts
	for _, q := range []struct {
		dst    *int
		filter bson.M
	}{
		{&c.Verified, bson.M{"status": string(StatusVerified)}},
		{&c.Pending, bson.M{"status": string(StatusPending)}},
		{&c.Blocked, bson.M{"status": string(StatusBlocked)}},
		{&c.PendingChallenges, bson.M{"challenge": bson.M{"$exists": true}}},
	} {
		n, err := s.Users.CountDocuments(ctx, q.filter)
		if err != nil {
			return Counts{}, wrapMongo("counts", err)
		}
		*q.dst = int(n)
	}
	return c, nil
}

type pollStateDocument struct {
	Feed       string    `bson:"_id"`
	NextOffset int       `bson:"next_offset"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func (s *MongoStore) LoadOffset(ctx context.Context, feed string) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var doc pollStateDocument
	err := s.Settings.FindOne(ctx, bson.M{"_id": feed}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapMongo("load_offset", err)
	}
	return doc.NextOffset, nil
}

func (s *MongoStore) SaveOffset(ctx context.Context, feed string, offset int) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.Settings.ReplaceOne(ctx, bson.M{"_id": feed},
		pollStateDocument{Feed: feed, NextOffset: offset, UpdatedAt: s.now().UTC()},
		options.Replace().SetUpsert(true),
	)
	return wrapMongo("save_offset", err)
}

var (
	_ Store       = (*MongoStore)(nil)
	_ OffsetStore = (*MongoStore)(nil)
)
