package capture

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SessionStore is the persistence surface the coordinator depends on.
type SessionStore interface {
	Insert(ctx context.Context, session *Session) error
	UpdateFields(ctx context.Context, id primitive.ObjectID, fields bson.M) error
	Find(ctx context.Context, id primitive.ObjectID) (*Session, error)
	FindAll(ctx context.Context) ([]*Session, error)
	UpdateNotes(ctx context.Context, id primitive.ObjectID, notes string) (bool, error)
}

type SessionService struct {
	sessionCollection *mongo.Collection
}

func NewSessionService(db *mongo.Database) *SessionService {
	return &SessionService{
		sessionCollection: db.Collection("sessions"),
	}
}

func (s *SessionService) Insert(ctx context.Context, session *Session) error {
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now
	if _, err := s.sessionCollection.InsertOne(ctx, session); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// UpdateFields applies a partial $set update to a session. updated_at is
// always refreshed alongside the given fields.
func (s *SessionService) UpdateFields(ctx context.Context, id primitive.ObjectID, fields bson.M) error {
	set := bson.M{"updated_at": time.Now()}
	for k, v := range fields {
		set[k] = v
	}
	result, err := s.sessionCollection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("session %s not found", id.Hex())
	}
	return nil
}

func (s *SessionService) Find(ctx context.Context, id primitive.ObjectID) (*Session, error) {
	var session Session
	if err := s.sessionCollection.FindOne(ctx, bson.M{"_id": id}).Decode(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionService) FindAll(ctx context.Context) ([]*Session, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.sessionCollection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var sessions []*Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// UpdateNotes mutates only the notes field, in any session status. It
// reports whether a matching session existed.
func (s *SessionService) UpdateNotes(ctx context.Context, id primitive.ObjectID, notes string) (bool, error) {
	result, err := s.sessionCollection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"notes": notes, "updated_at": time.Now()}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to update notes: %w", err)
	}
	return result.MatchedCount > 0, nil
}
