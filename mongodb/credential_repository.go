package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/gatherhub/calsync/domain"
)

// CredentialRepository persists encrypted calendar credentials, one record
// per user keyed by user id.
type CredentialRepository struct {
	coll *mongo.Collection
}

func NewCredentialRepository(db *mongo.Database) domain.CredentialRepository {
	return &CredentialRepository{
		coll: db.Collection(CalendarConnectionsCollection),
	}
}

// Save upserts the user's record as a single document write, so readers
// never observe a half-written blob. connected_at is only set on insert;
// refreshes keep the original connection time.
func (r *CredentialRepository) Save(ctx context.Context, userID string, blob domain.EncryptedCredentialBlob, expiresAt time.Time) error {
	now := time.Now().UTC()
	filter := bson.M{"_id": userID}
	update := bson.M{
		"$set": bson.M{
			"encrypted_blob": blob,
			"connected":      true,
			"expires_at":     expiresAt.UTC(),
			"updated_at":     now,
		},
		"$setOnInsert": bson.M{
			"connected_at": now,
		},
	}

	_, err := r.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("user_id", userID).Msg("Failed to save calendar credentials")
		return fmt.Errorf("failed to save calendar credentials: %w", err)
	}
	return nil
}

// Load returns the stored connection, or nil when the user has none.
func (r *CredentialRepository) Load(ctx context.Context, userID string) (*domain.CalendarConnection, error) {
	var conn domain.CalendarConnection
	err := r.coll.FindOne(ctx, bson.M{"_id": userID}).Decode(&conn)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load calendar credentials: %w", err)
	}
	return &conn, nil
}

// Clear deletes the user's record. Deleting an absent record is a no-op.
func (r *CredentialRepository) Clear(ctx context.Context, userID string) error {
	result, err := r.coll.DeleteOne(ctx, bson.M{"_id": userID})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("user_id", userID).Msg("Failed to clear calendar credentials")
		return fmt.Errorf("failed to clear calendar credentials: %w", err)
	}
	if result.DeletedCount == 0 {
		log.Ctx(ctx).Debug().Str("user_id", userID).Msg("No calendar credentials to clear")
	}
	return nil
}

// Status projects the connection view without touching the encrypted blob.
func (r *CredentialRepository) Status(ctx context.Context, userID string) (domain.ConnectionStatus, error) {
	conn, err := r.Load(ctx, userID)
	if err != nil {
		return domain.ConnectionStatus{}, err
	}
	if conn == nil || !conn.Connected {
		return domain.ConnectionStatus{Connected: false}, nil
	}
	connectedAt := conn.ConnectedAt
	expiresAt := conn.ExpiresAt
	return domain.ConnectionStatus{
		Connected:   true,
		ConnectedAt: &connectedAt,
		ExpiresAt:   &expiresAt,
	}, nil
}
