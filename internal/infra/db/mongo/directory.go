package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"supportchat/internal/domain/participant"
)

// Directory reads participant profiles maintained by the storefront's account service.
type Directory struct {
	col *mongo.Collection
}

func NewDirectory(db *mongo.Database) *Directory {
	return &Directory{col: db.Collection("participants")}
}

func (d *Directory) Lookup(ctx context.Context, id string) (participant.Profile, error) {
	var doc participantDocument
	if err := d.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return participant.Profile{}, participant.ErrUnknown
		}
		return participant.Profile{}, wrapErr("lookup participant", err)
	}
	return doc.toProfile(), nil
}

// Upsert stores p. Used by seeding and tests.
func (d *Directory) Upsert(ctx context.Context, p participant.Profile) error {
	doc := participantDocument{ID: p.ID, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL, Role: string(p.Role)}
	_, err := d.col.UpdateByID(ctx, doc.ID, bson.M{"$set": doc}, options.Update().SetUpsert(true))
	return wrapErr("upsert participant", err)
}

type participantDocument struct {
	ID          string `bson:"_id"`
	DisplayName string `bson:"display_name"`
	AvatarURL   string `bson:"avatar_url,omitempty"`
	Role        string `bson:"role"`
}

func (d participantDocument) toProfile() participant.Profile {
	return participant.Profile{
		ID:          d.ID,
		DisplayName: d.DisplayName,
		AvatarURL:   d.AvatarURL,
		Role:        participant.Role(d.Role),
	}
}

var _ participant.Directory = (*Directory)(nil)
