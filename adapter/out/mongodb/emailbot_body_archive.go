package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"emailbot/core/port/out"
	"emailbot/pkg/apperr"
)

// =============================================================================
// Body Archive Adapter
// =============================================================================

const (
	collectionBodies = "email_bodies"

	// Only compress bodies larger than this.
	compressionThreshold = 1024

	defaultRetentionDays = 90
)

// BodyArchiveAdapter implements out.BodyArchive. Raw bodies never enter
// the relational store; this collection is the only place the original
// HTML survives.
type BodyArchiveAdapter struct {
	collection *mongo.Collection
	retention  time.Duration
}

// NewBodyArchiveAdapter creates a new BodyArchiveAdapter.
func NewBodyArchiveAdapter(db *mongo.Database) *BodyArchiveAdapter {
	return &BodyArchiveAdapter{
		collection: db.Collection(collectionBodies),
		retention:  defaultRetentionDays * 24 * time.Hour,
	}
}

var _ out.BodyArchive = (*BodyArchiveAdapter)(nil)

// EnsureIndexes creates the unique key and TTL indexes.
func (a *BodyArchiveAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

type bodyDocument struct {
	EmailID      string    `bson:"email_id"`
	Text         []byte    `bson:"text"`
	HTML         []byte    `bson:"html"`
	IsCompressed bool      `bson:"is_compressed"`
	OriginalSize int64     `bson:"original_size"`
	ArchivedAt   time.Time `bson:"archived_at"`
	ExpiresAt    time.Time `bson:"expires_at"`
}

// SaveBody upserts the raw body for an email. Re-archiving the same
// email replaces the document, so retries are harmless.
func (a *BodyArchiveAdapter) SaveBody(ctx context.Context, emailID, textBody, htmlBody string) error {
	textBytes := []byte(textBody)
	htmlBytes := []byte(htmlBody)
	originalSize := int64(len(textBytes) + len(htmlBytes))

	isCompressed := false
	if originalSize > compressionThreshold {
		var err error
		if textBytes, err = compress(textBytes); err != nil {
			return apperr.InternalWithError(err)
		}
		if htmlBytes, err = compress(htmlBytes); err != nil {
			return apperr.InternalWithError(err)
		}
		isCompressed = true
	}

	now := time.Now().UTC()
	doc := &bodyDocument{
		EmailID:      emailID,
		Text:         textBytes,
		HTML:         htmlBytes,
		IsCompressed: isCompressed,
		OriginalSize: originalSize,
		ArchivedAt:   now,
		ExpiresAt:    now.Add(a.retention),
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := a.collection.ReplaceOne(ctx, bson.M{"email_id": emailID}, doc, opts); err != nil {
		return apperr.DatabaseError("archive body", err)
	}
	return nil
}

// GetBody retrieves the archived body for an email.
func (a *BodyArchiveAdapter) GetBody(ctx context.Context, emailID string) (string, string, error) {
	var doc bodyDocument
	err := a.collection.FindOne(ctx, bson.M{"email_id": emailID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return "", "", apperr.NotFound("archived body")
		}
		return "", "", apperr.DatabaseError("get archived body", err)
	}

	textBytes, htmlBytes := doc.Text, doc.HTML
	if doc.IsCompressed {
		if textBytes, err = decompress(doc.Text); err != nil {
			return "", "", apperr.InternalWithError(err)
		}
		if htmlBytes, err = decompress(doc.HTML); err != nil {
			return "", "", apperr.InternalWithError(err)
		}
	}
	return string(textBytes), string(htmlBytes), nil
}

// DeleteOlderThan removes archived bodies older than the cutoff. The TTL
// index does this automatically; this exists for manual cleanup.
func (a *BodyArchiveAdapter) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := a.collection.DeleteMany(ctx, bson.M{"archived_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, apperr.DatabaseError("delete archived bodies", err)
	}
	return result.DeletedCount, nil
}

func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}
