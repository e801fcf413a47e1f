package s3

import (
	"bytes"
	"context"
	"fmt"

	"openchat-server/archive"
	"openchat-server/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Archive struct {
	client putObjectAPI
	bucket string
}

// NewStore creates an archive that uploads transcripts to bucket using the
// default AWS configuration chain.
func NewStore(ctx context.Context, bucket string) (*s3Archive, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 archive needs a bucket name")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %v", err)
	}
	return &s3Archive{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

// Archive uploads the transcript as <room>/<ulid>.json.
func (s *s3Archive) Archive(ctx context.Context, roomID string, messages []core.Message) error {
	key, err := archive.Key(roomID)
	if err != nil {
		return err
	}
	data, err := archive.Encode(roomID, messages)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload transcript of room %s: %v", roomID, err)
	}

	logrus.WithFields(logrus.Fields{
		"room_id":  roomID,
		"bucket":   s.bucket,
		"key":      key,
		"messages": len(messages),
	}).Info("Transcript archived")
	return nil
}
