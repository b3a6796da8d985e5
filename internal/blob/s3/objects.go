package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

// partSize is the multipart chunk size. Bodies at or below it go up in a
// single PutObject.
const partSize int64 = 5 * 1024 * 1024

const contentJSONL = "application/x-ndjson"

// Objects stores archive batches in the client's bucket.
type Objects struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewObjects creates an Objects store on c.
func NewObjects(c *Client) *Objects {
	return &Objects{
		client: c.s3,
		uploader: manager.NewUploader(c.s3, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
		bucket: c.bucket,
	}
}

// Exists reports whether key is already stored.
func (o *Objects) Exists(ctx context.Context, key string) (bool, error) {
	_, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("s3blob: head %s: %w", key, err)
	}
}

// Put uploads body as a JSONL object tagged with meta. The upload manager
// switches to multipart for bodies larger than one part.
func (o *Objects) Put(ctx context.Context, key string, body []byte, meta map[string]string) error {
	_, err := o.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentJSONL),
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("s3blob: upload %s (%d bytes): %w", key, len(body), err)
	}
	return nil
}

// isNotFound matches a missing object. HeadObject has no body, so providers
// report it as types.NotFound or a bare 404.
func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound
}

var _ domain.ObjectStore = (*Objects)(nil)
