// Revision lookup through B2's S3-compatible API. Buckets are addressed by
// name here, not by id.
package s3compat

import (
	"context"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/b2publish/b2plugin/pkg/b2"
	"github.com/b2publish/b2plugin/pkg/contract"
	"github.com/b2publish/b2plugin/pkg/plugin"
)

const (
	defaultRegion  = "us-west-004"
	defaultTimeout = 30 * time.Second
)

type Lister struct {
	client *s3.S3
	logger logrus.FieldLogger
}

var _ plugin.RevisionLister = (*Lister)(nil)

// NewLister reads "endpoint", "region" and "timeout" from cfg. The B2
// application key pair doubles as the S3 access key pair.
func NewLister(logger logrus.FieldLogger, cfg *viper.Viper, creds b2.Credentials) (*Lister, error) {
	if logger == nil {
		l := logrus.New()
		l.Out = ioutil.Discard
		logger = l
	}
	if cfg == nil {
		return nil, errors.New("missing s3 configuration")
	}
	cfg.SetDefault("region", defaultRegion)
	cfg.SetDefault("timeout", defaultTimeout)

	endpoint := cfg.GetString("endpoint")
	if endpoint == "" {
		return nil, errors.New("s3.endpoint is not set")
	}
	if creds.Empty() {
		return nil, errors.New("no B2 credentials configured")
	}
	timeout := cfg.GetDuration("timeout")
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(endpoint),
		Region:           aws.String(cfg.GetString("region")),
		Credentials:      credentials.NewStaticCredentials(creds.AccountID, creds.ApplicationKey, ""),
		S3ForcePathStyle: aws.Bool(true),
		DisableSSL:       aws.Bool(strings.HasPrefix(endpoint, "http://")),
		HTTPClient:       &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create S3 session")
	}

	logger.WithField("endpoint", endpoint).Debug("using S3-compatible revision lister")
	return &Lister{client: s3.New(sess), logger: logger}, nil
}

func (l *Lister) LatestRevision(ctx context.Context, bucket, prefix string) (*plugin.Revision, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var newest *s3.Object
	pages := 0
	err := l.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, last bool) bool {
		pages++
		for _, obj := range page.Contents {
			if obj.LastModified == nil || strings.HasSuffix(aws.StringValue(obj.Key), "/") {
				continue
			}
			if newest == nil || obj.LastModified.After(*newest.LastModified) {
				newest = obj
			}
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to list "+bucket)
	}
	l.logger.WithFields(logrus.Fields{"bucket": bucket, "prefix": prefix, "pages": pages}).Debug("listed objects")

	if newest == nil {
		return nil, nil
	}
	key := aws.StringValue(newest.Key)
	return &plugin.Revision{
		Revision:  key,
		Timestamp: contract.NewTimestamp(*newest.LastModified),
		Comment:   "Uploaded " + key,
		Data: map[string]string{
			"bucket_name": bucket,
			"etag":        strings.Trim(aws.StringValue(newest.ETag), `"`),
		},
	}, nil
}
