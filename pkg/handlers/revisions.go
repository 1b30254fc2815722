package handlers

import (
	"context"

	"github.com/pkg/errors"

	"github.com/b2publish/b2plugin/pkg/b2"
	"github.com/b2publish/b2plugin/pkg/contract"
	"github.com/b2publish/b2plugin/pkg/plugin"
)

// NativeRevisions finds revisions with b2_list_file_names. bucket is a
// bucket id.
type NativeRevisions struct {
	API         API
	Credentials b2.Credentials
}

var _ plugin.RevisionLister = (*NativeRevisions)(nil)

func (n *NativeRevisions) LatestRevision(ctx context.Context, bucket, prefix string) (*plugin.Revision, error) {
	if n.Credentials.Empty() {
		return nil, errors.New("no B2 credentials configured")
	}
	session, err := n.API.Authorize(ctx, n.Credentials)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to authorize")
	}
	files, err := n.API.ListFileNames(ctx, session, bucket, prefix, 0)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to list "+bucket)
	}

	var newest *b2.FileInfo
	for i := range files {
		f := &files[i]
		// folders and hide markers are not artifacts
		if f.Action != "" && f.Action != "upload" {
			continue
		}
		if newest == nil || f.UploadTimestamp > newest.UploadTimestamp {
			newest = f
		}
	}
	if newest == nil {
		return nil, nil
	}
	return &plugin.Revision{
		Revision:  newest.FileName,
		Timestamp: contract.FromMillis(newest.UploadTimestamp),
		Comment:   "Uploaded " + newest.FileName,
		Data: map[string]string{
			"bucket_id":    bucket,
			"file_id":      newest.FileID,
			"content_sha1": newest.ContentSHA1,
		},
	}, nil
}
