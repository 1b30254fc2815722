// Standard interfaces and datatypes for the b2plugin project.
// Terms:
//   "artifact" : A local file (or directory) the build produced, destined for a bucket
//   "revision" : The newest object under a bucket prefix, as reported to the host
package plugin

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/b2publish/b2plugin/pkg/contract"
)

// Logger is what every component logs through. Components receive one
// already tagged with their module name.
type Logger interface {
	logrus.FieldLogger
}

// Artifact is one entry of a publish request. Source is a local path,
// relative to the working directory unless absolute. Destination is the key
// (or key prefix, for directories) in the bucket.
type Artifact struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	// Archive uploads a directory Source as a single .tar.gz object.
	Archive bool `json:"archive,omitempty"`
}

// ArtifactLister yields the concrete files to upload, as pairs of local path
// and destination key.
type ArtifactLister interface {
	List() ([]FilePair, error)
}

type FilePair struct {
	LocalPath      string
	DestinationKey string
}

// Revision is the newest object found under a prefix.
type Revision struct {
	Revision  string             `json:"revision"`
	Timestamp contract.Timestamp `json:"timestamp"`
	Comment   string             `json:"revisionComment"`
	Data      map[string]string  `json:"data,omitempty"`
}

type RevisionLister interface {
	// Returns the newest object in bucket whose key starts with prefix, or
	// nil when there is none. bucket is an id for the native API and a name
	// for the S3-compatible one.
	LatestRevision(ctx context.Context, bucket, prefix string) (*Revision, error)
}

// Field describes one configuration property the host should render.
type Field struct {
	Key          string
	DisplayName  string
	DefaultValue string
	Required     bool
	Secure       bool
	DisplayOrder int
}

type SchemaProvider interface {
	Fields() []Field
}
