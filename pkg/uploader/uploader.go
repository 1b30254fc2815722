// Upload orchestration: authorize once, lease an upload URL per bucket, push
// every file, verify the checksum B2 reports, and retry what is worth
// retrying. One file failing never stops the rest of the batch.
package uploader

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"io/ioutil"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/b2publish/b2plugin/pkg/b2"
)

var (
	// ErrCredentials wraps the provider's answer when authorization fails.
	// Retrying cannot fix it, so the whole batch stops.
	ErrCredentials = errors.New("B2 rejected the credentials")

	// ErrIntegrityMismatch means B2 stored content whose SHA-1 differs from
	// the local file.
	ErrIntegrityMismatch = errors.New("content sha1 mismatch")

	// ErrSizeMismatch means the local file does not have the size the task
	// expected.
	ErrSizeMismatch = errors.New("file size mismatch")
)

// API is the subset of *b2.Client the uploader needs.
type API interface {
	Authorize(ctx context.Context, creds b2.Credentials) (*b2.Session, error)
	GetUploadURL(ctx context.Context, session *b2.Session, bucketID string) (*b2.UploadLease, error)
	UploadFile(ctx context.Context, lease *b2.UploadLease, up b2.UploadRequest) (*b2.UploadResult, error)
}

var _ API = (*b2.Client)(nil)

// Task is one local file to store under DestinationKey in BucketID.
type Task struct {
	LocalPath      string
	DestinationKey string
	BucketID       string
	ContentType    string
	// ExpectedSize is checked against the file on disk when greater than zero.
	ExpectedSize int64
}

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Workers     int
}

// DefaultConfig returns the retry policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Workers:     1,
	}
}

// ConfigFromViper reads the "upload" config section on top of DefaultConfig.
func ConfigFromViper(cfg *viper.Viper) Config {
	out := DefaultConfig()
	if cfg == nil {
		return out
	}
	if cfg.IsSet("max-attempts") {
		out.MaxAttempts = cfg.GetInt("max-attempts")
	}
	if cfg.IsSet("base-delay") {
		out.BaseDelay = cfg.GetDuration("base-delay")
	}
	if cfg.IsSet("max-delay") {
		out.MaxDelay = cfg.GetDuration("max-delay")
	}
	if cfg.IsSet("workers") {
		out.Workers = cfg.GetInt("workers")
	}
	return out.normalize()
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return c
}

type Uploader struct {
	api    API
	creds  b2.Credentials
	cfg    Config
	logger logrus.FieldLogger

	sessionMu sync.Mutex
	session   *b2.Session

	leasesMu sync.Mutex
	leases   map[string]*leaseSlot
}

// leaseSlot holds the cached lease for one bucket. mu is held for the whole
// of a refresh, so concurrent uploaders wait for it instead of racing.
type leaseSlot struct {
	mu    sync.Mutex
	lease *b2.UploadLease
}

func New(api API, creds b2.Credentials, cfg Config, logger logrus.FieldLogger) *Uploader {
	if logger == nil {
		l := logrus.New()
		l.Out = ioutil.Discard
		logger = l
	}
	return &Uploader{
		api:    api,
		creds:  creds,
		cfg:    cfg.normalize(),
		logger: logger,
		leases: map[string]*leaseSlot{},
	}
}

// Upload runs the batch. The only error returned directly is a credential
// failure; per-file failures are in the Report.
func (u *Uploader) Upload(ctx context.Context, tasks []Task) (*Report, error) {
	if _, err := u.authorize(ctx, nil); err != nil {
		return nil, err
	}

	report := &Report{Outcomes: make([]Outcome, len(tasks))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.cfg.Workers)
	for i := range tasks {
		i := i
		g.Go(func() error {
			report.Outcomes[i] = u.uploadOne(gctx, tasks[i])
			return nil
		})
	}
	_ = g.Wait()

	u.logger.WithFields(logrus.Fields{
		"files":     len(tasks),
		"succeeded": report.Succeeded(),
		"failed":    report.Failed(),
	}).Info("upload batch finished")
	return report, nil
}

// authorize obtains a session. With a non-nil stale session it only
// re-authorizes if nobody else has replaced that session already.
func (u *Uploader) authorize(ctx context.Context, stale *b2.Session) (*b2.Session, error) {
	u.sessionMu.Lock()
	defer u.sessionMu.Unlock()

	if u.session != nil && u.session != stale {
		return u.session, nil
	}
	session, err := u.api.Authorize(ctx, u.creds)
	if err != nil {
		if stale != nil {
			return nil, errors.Wrap(err, "Failed to refresh B2 session")
		}
		if b2.IsUnauthorized(err) {
			return nil, errors.Wrap(ErrCredentials, err.Error())
		}
		return nil, errors.Wrap(err, "Failed to authorize")
	}
	u.session = session
	if stale != nil {
		u.logger.Info("refreshed expired B2 session")
	}
	return session, nil
}

func (u *Uploader) currentSession() *b2.Session {
	u.sessionMu.Lock()
	defer u.sessionMu.Unlock()
	return u.session
}

func (u *Uploader) slot(bucketID string) *leaseSlot {
	u.leasesMu.Lock()
	defer u.leasesMu.Unlock()
	s, ok := u.leases[bucketID]
	if !ok {
		s = &leaseSlot{}
		u.leases[bucketID] = s
	}
	return s
}

// lease returns the cached lease for bucketID, fetching one if needed. An
// expired session is refreshed once per call.
func (u *Uploader) lease(ctx context.Context, bucketID string) (*b2.UploadLease, error) {
	s := u.slot(bucketID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease != nil {
		return s.lease, nil
	}

	session := u.currentSession()
	lease, err := u.api.GetUploadURL(ctx, session, bucketID)
	if err != nil && b2.IsExpired(err) {
		if session, err = u.authorize(ctx, session); err != nil {
			return nil, err
		}
		lease, err = u.api.GetUploadURL(ctx, session, bucketID)
	}
	if err != nil {
		return nil, err
	}
	s.lease = lease
	return lease, nil
}

// invalidate drops lease from the cache unless it was already replaced.
func (u *Uploader) invalidate(bucketID string, lease *b2.UploadLease) {
	s := u.slot(bucketID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease == lease {
		s.lease = nil
	}
}

func (u *Uploader) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = u.cfg.BaseDelay
	b.MaxInterval = u.cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (u *Uploader) uploadOne(ctx context.Context, task Task) Outcome {
	out := Outcome{Task: task, State: StateFailed}
	log := u.logger.WithFields(logrus.Fields{
		"file":   task.LocalPath,
		"key":    task.DestinationKey,
		"bucket": task.BucketID,
	})

	size, sum, err := hashFile(task.LocalPath)
	if err != nil {
		out.Err = err
		log.WithError(err).Error("cannot read file")
		return out
	}
	if task.ExpectedSize > 0 && size != task.ExpectedSize {
		out.Err = errors.Wrapf(ErrSizeMismatch, "%s is %d bytes, expected %d", task.LocalPath, size, task.ExpectedSize)
		log.WithError(out.Err).Error("refusing to upload")
		return out
	}

	bo := u.newBackOff()
	for out.Attempts < u.cfg.MaxAttempts {
		if out.Attempts > 0 {
			delay := bo.NextBackOff()
			select {
			case <-ctx.Done():
				out.Err = errors.Wrap(ctx.Err(), out.Err.Error())
				return out
			case <-time.After(delay):
			}
		}
		out.Attempts++
		alog := log.WithField("attempt", out.Attempts)

		lease, err := u.lease(ctx, task.BucketID)
		if err != nil {
			out.Err = err
			if b2.IsTransient(err) || b2.IsExpired(err) {
				alog.WithError(err).Warn("could not obtain upload url, will retry")
				continue
			}
			alog.WithError(err).Error("could not obtain upload url")
			return out
		}

		result, err := u.send(ctx, lease, task, size, sum)
		switch {
		case err == nil && result.ContentSHA1 != sum:
			out.Err = errors.Wrapf(ErrIntegrityMismatch, "local %s, remote %s", sum, result.ContentSHA1)
			alog.WithError(out.Err).Warn("uploaded content does not verify, will retry")
		case err == nil:
			out.State = StateVerified
			out.Result = result
			out.Err = nil
			alog.WithField("file_id", result.FileID).Info("uploaded")
			return out
		case b2.IsExpired(err):
			out.Err = err
			u.invalidate(task.BucketID, lease)
			alog.WithError(err).Warn("upload url rejected, leasing a new one")
		case b2.IsTransient(err):
			out.Err = err
			alog.WithError(err).Warn("transient upload failure, will retry")
		default:
			out.Err = err
			alog.WithError(err).Error("upload failed")
			return out
		}
	}

	log.WithError(out.Err).Errorf("giving up after %d attempts", out.Attempts)
	return out
}

// send opens the file for exactly one upload attempt.
func (u *Uploader) send(ctx context.Context, lease *b2.UploadLease, task Task, size int64, sum string) (*b2.UploadResult, error) {
	f, err := os.Open(task.LocalPath)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open "+task.LocalPath)
	}
	defer f.Close()

	return u.api.UploadFile(ctx, lease, b2.UploadRequest{
		FileName:      task.DestinationKey,
		ContentType:   task.ContentType,
		ContentLength: size,
		ContentSHA1:   sum,
		Body:          f,
	})
}

func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", errors.Wrap(err, "Failed to open "+path)
	}
	defer f.Close()

	h := sha1.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", errors.Wrap(err, "Failed to hash "+path)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
