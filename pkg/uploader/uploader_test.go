package uploader_test

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b2publish/b2plugin/pkg/b2"
	"github.com/b2publish/b2plugin/pkg/b2/b2test"
	"github.com/b2publish/b2plugin/pkg/uploader"
)

const (
	account = "acct"
	key     = "k"
	bucket  = "bkt"
)

var fastConfig = uploader.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Workers: 1}

func writeFiles(t *testing.T, n int) []uploader.Task {
	dir := t.TempDir()
	tasks := make([]uploader.Task, n)
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, fmt.Sprintf("f%d.bin", i))
		require.NoError(t, ioutil.WriteFile(p, []byte(fmt.Sprintf("payload %d", i)), 0644))
		tasks[i] = uploader.Task{LocalPath: p, DestinationKey: fmt.Sprintf("out/f%d.bin", i), BucketID: bucket}
	}
	return tasks
}

func fakeB2(t *testing.T) (*b2test.Server, *b2.Client) {
	srv := b2test.NewServer(account, key, map[string]string{bucket: "artifacts", "bkt2": "other"})
	t.Cleanup(srv.Close)
	cfg := viper.New()
	cfg.Set("endpoint", srv.URL)
	return srv, b2.NewClient(nil, cfg)
}

func TestUploadBatch(t *testing.T) {
	srv, client := fakeB2(t)
	tasks := writeFiles(t, 4)
	tasks[3].BucketID = "bkt2"

	report, err := uploader.New(client, b2.Credentials{AccountID: account, ApplicationKey: key}, fastConfig, nil).
		Upload(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Succeeded())
	assert.Equal(t, 0, report.Failed())
	assert.NoError(t, report.Err())

	for i, o := range report.Outcomes {
		assert.Equal(t, tasks[i], o.Task)
		assert.Equal(t, uploader.StateVerified, o.State)
		assert.Equal(t, 1, o.Attempts)
	}
	assert.Len(t, srv.Files(bucket), 3)
	assert.Len(t, srv.Files("bkt2"), 1)
	assert.Equal(t, 1, srv.Authorizations)
	// one lease per bucket, reused across files
	assert.Equal(t, 2, srv.UploadURLs)
}

func TestBadCredentialsAbortBatch(t *testing.T) {
	srv, client := fakeB2(t)

	_, err := uploader.New(client, b2.Credentials{AccountID: account, ApplicationKey: "nope"}, fastConfig, nil).
		Upload(context.Background(), writeFiles(t, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, uploader.ErrCredentials))
	assert.Contains(t, err.Error(), "invalid application key")
	assert.Equal(t, 1, srv.Authorizations)
	assert.Equal(t, 0, srv.Uploads)
}

func TestAuthorizeOutageIsNotBlamedOnCredentials(t *testing.T) {
	srv, client := fakeB2(t)
	srv.FailAuthorizations(b2test.Failure{Status: http.StatusServiceUnavailable, Code: "service_unavailable", Message: "try later"})

	_, err := uploader.New(client, b2.Credentials{AccountID: account, ApplicationKey: key}, fastConfig, nil).
		Upload(context.Background(), writeFiles(t, 2))
	require.Error(t, err)
	assert.False(t, errors.Is(err, uploader.ErrCredentials))
	assert.True(t, b2.IsTransient(err))
	assert.Contains(t, err.Error(), "Failed to authorize")
	assert.Equal(t, 1, srv.Authorizations)
	assert.Equal(t, 0, srv.Uploads)
}

func TestAuthorizeTransportFailureIsNotBlamedOnCredentials(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()
	cfg := viper.New()
	cfg.Set("endpoint", endpoint)
	client := b2.NewClient(nil, cfg)

	_, err := uploader.New(client, b2.Credentials{AccountID: account, ApplicationKey: key}, fastConfig, nil).
		Upload(context.Background(), writeFiles(t, 1))
	require.Error(t, err)
	assert.False(t, errors.Is(err, uploader.ErrCredentials))
	assert.True(t, b2.IsTransient(err))
}

func TestExpiredLeaseIsReplaced(t *testing.T) {
	srv, client := fakeB2(t)
	srv.FailUploads(b2test.Failure{Status: http.StatusUnauthorized, Code: "expired_auth_token", Message: "expired"})

	report, err := uploader.New(client, b2.Credentials{AccountID: account, ApplicationKey: key}, fastConfig, nil).
		Upload(context.Background(), writeFiles(t, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded())
	assert.Equal(t, 2, report.Outcomes[0].Attempts)
	assert.Equal(t, 2, srv.UploadURLs)
}

func TestExpiredSessionIsRefreshed(t *testing.T) {
	srv, client := fakeB2(t)
	up := uploader.New(client, b2.Credentials{AccountID: account, ApplicationKey: key}, fastConfig, nil)
	tasks := writeFiles(t, 2)

	_, err := up.Upload(context.Background(), tasks[:1])
	require.NoError(t, err)

	// Both the session token and the cached upload URL go stale.
	srv.ExpireSessions()
	srv.ExpireUploadURLs()

	report, err := up.Upload(context.Background(), tasks[1:])
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded())
	assert.Equal(t, 2, report.Outcomes[0].Attempts)
	assert.Equal(t, 2, srv.Authorizations)
}

func TestTransientFailureRetriesSameLease(t *testing.T) {
	srv, client := fakeB2(t)
	srv.FailUploads(
		b2test.Failure{Status: http.StatusTooManyRequests, Code: "too_many_requests", Message: "slow down"},
		b2test.Failure{Status: http.StatusInternalServerError, Code: "internal_error", Message: "oops"},
	)

	report, err := uploader.New(client, b2.Credentials{AccountID: account, ApplicationKey: key}, fastConfig, nil).
		Upload(context.Background(), writeFiles(t, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded())
	assert.Equal(t, 3, report.Outcomes[0].Attempts)
	assert.Equal(t, 1, srv.UploadURLs)
}

func TestFatalFailureDoesNotStopBatch(t *testing.T) {
	srv, client := fakeB2(t)
	srv.FailUploads(b2test.Failure{Status: http.StatusBadRequest, Code: "bad_request", Message: "file name too long"})

	report, err := uploader.New(client, b2.Credentials{AccountID: account, ApplicationKey: key}, fastConfig, nil).
		Upload(context.Background(), writeFiles(t, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 2, report.Succeeded())
	assert.Equal(t, uploader.StateFailed, report.Outcomes[0].State)
	assert.Equal(t, 1, report.Outcomes[0].Attempts)
	assert.Contains(t, report.Err().Error(), "file name too long")
}

func TestIntegrityMismatchRetriedThenSucceeds(t *testing.T) {
	srv, client := fakeB2(t)
	srv.CorruptChecksums(2)

	report, err := uploader.New(client, b2.Credentials{AccountID: account, ApplicationKey: key}, fastConfig, nil).
		Upload(context.Background(), writeFiles(t, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded())
	assert.Equal(t, 3, report.Outcomes[0].Attempts)
}

func TestMissingFileFails(t *testing.T) {
	_, client := fakeB2(t)
	tasks := writeFiles(t, 2)
	tasks[0].LocalPath = filepath.Join(t.TempDir(), "missing")

	report, err := uploader.New(client, b2.Credentials{AccountID: account, ApplicationKey: key}, fastConfig, nil).
		Upload(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 0, report.Outcomes[0].Attempts)
}

func TestExpectedSizeChecked(t *testing.T) {
	srv, client := fakeB2(t)
	tasks := writeFiles(t, 1)
	tasks[0].ExpectedSize = 1

	report, err := uploader.New(client, b2.Credentials{AccountID: account, ApplicationKey: key}, fastConfig, nil).
		Upload(context.Background(), tasks)
	require.NoError(t, err)
	assert.True(t, errors.Is(report.Outcomes[0].Err, uploader.ErrSizeMismatch))
	assert.Equal(t, 0, srv.Uploads)
}

// scriptedAPI verifies every upload against the real file contents and
// always misreports the checksum for the files listed in corrupt.
type scriptedAPI struct {
	mu      sync.Mutex
	corrupt map[string]bool
	leases  int
}

func (s *scriptedAPI) Authorize(ctx context.Context, creds b2.Credentials) (*b2.Session, error) {
	return &b2.Session{AccountID: creds.AccountID, AuthorizationToken: "t", APIURL: "http://unused"}, nil
}

func (s *scriptedAPI) GetUploadURL(ctx context.Context, session *b2.Session, bucketID string) (*b2.UploadLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases++
	return &b2.UploadLease{BucketID: bucketID, UploadURL: "http://unused", AuthorizationToken: "u"}, nil
}

func (s *scriptedAPI) UploadFile(ctx context.Context, lease *b2.UploadLease, up b2.UploadRequest) (*b2.UploadResult, error) {
	data, err := ioutil.ReadAll(up.Body)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(data)
	reported := hex.EncodeToString(sum[:])
	if s.corrupt[up.FileName] {
		reported = "deadbeef"
	}
	return &b2.UploadResult{FileID: "id-" + up.FileName, FileName: up.FileName, ContentSHA1: reported}, nil
}

func TestFailedCountMatchesCorruptFiles(t *testing.T) {
	for _, workers := range []int{1, 4} {
		tasks := writeFiles(t, 10)
		api := &scriptedAPI{corrupt: map[string]bool{}}
		for _, i := range []int{1, 4, 7} {
			api.corrupt[tasks[i].DestinationKey] = true
		}
		cfg := fastConfig
		cfg.Workers = workers

		report, err := uploader.New(api, b2.Credentials{AccountID: "a", ApplicationKey: "b"}, cfg, nil).
			Upload(context.Background(), tasks)
		require.NoError(t, err)
		assert.Equal(t, 3, report.Failed(), "workers=%d", workers)
		assert.Equal(t, 7, report.Succeeded(), "workers=%d", workers)
		for _, i := range []int{1, 4, 7} {
			assert.True(t, errors.Is(report.Outcomes[i].Err, uploader.ErrIntegrityMismatch))
			assert.Equal(t, cfg.MaxAttempts, report.Outcomes[i].Attempts)
		}
		assert.Equal(t, 1, api.leases, "workers=%d", workers)
	}
}

func TestConcurrentWorkersShareLease(t *testing.T) {
	srv, client := fakeB2(t)
	cfg := fastConfig
	cfg.Workers = 8

	report, err := uploader.New(client, b2.Credentials{AccountID: account, ApplicationKey: key}, cfg, nil).
		Upload(context.Background(), writeFiles(t, 20))
	require.NoError(t, err)
	assert.Equal(t, 20, report.Succeeded())
	assert.Equal(t, 1, srv.UploadURLs)
	assert.Len(t, srv.Files(bucket), 20)
}

func TestConfigFromViper(t *testing.T) {
	v := viper.New()
	v.Set("max-attempts", 5)
	v.Set("base-delay", "10ms")
	v.Set("workers", 0)
	cfg := uploader.ConfigFromViper(v)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.MaxDelay)
	assert.Equal(t, 1, cfg.Workers)

	assert.Equal(t, uploader.DefaultConfig(), uploader.ConfigFromViper(nil))
}
