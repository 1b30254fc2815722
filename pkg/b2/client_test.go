package b2_test

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b2publish/b2plugin/pkg/b2"
	"github.com/b2publish/b2plugin/pkg/b2/b2test"
)

const (
	testAccount = "acct"
	testKey     = "secret-key"
	testBucket  = "bucket-1"
)

func newTestClient(t *testing.T, endpoint string) *b2.Client {
	cfg := viper.New()
	cfg.Set("endpoint", endpoint)
	cfg.Set("api-timeout", "5s")
	return b2.NewClient(nil, cfg)
}

func setup(t *testing.T) (*b2test.Server, *b2.Client) {
	srv := b2test.NewServer(testAccount, testKey, map[string]string{testBucket: "artifacts"})
	t.Cleanup(srv.Close)
	return srv, newTestClient(t, srv.URL)
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestAuthorize(t *testing.T) {
	srv, client := setup(t)

	session, err := client.Authorize(context.Background(), b2.Credentials{AccountID: testAccount, ApplicationKey: testKey})
	require.NoError(t, err)
	assert.Equal(t, testAccount, session.AccountID)
	assert.Equal(t, srv.URL, session.APIURL)
	assert.NotEmpty(t, session.AuthorizationToken)
	assert.EqualValues(t, 100000000, session.RecommendedPartSize)

	// Re-authorizing yields an equivalent session with a fresh token.
	again, err := client.Authorize(context.Background(), b2.Credentials{AccountID: testAccount, ApplicationKey: testKey})
	require.NoError(t, err)
	assert.Equal(t, session.AccountID, again.AccountID)
	assert.Equal(t, session.APIURL, again.APIURL)
	assert.NotEqual(t, session.AuthorizationToken, again.AuthorizationToken)
}

func TestAuthorizeBadCredentials(t *testing.T) {
	_, client := setup(t)

	_, err := client.Authorize(context.Background(), b2.Credentials{AccountID: testAccount, ApplicationKey: "wrong"})
	require.Error(t, err)
	assert.True(t, b2.IsUnauthorized(err))
	assert.False(t, b2.IsTransient(err))
	assert.Contains(t, err.Error(), "invalid application key")
}

func TestAuthorizeTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	_, err := newTestClient(t, endpoint).Authorize(context.Background(), b2.Credentials{AccountID: "a", ApplicationKey: "b"})
	require.Error(t, err)
	assert.True(t, b2.IsTransient(err))
}

func TestAuthorizeMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"accountId": "acct"`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Authorize(context.Background(), b2.Credentials{AccountID: "a", ApplicationKey: "b"})
	assert.True(t, errors.Is(err, b2.ErrMalformedResponse))
}

func TestNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Authorize(context.Background(), b2.Credentials{AccountID: "a", ApplicationKey: "b"})
	var apiErr *b2.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "bad_gateway", apiErr.Code)
	assert.Equal(t, "upstream exploded", apiErr.Message)
	assert.True(t, b2.IsTransient(err))
}

func TestTimeoutIsFinite(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	cfg := viper.New()
	cfg.Set("endpoint", srv.URL)
	cfg.Set("api-timeout", 50*time.Millisecond)
	_, err := b2.NewClient(nil, cfg).Authorize(context.Background(), b2.Credentials{AccountID: "a", ApplicationKey: "b"})
	require.Error(t, err)
	assert.True(t, b2.IsTransient(err))
}

func TestUploadFlow(t *testing.T) {
	srv, client := setup(t)
	ctx := context.Background()

	session, err := client.Authorize(ctx, b2.Credentials{AccountID: testAccount, ApplicationKey: testKey})
	require.NoError(t, err)

	lease, err := client.GetUploadURL(ctx, session, testBucket)
	require.NoError(t, err)
	assert.Equal(t, testBucket, lease.BucketID)

	data := []byte("hello artifact")
	res, err := client.UploadFile(ctx, lease, b2.UploadRequest{
		FileName:      "builds/42/app v1.tar.gz",
		ContentLength: int64(len(data)),
		ContentSHA1:   sha1Hex(data),
		Body:          bytes.NewReader(data),
	})
	require.NoError(t, err)
	assert.Equal(t, sha1Hex(data), res.ContentSHA1)
	assert.Equal(t, "builds/42/app v1.tar.gz", res.FileName)
	assert.Equal(t, b2.AutoContentType, res.ContentType)

	files := srv.Files(testBucket)
	require.Len(t, files, 1)
	assert.Equal(t, data, files[0].Data)
}

func TestGetUploadURLFailures(t *testing.T) {
	srv, client := setup(t)
	ctx := context.Background()

	session, err := client.Authorize(ctx, b2.Credentials{AccountID: testAccount, ApplicationKey: testKey})
	require.NoError(t, err)

	_, err = client.GetUploadURL(ctx, session, "no-such-bucket")
	require.Error(t, err)
	assert.False(t, b2.IsTransient(err))
	assert.False(t, b2.IsExpired(err))

	srv.ExpireSessions()
	_, err = client.GetUploadURL(ctx, session, testBucket)
	assert.True(t, b2.IsExpired(err))
}

func TestUploadErrorsClassified(t *testing.T) {
	srv, client := setup(t)
	ctx := context.Background()

	session, err := client.Authorize(ctx, b2.Credentials{AccountID: testAccount, ApplicationKey: testKey})
	require.NoError(t, err)
	lease, err := client.GetUploadURL(ctx, session, testBucket)
	require.NoError(t, err)

	data := []byte("x")
	up := func() error {
		_, err := client.UploadFile(ctx, lease, b2.UploadRequest{
			FileName: "f", ContentLength: 1, ContentSHA1: sha1Hex(data), Body: bytes.NewReader(data),
		})
		return err
	}

	srv.FailUploads(b2test.Failure{Status: http.StatusServiceUnavailable, Code: "service_unavailable", Message: "busy"})
	assert.True(t, b2.IsExpired(up()))

	srv.FailUploads(b2test.Failure{Status: http.StatusRequestTimeout, Code: "request_timeout", Message: "slow"})
	err = up()
	assert.True(t, b2.IsTransient(err))
	assert.False(t, b2.IsExpired(err))

	srv.ExpireUploadURLs()
	assert.True(t, b2.IsExpired(up()))
}

func TestListBucketsAndFiles(t *testing.T) {
	srv, client := setup(t)
	ctx := context.Background()

	for i, name := range []string{"rel/a", "rel/b", "rel/c", "other/d"} {
		srv.AddFile(testBucket, name, []byte(name), int64(1000+i))
	}

	session, err := client.Authorize(ctx, b2.Credentials{AccountID: testAccount, ApplicationKey: testKey})
	require.NoError(t, err)

	buckets, err := client.ListBuckets(ctx, session)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "artifacts", buckets[0].BucketName)

	files, err := client.ListFileNames(ctx, session, testBucket, "rel/", 0)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "rel/c", files[2].FileName)
	assert.EqualValues(t, 1002, files[2].UploadTimestamp)

	files, err = client.ListFileNames(ctx, session, testBucket, "", 2)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestEncodeFileName(t *testing.T) {
	assert.Equal(t, "a/b%20c/%C3%A9.txt", b2.EncodeFileName("a/b c/é.txt"))
	assert.Equal(t, "releases/app-1.0.0%2Bbuild.5.tar.gz", b2.EncodeFileName("releases/app-1.0.0+build.5.tar.gz"))
	assert.Equal(t, "x%26y%3Dz%24%2C%3A%40~_.-", b2.EncodeFileName("x&y=z$,:@~_.-"))
}

func TestUploadKeepsPlusInFileName(t *testing.T) {
	srv, client := setup(t)
	ctx := context.Background()

	session, err := client.Authorize(ctx, b2.Credentials{AccountID: testAccount, ApplicationKey: testKey})
	require.NoError(t, err)
	lease, err := client.GetUploadURL(ctx, session, testBucket)
	require.NoError(t, err)

	const key = "releases/app-1.0.0+build.5.tar.gz"
	data := []byte("semver build metadata")
	res, err := client.UploadFile(ctx, lease, b2.UploadRequest{
		FileName:      key,
		ContentLength: int64(len(data)),
		ContentSHA1:   sha1Hex(data),
		Body:          bytes.NewReader(data),
	})
	require.NoError(t, err)
	assert.Equal(t, key, res.FileName)

	files := srv.Files(testBucket)
	require.Len(t, files, 1)
	assert.Equal(t, key, files[0].FileName)
}

func TestCredentialsNeverPrinted(t *testing.T) {
	c := b2.Credentials{AccountID: "id", ApplicationKey: "super-secret"}
	assert.NotContains(t, c.String(), "super-secret")
}
