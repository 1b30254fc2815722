// Backblaze B2 native API client. Every call is a single HTTP round trip with
// no retries; deciding what to do about a failure is the caller's job.
package b2

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	DefaultEndpoint      = "https://api.backblazeb2.com"
	DefaultAPITimeout    = 30 * time.Second
	DefaultUploadTimeout = 10 * time.Minute

	// AutoContentType lets B2 pick the content type from the file name.
	AutoContentType = "b2/x-auto"

	apiPrefix = "/b2api/v1/"

	opAuthorize     = "b2_authorize_account"
	opGetUploadURL  = "b2_get_upload_url"
	opUpload        = "b2_upload_file"
	opListBuckets   = "b2_list_buckets"
	opListFileNames = "b2_list_file_names"

	// B2 caps maxFileCount per page at 1000 for a single transaction.
	maxFileCountPerPage = 1000
)

type Client struct {
	endpoint string
	api      *http.Client
	upload   *http.Client
	logger   logrus.FieldLogger
}

// NewClient builds a client from the "b2" config section. cfg may be nil, in
// which case every setting takes its default. Timeouts of zero or less fall
// back to the defaults so no request can hang forever.
func NewClient(logger logrus.FieldLogger, cfg *viper.Viper) *Client {
	if cfg == nil {
		cfg = viper.New()
	}
	cfg.SetDefault("endpoint", DefaultEndpoint)
	cfg.SetDefault("api-timeout", DefaultAPITimeout)
	cfg.SetDefault("upload-timeout", DefaultUploadTimeout)

	apiTimeout := cfg.GetDuration("api-timeout")
	if apiTimeout <= 0 {
		apiTimeout = DefaultAPITimeout
	}
	uploadTimeout := cfg.GetDuration("upload-timeout")
	if uploadTimeout <= 0 {
		uploadTimeout = DefaultUploadTimeout
	}
	if logger == nil {
		l := logrus.New()
		l.Out = ioutil.Discard
		logger = l
	}

	return &Client{
		endpoint: strings.TrimRight(cfg.GetString("endpoint"), "/"),
		api:      &http.Client{Timeout: apiTimeout},
		upload:   &http.Client{Timeout: uploadTimeout},
		logger:   logger,
	}
}

// Authorize exchanges account credentials for a Session.
func (c *Client) Authorize(ctx context.Context, creds Credentials) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+apiPrefix+opAuthorize, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to build authorize request")
	}
	req.SetBasicAuth(creds.AccountID, creds.ApplicationKey)

	var session Session
	if err := c.do(c.api, opAuthorize, req, &session); err != nil {
		return nil, err
	}
	if session.AuthorizationToken == "" || session.APIURL == "" {
		return nil, errors.Wrap(ErrMalformedResponse, "authorize response is missing the token or apiUrl")
	}
	c.logger.WithField("account", session.AccountID).Debug("authorized")
	return &session, nil
}

// GetUploadURL leases an upload URL for bucketID.
func (c *Client) GetUploadURL(ctx context.Context, session *Session, bucketID string) (*UploadLease, error) {
	if session == nil {
		return nil, errors.New("GetUploadURL requires a session")
	}
	var lease UploadLease
	body := map[string]string{"bucketId": bucketID}
	if err := c.post(ctx, session, opGetUploadURL, body, &lease); err != nil {
		return nil, err
	}
	if lease.UploadURL == "" || lease.AuthorizationToken == "" {
		return nil, errors.Wrap(ErrMalformedResponse, "upload url response is missing the url or token")
	}
	if lease.BucketID == "" {
		lease.BucketID = bucketID
	}
	return &lease, nil
}

// UploadFile sends one whole file to the leased upload URL.
func (c *Client) UploadFile(ctx context.Context, lease *UploadLease, up UploadRequest) (*UploadResult, error) {
	if lease == nil {
		return nil, errors.New("UploadFile requires an upload lease")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lease.UploadURL, up.Body)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to build upload request")
	}
	contentType := up.ContentType
	if contentType == "" {
		contentType = AutoContentType
	}
	req.ContentLength = up.ContentLength
	req.Header.Set("Authorization", lease.AuthorizationToken)
	req.Header.Set("X-Bz-File-Name", EncodeFileName(up.FileName))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Bz-Content-Sha1", up.ContentSHA1)

	var result UploadResult
	if err := c.do(c.upload, opUpload, req, &result); err != nil {
		return nil, err
	}
	if result.FileID == "" {
		return nil, errors.Wrap(ErrMalformedResponse, "upload response is missing fileId")
	}
	return &result, nil
}

// ListBuckets returns every bucket visible to the session's account.
func (c *Client) ListBuckets(ctx context.Context, session *Session) ([]Bucket, error) {
	if session == nil {
		return nil, errors.New("ListBuckets requires a session")
	}
	var out struct {
		Buckets []Bucket `json:"buckets"`
	}
	body := map[string]string{"accountId": session.AccountID}
	if err := c.post(ctx, session, opListBuckets, body, &out); err != nil {
		return nil, err
	}
	return out.Buckets, nil
}

// ListFileNames lists files in bucketID whose names start with prefix, in
// name order, following nextFileName until the listing ends or max entries
// have been collected (max <= 0 means no limit).
func (c *Client) ListFileNames(ctx context.Context, session *Session, bucketID, prefix string, max int) ([]FileInfo, error) {
	if session == nil {
		return nil, errors.New("ListFileNames requires a session")
	}
	var files []FileInfo
	var start *string
	for {
		count := maxFileCountPerPage
		if max > 0 && max-len(files) < count {
			count = max - len(files)
		}
		body := map[string]interface{}{
			"bucketId":     bucketID,
			"maxFileCount": count,
		}
		if prefix != "" {
			body["prefix"] = prefix
		}
		if start != nil {
			body["startFileName"] = *start
		}

		var page struct {
			Files        []FileInfo `json:"files"`
			NextFileName *string    `json:"nextFileName"`
		}
		if err := c.post(ctx, session, opListFileNames, body, &page); err != nil {
			return nil, err
		}
		files = append(files, page.Files...)
		if page.NextFileName == nil || (max > 0 && len(files) >= max) {
			return files, nil
		}
		start = page.NextFileName
	}
}

func (c *Client) post(ctx context.Context, session *Session, op string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "Failed to encode %s request", op)
	}
	u := strings.TrimRight(session.APIURL, "/") + apiPrefix + op
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "Failed to build %s request", op)
	}
	req.Header.Set("Authorization", session.AuthorizationToken)
	req.Header.Set("Content-Type", "application/json")
	return c.do(c.api, op, req, out)
}

// do performs req and decodes a 2xx JSON body into out. The response body is
// closed on every path once Do has returned one.
func (c *Client) do(hc *http.Client, op string, req *http.Request, out interface{}) error {
	resp, err := hc.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if err == io.EOF {
			return errors.Wrapf(ErrMalformedResponse, "%s: empty body", op)
		}
		return errors.Wrapf(ErrMalformedResponse, "%s: %v", op, err)
	}
	return nil
}

func readAPIError(op string, resp *http.Response) error {
	apiErr := &APIError{
		Op:      op,
		Status:  resp.StatusCode,
		Code:    strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_")),
		Message: resp.Status,
	}
	var body struct {
		Status  int    `json:"status"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	raw, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Code != "" {
			apiErr.Code = body.Code
		}
		if body.Message != "" {
			apiErr.Message = body.Message
		}
	} else if msg := strings.TrimSpace(string(raw)); msg != "" {
		apiErr.Message = msg
	}
	return apiErr
}

// EncodeFileName percent-encodes a file name for the X-Bz-File-Name header.
// B2 decodes the header with form rules, so everything but unreserved
// characters is escaped; '+' in particular would otherwise arrive as a space.
// Slashes are kept so keys still read as paths.
func EncodeFileName(name string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isUnreserved(c) || c == '/' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return c == '-' || c == '.' || c == '_' || c == '~'
}
