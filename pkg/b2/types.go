package b2

import (
	"fmt"
	"io"
)

// Credentials identify a B2 account. The application key is never printed.
type Credentials struct {
	AccountID      string
	ApplicationKey string
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{AccountID: %q, ApplicationKey: <redacted>}", c.AccountID)
}

// Empty reports whether either half of the pair is missing.
func (c Credentials) Empty() bool {
	return c.AccountID == "" || c.ApplicationKey == ""
}

// Session is the account-level authorization returned by b2_authorize_account.
// It is only ever replaced, never modified.
type Session struct {
	AccountID               string `json:"accountId"`
	AuthorizationToken      string `json:"authorizationToken"`
	APIURL                  string `json:"apiUrl"`
	DownloadURL             string `json:"downloadUrl"`
	RecommendedPartSize     int64  `json:"recommendedPartSize"`
	AbsoluteMinimumPartSize int64  `json:"absoluteMinimumPartSize"`
}

// UploadLease is a bucket-scoped upload URL and the token that goes with it.
type UploadLease struct {
	BucketID           string `json:"bucketId"`
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

// UploadRequest describes one upload. Body must yield exactly ContentLength
// bytes whose SHA-1 is ContentSHA1.
type UploadRequest struct {
	FileName      string
	ContentType   string
	ContentLength int64
	ContentSHA1   string
	Body          io.Reader
}

// UploadResult is the provider's record of a stored file.
type UploadResult struct {
	FileID          string            `json:"fileId"`
	FileName        string            `json:"fileName"`
	AccountID       string            `json:"accountId"`
	BucketID        string            `json:"bucketId"`
	ContentLength   int64             `json:"contentLength"`
	ContentSHA1     string            `json:"contentSha1"`
	ContentType     string            `json:"contentType"`
	FileInfo        map[string]string `json:"fileInfo"`
	UploadTimestamp int64             `json:"uploadTimestamp"`
}

type Bucket struct {
	AccountID  string `json:"accountId"`
	BucketID   string `json:"bucketId"`
	BucketName string `json:"bucketName"`
	BucketType string `json:"bucketType"`
}

// FileInfo is one entry of b2_list_file_names.
type FileInfo struct {
	FileID          string `json:"fileId"`
	FileName        string `json:"fileName"`
	ContentLength   int64  `json:"contentLength"`
	ContentSHA1     string `json:"contentSha1"`
	ContentType     string `json:"contentType"`
	Action          string `json:"action"`
	UploadTimestamp int64  `json:"uploadTimestamp"`
}
