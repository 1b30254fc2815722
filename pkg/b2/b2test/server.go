// Package b2test provides an in-process fake of the parts of the B2 native API
// the plugin talks to, for use in tests.
package b2test

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Failure is an error B2 should answer with instead of serving a request.
type Failure struct {
	Status  int
	Code    string
	Message string
}

// StoredFile is an uploaded file as the fake keeps it.
type StoredFile struct {
	FileID          string
	FileName        string
	BucketID        string
	ContentSHA1     string
	ContentType     string
	Data            []byte
	UploadTimestamp int64
}

type Server struct {
	*httptest.Server

	AccountID      string
	ApplicationKey string

	mu             sync.Mutex
	buckets        map[string]string
	files          map[string][]StoredFile
	sessionTokens  map[string]bool
	uploadTokens   map[string]string
	nextID         int
	clock          int64
	uploadFailures []Failure
	authFailures   []Failure
	corruptSHA1    int

	Authorizations int
	UploadURLs     int
	Uploads        int
}

// NewServer starts a fake with one account and the given buckets (id → name).
func NewServer(accountID, applicationKey string, buckets map[string]string) *Server {
	s := &Server{
		AccountID:      accountID,
		ApplicationKey: applicationKey,
		buckets:        map[string]string{},
		files:          map[string][]StoredFile{},
		sessionTokens:  map[string]bool{},
		uploadTokens:   map[string]string{},
		clock:          1600000000000,
	}
	for id, name := range buckets {
		s.buckets[id] = name
	}

	r := chi.NewRouter()
	r.Get("/b2api/v1/b2_authorize_account", s.authorize)
	r.Post("/b2api/v1/b2_get_upload_url", s.getUploadURL)
	r.Post("/b2api/v1/b2_list_buckets", s.listBuckets)
	r.Post("/b2api/v1/b2_list_file_names", s.listFileNames)
	r.Post("/upload/{bucketID}/{n}", s.upload)
	s.Server = httptest.NewServer(r)
	return s
}

// ExpireSessions invalidates every account token handed out so far.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionTokens = map[string]bool{}
}

// ExpireUploadURLs invalidates every upload token handed out so far.
func (s *Server) ExpireUploadURLs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadTokens = map[string]string{}
}

// FailUploads queues failures answered by the next uploads, in order.
func (s *Server) FailUploads(f ...Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadFailures = append(s.uploadFailures, f...)
}

// FailAuthorizations queues failures answered by the next authorize calls.
func (s *Server) FailAuthorizations(f ...Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFailures = append(s.authFailures, f...)
}

// CorruptChecksums makes the next n successful uploads report a wrong SHA-1.
func (s *Server) CorruptChecksums(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corruptSHA1 += n
}

// AddFile stores a file directly, bypassing the upload flow.
func (s *Server) AddFile(bucketID, name string, data []byte, uploadTimestamp int64) StoredFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := sha1.Sum(data)
	f := StoredFile{
		FileID:          s.newIDLocked("file"),
		FileName:        name,
		BucketID:        bucketID,
		ContentSHA1:     hex.EncodeToString(sum[:]),
		Data:            append([]byte(nil), data...),
		UploadTimestamp: uploadTimestamp,
	}
	s.files[bucketID] = append(s.files[bucketID], f)
	return f
}

// Files returns the latest version of every file in a bucket, sorted by name.
func (s *Server) Files(bucketID string) []StoredFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestLocked(bucketID)
}

func (s *Server) latestLocked(bucketID string) []StoredFile {
	latest := map[string]StoredFile{}
	for _, f := range s.files[bucketID] {
		latest[f.FileName] = f
	}
	out := make([]StoredFile, 0, len(latest))
	for _, f := range latest {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out
}

func (s *Server) newIDLocked(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, f Failure) {
	writeJSON(w, f.Status, map[string]interface{}{
		"status":  f.Status,
		"code":    f.Code,
		"message": f.Message,
	})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Authorizations++

	if len(s.authFailures) > 0 {
		f := s.authFailures[0]
		s.authFailures = s.authFailures[1:]
		writeFailure(w, f)
		return
	}

	const prefix = "Basic "
	header := r.Header.Get("Authorization")
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if !strings.HasPrefix(header, prefix) || err != nil || string(decoded) != s.AccountID+":"+s.ApplicationKey {
		writeFailure(w, Failure{http.StatusUnauthorized, "unauthorized", "invalid application key"})
		return
	}

	token := s.newIDLocked("session")
	s.sessionTokens[token] = true
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accountId":               s.AccountID,
		"authorizationToken":      token,
		"apiUrl":                  s.URL,
		"downloadUrl":             s.URL,
		"recommendedPartSize":     100000000,
		"absoluteMinimumPartSize": 5000000,
	})
}

// checkSessionLocked answers 401 and returns false unless the request carries
// a live account token.
func (s *Server) checkSessionLocked(w http.ResponseWriter, r *http.Request) bool {
	if !s.sessionTokens[r.Header.Get("Authorization")] {
		writeFailure(w, Failure{http.StatusUnauthorized, "expired_auth_token", "authorization token has expired"})
		return false
	}
	return true
}

func (s *Server) getUploadURL(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UploadURLs++
	if !s.checkSessionLocked(w, r) {
		return
	}

	var body struct {
		BucketID string `json:"bucketId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFailure(w, Failure{http.StatusBadRequest, "bad_json", err.Error()})
		return
	}
	if _, ok := s.buckets[body.BucketID]; !ok {
		writeFailure(w, Failure{http.StatusBadRequest, "bad_bucket_id", "invalid bucketId: " + body.BucketID})
		return
	}

	token := s.newIDLocked("upload")
	s.uploadTokens[token] = body.BucketID
	writeJSON(w, http.StatusOK, map[string]string{
		"bucketId":           body.BucketID,
		"uploadUrl":          fmt.Sprintf("%s/upload/%s/%d", s.URL, body.BucketID, s.nextID),
		"authorizationToken": token,
	})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	data, readErr := ioutil.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Uploads++

	if len(s.uploadFailures) > 0 {
		f := s.uploadFailures[0]
		s.uploadFailures = s.uploadFailures[1:]
		writeFailure(w, f)
		return
	}
	if readErr != nil {
		writeFailure(w, Failure{http.StatusBadRequest, "bad_request", readErr.Error()})
		return
	}
	if r.ContentLength != int64(len(data)) {
		writeFailure(w, Failure{http.StatusBadRequest, "bad_request", "missing or wrong Content-Length"})
		return
	}

	bucketID := chi.URLParam(r, "bucketID")
	if owner, ok := s.uploadTokens[r.Header.Get("Authorization")]; !ok || owner != bucketID {
		writeFailure(w, Failure{http.StatusUnauthorized, "expired_auth_token", "upload token has expired"})
		return
	}

	// B2 applies form decoding, so a bare '+' is a space.
	name, err := url.QueryUnescape(r.Header.Get("X-Bz-File-Name"))
	if err != nil || name == "" {
		writeFailure(w, Failure{http.StatusBadRequest, "bad_request", "invalid X-Bz-File-Name"})
		return
	}
	sum := sha1.Sum(data)
	got := hex.EncodeToString(sum[:])
	if want := r.Header.Get("X-Bz-Content-Sha1"); want != got {
		writeFailure(w, Failure{http.StatusBadRequest, "bad_request", "checksum did not match data received"})
		return
	}

	s.clock++
	f := StoredFile{
		FileID:          s.newIDLocked("file"),
		FileName:        name,
		BucketID:        bucketID,
		ContentSHA1:     got,
		ContentType:     r.Header.Get("Content-Type"),
		Data:            data,
		UploadTimestamp: s.clock,
	}
	s.files[bucketID] = append(s.files[bucketID], f)

	reported := got
	if s.corruptSHA1 > 0 {
		s.corruptSHA1--
		reported = strings.Repeat("0", len(got))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fileId":          f.FileID,
		"fileName":        f.FileName,
		"accountId":       s.AccountID,
		"bucketId":        bucketID,
		"contentLength":   len(data),
		"contentSha1":     reported,
		"contentType":     f.ContentType,
		"fileInfo":        map[string]string{},
		"uploadTimestamp": f.UploadTimestamp,
	})
}

func (s *Server) listBuckets(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkSessionLocked(w, r) {
		return
	}

	ids := make([]string, 0, len(s.buckets))
	for id := range s.buckets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	buckets := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		buckets = append(buckets, map[string]string{
			"accountId":  s.AccountID,
			"bucketId":   id,
			"bucketName": s.buckets[id],
			"bucketType": "allPrivate",
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buckets": buckets})
}

func (s *Server) listFileNames(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkSessionLocked(w, r) {
		return
	}

	var body struct {
		BucketID      string `json:"bucketId"`
		Prefix        string `json:"prefix"`
		StartFileName string `json:"startFileName"`
		MaxFileCount  int    `json:"maxFileCount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFailure(w, Failure{http.StatusBadRequest, "bad_json", err.Error()})
		return
	}
	if _, ok := s.buckets[body.BucketID]; !ok {
		writeFailure(w, Failure{http.StatusBadRequest, "bad_bucket_id", "invalid bucketId: " + body.BucketID})
		return
	}
	if body.MaxFileCount <= 0 {
		body.MaxFileCount = 100
	}

	var page []map[string]interface{}
	var next interface{}
	for _, f := range s.latestLocked(body.BucketID) {
		if !strings.HasPrefix(f.FileName, body.Prefix) || f.FileName < body.StartFileName {
			continue
		}
		if len(page) == body.MaxFileCount {
			next = f.FileName
			break
		}
		page = append(page, map[string]interface{}{
			"fileId":          f.FileID,
			"fileName":        f.FileName,
			"contentLength":   len(f.Data),
			"contentSha1":     f.ContentSHA1,
			"contentType":     f.ContentType,
			"action":          "upload",
			"uploadTimestamp": f.UploadTimestamp,
		})
	}
	if page == nil {
		page = []map[string]interface{}{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": page, "nextFileName": next})
}
