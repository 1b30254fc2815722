// Handlers for every request the dispatcher recognizes. Each one validates
// its body with the contract package first, so a malformed payload always
// surfaces as contract.ErrInvalidPayload.
package handlers

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/b2publish/b2plugin/pkg/b2"
	"github.com/b2publish/b2plugin/pkg/contract"
	"github.com/b2publish/b2plugin/pkg/dispatch"
	"github.com/b2publish/b2plugin/pkg/plugin"
	"github.com/b2publish/b2plugin/pkg/uploader"
)

// API is everything the handlers need from the storage client.
type API interface {
	uploader.API
	ListFileNames(ctx context.Context, session *b2.Session, bucketID, prefix string, max int) ([]b2.FileInfo, error)
}

var _ API = (*b2.Client)(nil)

// Deps are shared by every handler the factory builds.
type Deps struct {
	API API
	// Credentials are used when a request body carries none.
	Credentials b2.Credentials
	Upload      uploader.Config
	// Revisions overrides the native b2_list_file_names lister when set.
	Revisions plugin.RevisionLister
	Schema    plugin.SchemaProvider
	Logger    logrus.FieldLogger
}

type constructor func(Deps) dispatch.Handler

var table = map[dispatch.RequestName]constructor{
	dispatch.CheckConnection:       newCheckConnection,
	dispatch.GetConfiguration:      newGetConfiguration,
	dispatch.GetView:               newGetView,
	dispatch.ValidateConfiguration: newValidateConfiguration,
	dispatch.LatestRevision:        newLatestRevision,
	dispatch.LatestRevisionSince:   newLatestRevisionSince,
	dispatch.PublishArtifact:       newPublishArtifact,
}

type Factory struct {
	deps Deps
}

func NewFactory(deps Deps) *Factory {
	if deps.Logger == nil {
		l := logrus.New()
		l.Out = ioutil.Discard
		deps.Logger = l
	}
	if deps.Schema == nil {
		deps.Schema = plugin.DefaultSchema
	}
	return &Factory{deps: deps}
}

func (f *Factory) Handler(name dispatch.RequestName) (dispatch.Handler, error) {
	ctor, ok := table[name]
	if !ok {
		return nil, errors.Wrapf(dispatch.ErrUnrecognizedRequest, "%s", name)
	}
	return ctor(f.deps), nil
}

// optionalString reads a string field, treating absence as "".
func optionalString(body []byte, key string) (string, error) {
	s, err := contract.GetString(body, key)
	if errors.Is(err, contract.ErrFieldNotFound) {
		return "", nil
	}
	return s, err
}

// credentials prefers the pair in the body over the configured default.
func credentials(body []byte, fallback b2.Credentials) (b2.Credentials, error) {
	id, err := optionalString(body, "account_id")
	if err != nil {
		return b2.Credentials{}, err
	}
	key, err := optionalString(body, "application_key")
	if err != nil {
		return b2.Credentials{}, err
	}
	if id == "" && key == "" {
		return fallback, nil
	}
	return b2.Credentials{AccountID: id, ApplicationKey: key}, nil
}

// requireBody checks body is a JSON object holding every key in required.
func requireBody(body []byte, required ...string) error {
	if err := contract.RequireObject(body); err != nil {
		return err
	}
	missing, err := contract.Validate(body, required...)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return errors.Wrapf(contract.ErrInvalidPayload, "missing required fields %v", missing)
	}
	return nil
}

func (d Deps) revisions(creds b2.Credentials) plugin.RevisionLister {
	if d.Revisions != nil {
		return d.Revisions
	}
	return &NativeRevisions{API: d.API, Credentials: creds}
}

// get-configuration

type getConfiguration struct {
	schema plugin.SchemaProvider
}

func newGetConfiguration(d Deps) dispatch.Handler {
	return &getConfiguration{schema: d.Schema}
}

type fieldView struct {
	DisplayName  string `json:"display-name"`
	DefaultValue string `json:"default-value"`
	Required     bool   `json:"required"`
	Secure       bool   `json:"secure"`
	DisplayOrder string `json:"display-order"`
}

func (h *getConfiguration) Handle(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	out := map[string]fieldView{}
	for _, f := range h.schema.Fields() {
		out[f.Key] = fieldView{
			DisplayName:  f.DisplayName,
			DefaultValue: f.DefaultValue,
			Required:     f.Required,
			Secure:       f.Secure,
			DisplayOrder: strconv.Itoa(f.DisplayOrder),
		}
	}
	return dispatch.Success(out)
}

// get-view

const viewTemplate = `<div class="form_item_block">
  <label>Account ID:<span class="asterisk">*</span></label>
  <input type="text" ng-model="account_id" ng-required="true"/>
  <label>Application Key:<span class="asterisk">*</span></label>
  <input type="password" ng-model="application_key" ng-required="true"/>
  <label>Bucket ID:<span class="asterisk">*</span></label>
  <input type="text" ng-model="bucket_id" ng-required="true"/>
  <label>Destination Prefix:</label>
  <input type="text" ng-model="destination_prefix"/>
  <label>Source Files:<span class="asterisk">*</span></label>
  <input type="text" ng-model="source" ng-required="true"/>
</div>`

type getView struct{}

func newGetView(Deps) dispatch.Handler { return getView{} }

func (getView) Handle(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	return dispatch.Success(map[string]string{
		"displayValue": "B2 Publish",
		"template":     viewTemplate,
	})
}

// validate-configuration

type validateConfiguration struct {
	schema plugin.SchemaProvider
}

func newValidateConfiguration(d Deps) dispatch.Handler {
	return &validateConfiguration{schema: d.Schema}
}

type fieldError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

func (h *validateConfiguration) Handle(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	if err := contract.RequireObject(req.Body); err != nil {
		return dispatch.Response{}, err
	}
	required := plugin.Required(h.schema)
	missing, err := contract.Validate(req.Body, required...)
	if err != nil {
		return dispatch.Response{}, err
	}
	absent := map[string]bool{}
	for _, k := range missing {
		absent[k] = true
	}

	errs := []fieldError{}
	for _, f := range h.schema.Fields() {
		if !f.Required {
			continue
		}
		if !absent[f.Key] {
			v, err := contract.GetString(req.Body, f.Key)
			if err != nil {
				return dispatch.Response{}, err
			}
			if v != "" {
				continue
			}
		}
		errs = append(errs, fieldError{Key: f.Key, Message: f.DisplayName + " must not be empty"})
	}
	return dispatch.Success(errs)
}

// check-connection

type checkConnection struct {
	api    API
	creds  b2.Credentials
	logger logrus.FieldLogger
}

func newCheckConnection(d Deps) dispatch.Handler {
	return &checkConnection{api: d.API, creds: d.Credentials, logger: d.Logger.WithField("handler", "check-connection")}
}

type connectionStatus struct {
	Status   string   `json:"status"`
	Messages []string `json:"messages"`
}

func failure(msg string) (dispatch.Response, error) {
	return dispatch.Success(connectionStatus{Status: "failure", Messages: []string{msg}})
}

func (h *checkConnection) Handle(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	if err := requireBody(req.Body); err != nil {
		return dispatch.Response{}, err
	}
	creds, err := credentials(req.Body, h.creds)
	if err != nil {
		return dispatch.Response{}, err
	}
	bucketID, err := optionalString(req.Body, "bucket_id")
	if err != nil {
		return dispatch.Response{}, err
	}
	if creds.Empty() {
		return failure("account_id and application_key are required")
	}

	session, err := h.api.Authorize(ctx, creds)
	if err != nil {
		h.logger.WithError(err).Warn("authorization failed")
		return failure(err.Error())
	}
	messages := []string{"Authorized B2 account " + session.AccountID}
	if bucketID != "" {
		if _, err := h.api.GetUploadURL(ctx, session, bucketID); err != nil {
			h.logger.WithError(err).Warn("could not obtain upload url")
			return failure(err.Error())
		}
		messages = append(messages, "Bucket "+bucketID+" accepts uploads")
	}
	return dispatch.Success(connectionStatus{Status: "success", Messages: messages})
}

// latest-revision and latest-revision-since

type latestRevision struct {
	deps  Deps
	since bool
}

func newLatestRevision(d Deps) dispatch.Handler      { return &latestRevision{deps: d} }
func newLatestRevisionSince(d Deps) dispatch.Handler { return &latestRevision{deps: d, since: true} }

func (h *latestRevision) Handle(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	var previous *plugin.Revision
	if h.since {
		if err := requireBody(req.Body, "previous-revision"); err != nil {
			return dispatch.Response{}, err
		}
		var body struct {
			Previous *plugin.Revision `json:"previous-revision"`
		}
		if err := contract.FromJSON(req.Body, &body); err != nil {
			return dispatch.Response{}, err
		}
		if body.Previous == nil {
			return dispatch.Response{}, errors.Wrap(contract.ErrInvalidPayload, "previous-revision is null")
		}
		previous = body.Previous
	} else if err := requireBody(req.Body); err != nil {
		return dispatch.Response{}, err
	}

	bucket, err := optionalString(req.Body, "bucket_id")
	if err != nil {
		return dispatch.Response{}, err
	}
	if bucket == "" {
		if bucket, err = optionalString(req.Body, "bucket_name"); err != nil {
			return dispatch.Response{}, err
		}
	}
	if bucket == "" {
		return dispatch.Response{}, errors.Wrap(contract.ErrInvalidPayload, "bucket_id or bucket_name is required")
	}
	prefix, err := optionalString(req.Body, "prefix")
	if err != nil {
		return dispatch.Response{}, err
	}
	creds, err := credentials(req.Body, h.deps.Credentials)
	if err != nil {
		return dispatch.Response{}, err
	}

	rev, err := h.deps.revisions(creds).LatestRevision(ctx, bucket, prefix)
	if err != nil {
		return dispatch.Response{}, errors.Wrap(err, "Failed to look up latest revision")
	}
	if rev == nil || (previous != nil && !rev.Timestamp.After(previous.Timestamp.Time)) {
		return dispatch.Response{Status: dispatch.StatusSuccess, Body: json.RawMessage("{}")}, nil
	}
	return dispatch.Success(rev)
}
