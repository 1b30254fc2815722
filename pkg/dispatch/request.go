package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
)

// RequestName is one of the verbs the host may send.
type RequestName string

const (
	CheckConnection       RequestName = "check-connection"
	GetConfiguration      RequestName = "get-configuration"
	GetView               RequestName = "get-view"
	ValidateConfiguration RequestName = "validate-configuration"
	LatestRevision        RequestName = "latest-revision"
	LatestRevisionSince   RequestName = "latest-revision-since"
	PublishArtifact       RequestName = "publish-artifact"
)

// RequestNames lists every recognized request, in a stable order.
var RequestNames = []RequestName{
	CheckConnection,
	GetConfiguration,
	GetView,
	ValidateConfiguration,
	LatestRevision,
	LatestRevisionSince,
	PublishArtifact,
}

// ParseRequestName maps a wire name onto the closed set.
func ParseRequestName(s string) (RequestName, bool) {
	for _, n := range RequestNames {
		if string(n) == s {
			return n, true
		}
	}
	return "", false
}

// Request is an inbound host call. Body is passed to the handler untouched.
type Request struct {
	Name string
	Body []byte
}

// Status is the response category sent back to the host.
type Status int

const (
	StatusSuccess       Status = http.StatusOK
	StatusBadRequest    Status = http.StatusBadRequest
	StatusInternalError Status = http.StatusInternalServerError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusBadRequest:
		return "bad-request"
	case StatusInternalError:
		return "internal-error"
	}
	return http.StatusText(int(s))
}

type Response struct {
	Status Status
	Body   json.RawMessage
}

// Envelope is how a Response is written to the host.
type Envelope struct {
	StatusCode   int             `json:"statusCode"`
	ResponseBody json.RawMessage `json:"responseBody"`
}

func (r Response) Envelope() Envelope {
	body := r.Body
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	return Envelope{StatusCode: int(r.Status), ResponseBody: body}
}

// Success wraps v as a StatusSuccess response.
func Success(v interface{}) (Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: StatusSuccess, Body: b}, nil
}

func message(status Status, msg string) Response {
	b, _ := json.Marshal(map[string]string{"message": msg})
	return Response{Status: status, Body: b}
}

// Handler answers one kind of request.
type Handler interface {
	Handle(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Factory resolves a request name to a handler. It returns an error wrapping
// ErrUnrecognizedRequest for names it has no handler for.
type Factory interface {
	Handler(name RequestName) (Handler, error)
}

// Identity is the static descriptor the host reads before sending requests.
type Identity struct {
	ExtensionName     string   `json:"extensionName"`
	SupportedVersions []string `json:"supportedVersions"`
}

var (
	TaskIdentity              = Identity{ExtensionName: "task", SupportedVersions: []string{"1.0"}}
	PackageRepositoryIdentity = Identity{ExtensionName: "package-repository", SupportedVersions: []string{"1.0"}}
)

// LookupIdentity returns the descriptor for an extension name.
func LookupIdentity(extension string) (Identity, bool) {
	switch extension {
	case TaskIdentity.ExtensionName:
		return TaskIdentity, true
	case PackageRepositoryIdentity.ExtensionName:
		return PackageRepositoryIdentity, true
	}
	return Identity{}, false
}
