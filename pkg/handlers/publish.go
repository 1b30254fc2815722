package handlers

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/b2publish/b2plugin/pkg/contract"
	"github.com/b2publish/b2plugin/pkg/dispatch"
	"github.com/b2publish/b2plugin/pkg/plugin"
	"github.com/b2publish/b2plugin/pkg/uploader"
)

type publishArtifact struct {
	deps   Deps
	logger logrus.FieldLogger
}

func newPublishArtifact(d Deps) dispatch.Handler {
	return &publishArtifact{deps: d, logger: d.Logger.WithField("handler", "publish-artifact")}
}

type publishRequest struct {
	Artifacts        []plugin.Artifact `json:"artifacts"`
	WorkingDirectory string            `json:"working_directory"`
}

type fileStatus struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Status      string `json:"status"`
	FileID      string `json:"file_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

type publishResult struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Files   []fileStatus `json:"files"`
}

func (h *publishArtifact) Handle(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	if err := requireBody(req.Body, "bucket_id", "artifacts"); err != nil {
		return dispatch.Response{}, err
	}
	var body publishRequest
	if err := contract.FromJSON(req.Body, &body); err != nil {
		return dispatch.Response{}, err
	}
	bucketID, err := contract.GetString(req.Body, "bucket_id")
	if err != nil {
		return dispatch.Response{}, err
	}
	if bucketID == "" {
		return dispatch.Response{}, errors.Wrap(contract.ErrInvalidPayload, "bucket_id must not be empty")
	}
	prefix, err := optionalString(req.Body, "destination_prefix")
	if err != nil {
		return dispatch.Response{}, err
	}
	creds, err := credentials(req.Body, h.deps.Credentials)
	if err != nil {
		return dispatch.Response{}, err
	}
	if creds.Empty() {
		return dispatch.Success(publishResult{Message: "account_id and application_key are required", Files: []fileStatus{}})
	}

	set := &plugin.ArtifactSet{WorkingDir: body.WorkingDirectory, Prefix: prefix, Artifacts: body.Artifacts}
	defer func() {
		if err := set.Close(); err != nil {
			h.logger.WithError(err).Warn("failed to remove staged archives")
		}
	}()
	pairs, err := set.List()
	if err != nil {
		h.logger.WithError(err).Error("cannot collect artifacts")
		return dispatch.Success(publishResult{Message: err.Error(), Files: []fileStatus{}})
	}

	tasks := make([]uploader.Task, len(pairs))
	for i, p := range pairs {
		tasks[i] = uploader.Task{LocalPath: p.LocalPath, DestinationKey: p.DestinationKey, BucketID: bucketID}
	}

	report, err := uploader.New(h.deps.API, creds, h.deps.Upload, h.logger).Upload(ctx, tasks)
	if err != nil {
		if errors.Is(err, uploader.ErrCredentials) {
			return dispatch.Success(publishResult{Message: err.Error(), Files: []fileStatus{}})
		}
		return dispatch.Response{}, err
	}

	result := publishResult{Success: report.Err() == nil, Files: make([]fileStatus, len(report.Outcomes))}
	for i, o := range report.Outcomes {
		fs := fileStatus{Source: o.Task.LocalPath, Destination: o.Task.DestinationKey, Status: string(o.State)}
		if o.Result != nil {
			fs.FileID = o.Result.FileID
		}
		if o.Err != nil {
			fs.Error = o.Err.Error()
		}
		result.Files[i] = fs
	}
	if result.Success {
		result.Message = "Published " + pluralFiles(len(tasks)) + " to bucket " + bucketID
	} else {
		result.Message = report.Err().Error()
	}
	return dispatch.Success(result)
}

func pluralFiles(n int) string {
	if n == 1 {
		return "1 file"
	}
	return strconv.Itoa(n) + " files"
}
