package gbatch

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/api/batch/v1"
	"google.golang.org/api/googleapi"
)

// batchAPI is the narrow slice of the Cloud Batch surface the executor
// touches, separated so tests can script it.
type batchAPI interface {
	CreateJob(ctx context.Context, parent, jobID string, job *batch.Job) (*batch.Job, error)
	GetJob(ctx context.Context, name string) (*batch.Job, error)
	GetTask(ctx context.Context, name string) (*batch.Task, error)
	DeleteJob(ctx context.Context, name string) error
}

// serviceAPI adapts the generated Cloud Batch client.
type serviceAPI struct {
	svc *batch.Service
}

var _ batchAPI = (*serviceAPI)(nil)

func (s *serviceAPI) CreateJob(ctx context.Context, parent, jobID string, job *batch.Job) (*batch.Job, error) {
	return s.svc.Projects.Locations.Jobs.Create(parent, job).JobId(jobID).Context(ctx).Do()
}

func (s *serviceAPI) GetJob(ctx context.Context, name string) (*batch.Job, error) {
	return s.svc.Projects.Locations.Jobs.Get(name).Context(ctx).Do()
}

func (s *serviceAPI) GetTask(ctx context.Context, name string) (*batch.Task, error) {
	return s.svc.Projects.Locations.Jobs.TaskGroups.Tasks.Get(name).Context(ctx).Do()
}

func (s *serviceAPI) DeleteJob(ctx context.Context, name string) error {
	_, err := s.svc.Projects.Locations.Jobs.Delete(name).Context(ctx).Do()
	return err
}

// retryableAPIError reports whether a Batch API failure is worth retrying:
// rate limiting and server-side trouble, never client mistakes.
func retryableAPIError(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// notFoundAPIError reports whether an error is a clean 404, used to detect
// array children whose per-index status is not yet, or no longer, available.
func notFoundAPIError(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
