package worker

import (
	"context"
	"fmt"

	"github.com/onboarding-workflow/internal/logging"
	"github.com/onboarding-workflow/internal/models"
	"github.com/onboarding-workflow/internal/queue"
	"github.com/onboarding-workflow/internal/upload"
)

// RecordStore is the part of the import record repository the workers use
type RecordStore interface {
	GetWithDaoBot(ctx context.Context, id string) (*models.GithubWithDaoBot, error)
	SetObjects(ctx context.Context, id string, objects int) error
}

// ObjectCounter counts the git objects of a source repository
type ObjectCounter interface {
	Count(ctx context.Context, sourceURL string) (int, error)
}

// Enqueuer submits jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload interface{}, opts queue.Options) (*queue.Handle, error)
}

// ObjectCountConfig configures the count-git-objects handler
type ObjectCountConfig struct {
	GitBaseURL string
	Thresholds upload.Thresholds
	// Retries is the retry budget of the bucketed repository job.
	Retries int
}

// CountGitObjects counts the objects of the record's source repository, stores
// the count and hands the record to the repository queue of its size bucket.
// A count stored by an earlier attempt is reused.
func CountGitObjects(records RecordStore, counter ObjectCounter, q Enqueuer, cfg ObjectCountConfig) queue.Handler {
	if cfg.Thresholds == (upload.Thresholds{}) {
		cfg.Thresholds = upload.DefaultThresholds
	}
	return func(ctx context.Context, job *queue.Job) error {
		var p GithubPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		if p.GithubID == "" {
			return fmt.Errorf("count-git-objects job %s has no github id", job.ID)
		}

		record, err := records.GetWithDaoBot(ctx, p.GithubID)
		if err != nil {
			return err
		}

		var objects int
		if record.Objects != nil {
			objects = *record.Objects
		} else {
			objects, err = counter.Count(ctx, upload.SourceURL(cfg.GitBaseURL, record.GithubURL))
			if err != nil {
				return fmt.Errorf("failed to count objects of %s: %w", record.GithubURL, err)
			}
			if err := records.SetObjects(ctx, record.ID, objects); err != nil {
				return err
			}
		}

		size := upload.Bucket(objects, cfg.Thresholds)
		if _, err := q.Enqueue(ctx, size.Queue(), GithubPayload{GithubID: record.ID}, queue.Options{
			ID:         record.ID,
			MaxRetries: cfg.Retries,
		}); err != nil {
			return err
		}

		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"githubId": record.ID,
			"objects":  objects,
			"bucket":   string(size),
		}).Info("Routed repository to size bucket")
		return nil
	}
}
