package axm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tidwall/gjson"

	axmerrors "github.com/axmtools/axmctl/internal/errors"
)

// ItemStatus classifies the outcome of one item in a batch fetch.
type ItemStatus string

const (
	// ItemOK means the fetch succeeded with data.
	ItemOK ItemStatus = "ok"

	// ItemNotFound means the server returned 404: the record is absent.
	ItemNotFound ItemStatus = "not_found"

	// ItemNoData means the server confirmed the record exists but holds
	// no data for it (200 with an empty data array).
	ItemNoData ItemStatus = "no_data"

	// ItemFailed covers every other per-item error.
	ItemFailed ItemStatus = "failed"
)

// ItemResult records the outcome for one identifier.
type ItemResult struct {
	ID     string
	Status ItemStatus
	Data   gjson.Result
	Err    error
}

// BatchSummary accumulates per-item outcomes for an end-of-run report.
type BatchSummary struct {
	Results  []ItemResult
	OK       int
	NotFound int
	NoData   int
	Failed   int
}

// FetchFunc fetches one resource by identifier.
type FetchFunc func(ctx context.Context, state *TokenState, id string) (gjson.Result, error)

// FetchEach walks the identifier list sequentially, recording each item's
// outcome. Per-item errors (404, 403, malformed bodies, unexpected
// statuses) never abort the batch; they are captured against the item and
// the walk continues. Authentication failures are fatal to the whole
// batch: once the single permitted refresh is spent, no later item could
// succeed either.
func FetchEach(ctx context.Context, state *TokenState, ids []string, fetch FetchFunc, logger *slog.Logger) (BatchSummary, error) {
	var summary BatchSummary

	for _, id := range ids {
		res, err := fetch(ctx, state, id)

		switch {
		case err == nil:
			summary.OK++
			summary.Results = append(summary.Results, ItemResult{ID: id, Status: ItemOK, Data: res})

		case errors.Is(err, axmerrors.ErrNoData):
			summary.NoData++
			summary.Results = append(summary.Results, ItemResult{ID: id, Status: ItemNoData})
			logger.Info("no data for item", slog.String("id", id))

		case IsNotFound(err):
			summary.NotFound++
			summary.Results = append(summary.Results, ItemResult{ID: id, Status: ItemNotFound})
			logger.Info("item not found", slog.String("id", id))

		case isAuthFatal(err):
			return summary, err

		default:
			summary.Failed++
			summary.Results = append(summary.Results, ItemResult{ID: id, Status: ItemFailed, Err: err})
			logger.Warn("item fetch failed",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	return summary, nil
}

// isAuthFatal reports whether err means the run's credentials are spent:
// the one-shot refresh was already used, or the forced refresh itself
// failed with a fatal authentication error.
func isAuthFatal(err error) bool {
	return errors.Is(err, axmerrors.ErrAuthExpired) ||
		errors.Is(err, axmerrors.ErrInvalidCredentials) ||
		errors.Is(err, axmerrors.ErrAuthRateLimited) ||
		errors.Is(err, axmerrors.ErrUnrecognizedScope)
}
