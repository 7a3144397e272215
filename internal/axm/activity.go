package axm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"

	axmerrors "github.com/axmtools/axmctl/internal/errors"
)

// ActivityType names a bulk device operation. The set is closed.
type ActivityType string

const (
	// AssignDevices assigns devices to a device management service.
	AssignDevices ActivityType = "ASSIGN_DEVICES"

	// UnassignDevices removes devices from a device management service.
	UnassignDevices ActivityType = "UNASSIGN_DEVICES"
)

// StatusCompleted is the terminal success state of an activity.
const StatusCompleted = "COMPLETED"

const activitiesPath = "/v1/orgDeviceActivities"

// Activity is a server-tracked bulk operation. It completes
// asynchronously; this client observes it via at most one poll.
type Activity struct {
	ID          string
	Type        string
	Status      string
	SubStatus   string
	CreatedAt   string
	CompletedAt string
	DownloadURL string
}

// activityFromResult extracts an Activity from a JSON:API response body.
func activityFromResult(res gjson.Result) Activity {
	data := res.Get("data")
	attrs := data.Get("attributes")

	return Activity{
		ID:          data.Get("id").String(),
		Type:        attrs.Get("activityType").String(),
		Status:      attrs.Get("status").String(),
		SubStatus:   attrs.Get("subStatus").String(),
		CreatedAt:   attrs.Get("createdDateTime").String(),
		CompletedAt: attrs.Get("completedDateTime").String(),
		DownloadURL: attrs.Get("downloadUrl").String(),
	}
}

// Orchestrator drives the submit → wait → poll → conditional-download
// flow for bulk device activities.
type Orchestrator struct {
	client     *Client
	downloader *http.Client
	logger     *slog.Logger

	// sleep is overridden in tests.
	sleep func(time.Duration)
}

// NewOrchestrator creates an orchestrator on top of the given client.
// Artifact downloads use their own plain HTTP client because the signed
// URL must be fetched without a bearer token.
func NewOrchestrator(client *Client, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		client:     client,
		downloader: &http.Client{Timeout: httpClientTimeout},
		logger:     logger,
		sleep:      time.Sleep,
	}
}

// Submit creates a bulk device activity. The entire identifier list goes
// in one request; there is no chunking. A created activity without an ID
// is fatal: its status could never be observed.
func (o *Orchestrator) Submit(ctx context.Context, state *TokenState, typ ActivityType, mdmServerID string, deviceIDs []string) (Activity, error) {
	devices := make([]map[string]string, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		devices = append(devices, map[string]string{"type": "orgDevices", "id": id})
	}

	body := map[string]any{
		"data": map[string]any{
			"type": "orgDeviceActivities",
			"attributes": map[string]any{
				"activityType": string(typ),
			},
			"relationships": map[string]any{
				"mdmServer": map[string]any{
					"data": map[string]string{
						"type": "mdmServers",
						"id":   mdmServerID,
					},
				},
				"devices": map[string]any{
					"data": devices,
				},
			},
		},
	}

	o.logger.Info("submitting device activity",
		slog.String("type", string(typ)),
		slog.String("mdm_server_id", mdmServerID),
		slog.Int("devices", len(deviceIDs)),
	)

	res, err := o.client.Execute(ctx, http.MethodPost, activitiesPath, nil, body, state)
	if err != nil {
		return Activity{}, fmt.Errorf("creating device activity: %w", err)
	}

	act := activityFromResult(res)
	if act.ID == "" {
		return Activity{}, axmerrors.ErrNoActivityID
	}

	o.logger.Info("device activity created",
		slog.String("activity_id", act.ID),
		slog.String("status", act.Status),
		slog.String("sub_status", act.SubStatus),
	)

	return act, nil
}

// AwaitAndPoll blocks for exactly delay, then fetches the activity status
// once. The wait is fixed and non-adaptive; the returned Activity may
// still be in a non-terminal state.
func (o *Orchestrator) AwaitAndPoll(ctx context.Context, state *TokenState, act Activity, delay time.Duration) (Activity, error) {
	o.logger.Info("waiting before checking activity status",
		slog.String("activity_id", act.ID),
		slog.Duration("delay", delay),
	)
	o.sleep(delay)

	res, err := o.client.Execute(ctx, http.MethodGet, activitiesPath+"/"+url.PathEscape(act.ID), nil, nil, state)
	if err != nil {
		return Activity{}, fmt.Errorf("fetching activity status: %w", err)
	}

	updated := activityFromResult(res)
	if updated.ID == "" {
		updated.ID = act.ID
	}

	o.logger.Info("activity status",
		slog.String("activity_id", updated.ID),
		slog.String("status", updated.Status),
		slog.String("sub_status", updated.SubStatus),
		slog.Bool("has_download_url", updated.DownloadURL != ""),
	)

	return updated, nil
}

// MaybeDownload fetches the activity's result artifact into dir if and
// only if the activity completed and a download URL is present. Any other
// combination is not an error: the activity may still be processing.
// Returns the written path, or "" when nothing was downloaded.
//
// The download URL is a signed URL; no bearer token is attached.
func (o *Orchestrator) MaybeDownload(ctx context.Context, act Activity, dir string) (string, error) {
	if act.Status != StatusCompleted || act.DownloadURL == "" {
		o.logger.Info("artifact not ready",
			slog.String("activity_id", act.ID),
			slog.String("status", act.Status),
			slog.Bool("has_download_url", act.DownloadURL != ""),
		)

		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, act.DownloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating download request: %w", err)
	}

	resp, err := o.downloader.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading activity artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))

		return "", &StatusError{StatusCode: resp.StatusCode, Body: sanitizeResponseBody(body)}
	}

	name := artifactFilename(resp.Header.Get("Content-Disposition"), act.ID)
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating artifact file: %w", err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("writing artifact file: %w", err)
	}

	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing artifact file: %w", err)
	}

	o.logger.Info("artifact downloaded", slog.String("path", path))

	return path, nil
}

// artifactFilename derives a local filename from the response's
// Content-Disposition header, falling back to a deterministic name keyed
// by the activity ID. The result is always a bare base name so a hostile
// header cannot escape the download directory.
func artifactFilename(disposition, activityID string) string {
	fallback := fmt.Sprintf("OrgDeviceActivity_%s.csv", activityID)

	if disposition == "" {
		return fallback
	}

	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return fallback
	}

	name := filepath.Base(params["filename"])
	if name == "" || name == "." || name == string(filepath.Separator) {
		return fallback
	}

	return name
}
