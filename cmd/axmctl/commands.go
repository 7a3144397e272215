package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/axmtools/axmctl/internal/axm"
	"github.com/axmtools/axmctl/internal/config"
)

type jsonEntry = gjson.Result

// toEntries is a small adapter so listing closures can return the
// client's result slice directly.
func toEntries(entries []gjson.Result, err error) ([]jsonEntry, error) {
	return entries, err
}

// runList executes a listing closure and prints each entry as one JSON
// line on stdout.
func runList(list func() ([]jsonEntry, error)) error {
	entries, err := list()
	if err != nil {
		return err
	}

	for _, e := range entries {
		fmt.Println(e.Raw)
	}

	return nil
}

// runBatch reads identifiers from the file named in os.Args[2], fetches
// each through fn, prints successful payloads as JSON lines, and reports
// a summary on stderr. Per-item failures do not stop the batch.
func runBatch(ctx context.Context, state *axm.TokenState, logger *slog.Logger, fn axm.FetchFunc) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: axmctl %s <file>", os.Args[1])
	}

	ids, err := readIdentifiers(os.Args[2])
	if err != nil {
		return err
	}

	logger.Info("starting batch fetch", slog.Int("items", len(ids)))

	summary, err := axm.FetchEach(ctx, state, ids, fn, logger)
	if err != nil {
		return err
	}

	for _, r := range summary.Results {
		if r.Status == axm.ItemOK {
			fmt.Println(r.Data.Raw)
		}
	}

	fmt.Fprintf(os.Stderr, "done: %d ok, %d not found, %d no data, %d failed\n",
		summary.OK, summary.NotFound, summary.NoData, summary.Failed)

	for _, r := range summary.Results {
		if r.Status == axm.ItemFailed {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", r.ID, r.Err)
		}
	}

	return nil
}

// runActivity submits a bulk assign/unassign, waits the configured fixed
// interval, polls the activity once, and downloads the result artifact if
// it is ready.
func runActivity(ctx context.Context, cfg *config.Config, state *axm.TokenState, client *axm.Client, logger *slog.Logger, typ axm.ActivityType) error {
	if len(os.Args) < 4 {
		return fmt.Errorf("usage: axmctl %s <server-id> <file>", os.Args[1])
	}

	serverID := os.Args[2]

	ids, err := readIdentifiers(os.Args[3])
	if err != nil {
		return err
	}

	orch := axm.NewOrchestrator(client, logger)

	act, err := orch.Submit(ctx, state, typ, serverID, ids)
	if err != nil {
		return err
	}

	act, err = orch.AwaitAndPoll(ctx, state, act, cfg.ActivityWait())
	if err != nil {
		return err
	}

	path, err := orch.MaybeDownload(ctx, act, cfg.DownloadDir)
	if err != nil {
		return fmt.Errorf("downloading artifact: %w", err)
	}

	fmt.Printf("activity: %s\nstatus: %s\n", act.ID, act.Status)

	if path != "" {
		fmt.Printf("artifact: %s\n", path)
	}

	return nil
}

// readIdentifiers loads one identifier per line, skipping blanks. An
// empty file is a fatal input error.
func readIdentifiers(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening identifier file: %w", err)
	}
	defer f.Close()

	var ids []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			ids = append(ids, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading identifier file: %w", err)
	}

	if len(ids) == 0 {
		return nil, fmt.Errorf("%s contains no identifiers", path)
	}

	return ids, nil
}
