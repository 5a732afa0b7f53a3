package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"grouparchive/backend/internal/fetch"
	"grouparchive/backend/internal/remote"
)

func newFetchCmd() *cobra.Command {
	var (
		credential  string
		group       string
		since       string
		until       string
		newestFirst bool
		resume      bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Run one fetch in the foreground and print its outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			now := time.Now()
			start, err := parseWindowEdge(since, now)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			end, err := parseWindowEdge(until, now)
			if err != nil {
				return fmt.Errorf("--until: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setupDependencies(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			cred, ok := a.credentials[credential]
			if !ok {
				return fmt.Errorf("unknown credential %q", credential)
			}

			sink := fetch.SinkFunc(func(ev fetch.Event) {
				e := log.Info().Str("run_id", ev.RunID).Str("event", string(ev.Type))
				switch ev.Type {
				case fetch.EventState:
					e.Str("state", string(ev.State))
				case fetch.EventPage:
					e.Int("page", ev.Page)
				case fetch.EventSuspended:
					e.Dur("wait", ev.Wait)
				case fetch.EventAttachment:
					e.Str("detail", ev.Detail)
				}
				e.Msg("Fetch progress")
			})
			// Runs must survive until the outcome is printed, so they get
			// their own context and the signal only cancels them.
			orch := a.newOrchestrator(context.Background(), sink)
			h, err := orch.StartFetch(ctx, fetch.Request{
				Credential: cred,
				GroupRef:   group,
				Window:     remote.Window{Start: start, End: end, NewestFirst: newestFirst},
				Resume:     resume,
			})
			if err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				log.Warn().Msg("Interrupted, cancelling run")
				h.Cancel()
			case <-h.Done():
			}
			outcome, runErr := h.Wait(context.Background())

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(outcome); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&credential, "credential", "", "credential id from CREDENTIALS")
	cmd.Flags().StringVar(&group, "group", "", "group id, @handle or t.me link")
	cmd.Flags().StringVar(&since, "since", "", "window start, RFC 3339 or a duration ago like 72h")
	cmd.Flags().StringVar(&until, "until", "", "window end, RFC 3339 or a duration ago")
	cmd.Flags().BoolVar(&newestFirst, "newest-first", false, "paginate from the newest message")
	cmd.Flags().BoolVar(&resume, "resume", false, "continue from the checkpoint of an aborted run")
	cmd.MarkFlagRequired("credential")
	cmd.MarkFlagRequired("group")
	return cmd
}

// parseWindowEdge accepts an RFC 3339 time or a duration before now. An
// empty value leaves the edge open.
func parseWindowEdge(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a time nor a duration", s)
	}
	return now.Add(-d), nil
}
