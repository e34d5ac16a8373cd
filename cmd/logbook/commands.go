// File: cmd/logbook/commands.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/smartdevs17/eas-logbook/internal/filter"
	"github.com/smartdevs17/eas-logbook/internal/mapview"
	"github.com/smartdevs17/eas-logbook/internal/media"
	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/internal/retrieval"
	"github.com/smartdevs17/eas-logbook/internal/submission"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// withApp runs fn against a fully wired application without the HTTP server
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *Application) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := NewApplication(cfg, false)
	if err != nil {
		return err
	}
	defer app.Stop()

	return fn(cmd.Context(), app)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// attestCmd records a log entry from the command line
var attestCmd = &cobra.Command{
	Use:   "attest",
	Short: "Record a log entry as an attestation",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		lon, _ := flags.GetFloat64("lon")
		lat, _ := flags.GetFloat64("lat")
		when, _ := flags.GetString("time")
		memo, _ := flags.GetString("memo")
		file, _ := flags.GetString("file")
		recipient, _ := flags.GetString("recipient")

		ts, err := parseEventTime(when)
		if err != nil {
			return err
		}
		point, err := mapview.SelectCoordinate(lon, lat)
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, app *Application) error {
			sess, err := app.sessions.Active(ctx)
			if err != nil {
				return err
			}

			draft := submission.Draft{
				Entry: models.LogEntry{
					Longitude:      point.Longitude,
					Latitude:       point.Latitude,
					EventTimestamp: ts,
					Memo:           memo,
				},
				Recipient: sess.Recipient,
			}
			if recipient != "" {
				if !utils.IsValidAddress(recipient) {
					return fmt.Errorf("invalid recipient address %q", recipient)
				}
				draft.Recipient = common.HexToAddress(recipient)
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read attachment: %w", err)
				}
				draft.Attachment = &media.File{Name: filepath.Base(file), Data: data}
			}

			sess.Flow.OnTransition(func(t submission.Transition) {
				fmt.Fprintf(os.Stderr, "%s → %s\n", t.From, t.To)
			})

			result, err := sess.Flow.Submit(ctx, draft)
			if err != nil {
				return fmt.Errorf("%s", submission.Message(err))
			}
			return printJSON(result)
		})
	},
}

// parseEventTime accepts RFC 3339, a YYYY-MM-DD date or unix seconds.
// Empty means now.
func parseEventTime(s string) (int64, error) {
	if s == "" {
		return time.Now().Unix(), nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("invalid time %q, expected RFC 3339, YYYY-MM-DD or unix seconds", s)
}

// showCmd prints one decoded attestation
var showCmd = &cobra.Command{
	Use:   "show <uid>",
	Short: "Show a decoded attestation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *Application) error {
			sess, err := app.sessions.Active(ctx)
			if err != nil {
				return err
			}

			detail, err := sess.Retriever.Fetch(ctx, args[0])
			switch retrieval.Classify(err) {
			case retrieval.StatusReady:
			case retrieval.StatusPending:
				return fmt.Errorf("attestation %s is not available yet: %w", args[0], err)
			default:
				return err
			}

			markers := mapview.MarkersFromEntries([]models.Entry{detail.Entry})
			card := mapview.Hover(markers[0], time.Local)
			fmt.Fprintf(os.Stderr, "%s  %s\n", card.When, card.Memo)
			return printJSON(detail)
		})
	},
}

// entriesCmd lists entries newest first
var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List recorded entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := entriesQuery(cmd)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		return withApp(cmd, func(ctx context.Context, app *Application) error {
			sess, err := app.sessions.Active(ctx)
			if err != nil {
				return err
			}
			result, err := sess.Retriever.List(ctx, query)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(result)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UID\tWHEN\tLOCATION\tMEDIA\tMEMO")
			for _, e := range result.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					e.UID, mapview.FormatWhen(e.EventTimestamp, time.Local), e.Location, len(e.MediaData), truncate(e.Memo, 40))
			}
			w.Flush()
			fmt.Fprintf(os.Stderr, "%d entries from %s", len(result.Entries), result.Source)
			if result.Skipped > 0 {
				fmt.Fprintf(os.Stderr, ", %d undecodable skipped", result.Skipped)
			}
			fmt.Fprintln(os.Stderr)
			return nil
		})
	},
}

func entriesQuery(cmd *cobra.Command) (retrieval.ListQuery, error) {
	flags := cmd.Flags()
	var q retrieval.ListQuery

	q.Attester, _ = flags.GetString("attester")
	if q.Attester != "" {
		if !utils.IsValidAddress(q.Attester) {
			return q, fmt.Errorf("invalid attester address %q", q.Attester)
		}
		q.Attester = utils.NormalizeAddress(q.Attester)
	}
	q.Limit, _ = flags.GetInt("limit")
	q.Offset, _ = flags.GetInt("offset")
	q.Criteria.Location = time.Local
	q.Criteria.Keywords, _ = flags.GetString("keywords")

	for name, dst := range map[string]**time.Time{"from": &q.Criteria.DateRange.From, "to": &q.Criteria.DateRange.To} {
		raw, _ := flags.GetString(name)
		if raw == "" {
			continue
		}
		day, err := time.ParseInLocation("2006-01-02", raw, time.Local)
		if err != nil {
			return q, fmt.Errorf("invalid --%s %q, expected YYYY-MM-DD", name, raw)
		}
		*dst = &day
	}

	if flags.Changed("has-media") {
		v, _ := flags.GetBool("has-media")
		q.Criteria.HasMedia = &v
	}

	buckets, _ := flags.GetStringSlice("time-of-day")
	for _, raw := range buckets {
		b, err := filter.ParseBucket(raw)
		if err != nil {
			return q, err
		}
		q.Criteria.TimeOfDay = append(q.Criteria.TimeOfDay, b)
	}
	return q, nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

// networksCmd lists configured networks
var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "List configured networks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *Application) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCONTRACT\tINDEXER\tACTIVE")
			for _, n := range app.sessions.Networks() {
				active := ""
				if n.Active {
					active = "*"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", n.ID, n.Name, n.ContractAddress, n.HasIndexer, active)
			}
			return w.Flush()
		})
	},
}

// maintenanceCmd groups journal maintenance commands
var maintenanceCmd = &cobra.Command{
	Use:   "journal",
	Short: "Local journal maintenance",
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop cached rows older than the retention period and vacuum",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		return withApp(cmd, func(ctx context.Context, app *Application) error {
			if err := app.storage.Cleanup(ctx, days); err != nil {
				return err
			}
			if err := app.storage.Vacuum(); err != nil {
				return err
			}
			fmt.Printf("Journal cleaned, retention %d days\n", days)
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print journal statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *Application) error {
			stats, err := app.storage.GetStorageStats()
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

// syncCmd scans the chain for Attested logs of the schema until caught up
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Journal attestations of the logbook schema from chain logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *Application) error {
			sess, err := app.sessions.Active(ctx)
			if err != nil {
				return err
			}
			w, err := app.sessions.Watcher(sess)
			if err != nil {
				return err
			}
			for {
				res, err := w.Poll(ctx)
				if err != nil {
					return err
				}
				if res == nil {
					break
				}
				fmt.Fprintf(os.Stderr, "blocks %d-%d: %d events, %d journaled, %d failed, %d deferred\n",
					res.FromBlock, res.ToBlock, res.Events, res.Journaled, res.Failed, res.Deferred)
				if res.Deferred > 0 {
					fmt.Fprintln(os.Stderr, "stopping at the first attestation that could not be fetched; run sync again later")
					break
				}
			}
			return printJSON(w.GetStats())
		})
	},
}

func init() {
	attestCmd.Flags().Float64("lon", 0, "longitude in decimal degrees")
	attestCmd.Flags().Float64("lat", 0, "latitude in decimal degrees")
	attestCmd.Flags().String("time", "", "event time (RFC 3339, YYYY-MM-DD or unix seconds), default now")
	attestCmd.Flags().String("memo", "", "memo text")
	attestCmd.Flags().String("file", "", "media attachment path")
	attestCmd.Flags().String("recipient", "", "recipient address, default from configuration")
	attestCmd.MarkFlagRequired("lon")
	attestCmd.MarkFlagRequired("lat")

	entriesCmd.Flags().String("attester", "", "only entries by this attester")
	entriesCmd.Flags().Int("limit", 0, "page size")
	entriesCmd.Flags().Int("offset", 0, "page offset")
	entriesCmd.Flags().String("from", "", "first day (YYYY-MM-DD)")
	entriesCmd.Flags().String("to", "", "last day (YYYY-MM-DD)")
	entriesCmd.Flags().String("keywords", "", "memo keywords")
	entriesCmd.Flags().Bool("has-media", false, "only entries with (true) or without (false) media")
	entriesCmd.Flags().StringSlice("time-of-day", nil, "morning, afternoon, evening, night")
	entriesCmd.Flags().Bool("json", false, "print JSON")

	cleanupCmd.Flags().Int("days", 90, "retention in days")
}
