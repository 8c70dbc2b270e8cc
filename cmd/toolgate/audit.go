package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/toolgate/audit"
)

var auditFilter struct {
	server    string
	tool      string
	actor     string
	execution string
	types     []string
	severity  string
	since     time.Duration
	limit     int
	ascending bool
	asJSON    bool
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	Long: `Queries the durable audit store configured under redis. Without a store
only events recorded by this process are visible, so the list is empty.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		g, cfg, err := openGateway()
		if err != nil {
			return err
		}
		defer g.Close()
		if cfg.Redis.Addr == "" {
			fmt.Println("No durable audit store configured (set redis.addr).")
			return nil
		}

		f := audit.Filter{
			Server:      auditFilter.server,
			Tool:        auditFilter.tool,
			Actor:       auditFilter.actor,
			ExecutionID: auditFilter.execution,
			MinSeverity: audit.Severity(auditFilter.severity),
			Limit:       auditFilter.limit,
			Ascending:   auditFilter.ascending,
		}
		for _, t := range auditFilter.types {
			f.Types = append(f.Types, audit.EventType(t))
		}
		if auditFilter.since > 0 {
			f.Since = time.Now().Add(-auditFilter.since)
		}

		events, err := g.QueryAudit(cmd.Context(), f)
		if err != nil {
			return err
		}
		if auditFilter.asJSON {
			return printJSON(events)
		}
		for _, e := range events {
			status := "ok"
			if !e.Success {
				status = "fail"
			}
			fmt.Printf("%s %-8s %-18s %-4s %s/%s %s %s\n",
				e.Timestamp.Format(time.RFC3339), e.Severity, e.Type, status, e.Server, e.Tool, e.ExecutionID, e.Reason)
		}
		return nil
	},
}

func init() {
	flags := auditCmd.Flags()
	flags.StringVar(&auditFilter.server, "server", "", "Only events for this server")
	flags.StringVar(&auditFilter.tool, "tool", "", "Only events for this tool")
	flags.StringVar(&auditFilter.actor, "actor", "", "Only events by this actor")
	flags.StringVar(&auditFilter.execution, "execution", "", "Only events of this call ID")
	flags.StringSliceVar(&auditFilter.types, "type", nil, "Event type (repeatable), e.g. TOOL_RESULT")
	flags.StringVar(&auditFilter.severity, "min-severity", "", "INFO, WARNING or CRITICAL")
	flags.DurationVar(&auditFilter.since, "since", 0, "Only events newer than this")
	flags.IntVar(&auditFilter.limit, "limit", 50, "Maximum number of events")
	flags.BoolVar(&auditFilter.ascending, "ascending", false, "Oldest first")
	flags.BoolVar(&auditFilter.asJSON, "json", false, "Print events as JSON")
	rootCmd.AddCommand(auditCmd)
}
