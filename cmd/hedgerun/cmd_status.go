package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/hedgerun/internal/monitor"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [asset]",
		Short: "Show the hedge state of monitored assets",
		Long:  "Queries a running hedgerun instance over its HTTP surface.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	cmd.Flags().String("addr", "", "Address of the running instance (default app.http_addr)")
	cmd.Flags().Bool("json", false, "Print raw JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr = cfg.App.HTTPAddr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	target := strings.TrimRight(addr, "/") + "/v1/assets"
	if len(args) == 1 {
		target += "/" + url.PathEscape(args[0])
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	body, err := fetch(ctx, target)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		_, err := cmd.OutOrStdout().Write(body)
		return err
	}

	var statuses []monitor.Status
	if len(args) == 1 {
		var st monitor.Status
		if err := json.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		statuses = append(statuses, st)
	} else if err := json.Unmarshal(body, &statuses); err != nil {
		return fmt.Errorf("decode statuses: %w", err)
	}
	return printStatuses(cmd.OutOrStdout(), statuses)
}

func fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return nil, fmt.Errorf("query %s: %s", target, resp.Status)
	}
	return body, nil
}

func printStatuses(w io.Writer, statuses []monitor.Status) error {
	if len(statuses) == 0 {
		_, err := fmt.Fprintln(w, "No assets monitored")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ASSET\tSTATE\tDELTA\tVAR\tACCUMULATED\tLAST HEDGE\tPENDING")
	for _, st := range statuses {
		delta, vaR := "-", "-"
		if st.Risk != nil {
			delta = fmt.Sprintf("%.4f", st.Risk.Delta)
			vaR = fmt.Sprintf("%.2f", st.Risk.ValueAtRisk)
		}
		last := "-"
		if !st.State.LastHedgeTime.IsZero() {
			last = fmt.Sprintf("%+.4g %s", st.State.LastHedgeSize, st.State.LastHedgeTime.Format(time.RFC3339))
		}
		pending := "-"
		if st.Pending != nil {
			pending = fmt.Sprintf("%s %.4g %s", st.Pending.Side, st.Pending.Quantity, st.Pending.Instrument)
		}
		state := string(st.State.CurrentState)
		if st.Stopping {
			state += " (stopping)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.4g\t%s\t%s\n",
			st.State.Asset, state, delta, vaR, st.State.AccumulatedExposure, last, pending)
	}
	return tw.Flush()
}
