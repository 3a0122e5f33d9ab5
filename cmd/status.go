package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"grimm.is/foreman/internal/model"
	"grimm.is/foreman/internal/queue"
)

// RunStatus queries a running server and prints its agents and queue.
func RunStatus(configFile, server string) error {
	if server == "" {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		server = "http://" + cfg.Server.Listen
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return printStatus(ctx, http.DefaultClient, strings.TrimRight(server, "/"), os.Stdout)
}

func printStatus(ctx context.Context, client *http.Client, base string, out io.Writer) error {
	var agents []model.Agent
	if err := getJSON(ctx, client, base+"/api/agents", &agents); err != nil {
		return fmt.Errorf("failed to get agents: %w", err)
	}
	var m queue.Metrics
	if err := getJSON(ctx, client, base+"/api/queue/metrics", &m); err != nil {
		return fmt.Errorf("failed to get queue metrics: %w", err)
	}
	return writeStatus(out, agents, m)
}

func writeStatus(out io.Writer, agents []model.Agent, m queue.Metrics) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	p := Printer

	p.Fprintln(w, "AGENT\tTYPE\tSTATUS\tACTIVITY\tCOMMAND\tLAST SEEN")
	for _, a := range agents {
		cmd := a.CurrentCommandID
		if cmd == "" {
			cmd = "-"
		}
		p.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.Type, a.Status, a.Activity, cmd, a.LastSeen.Format(time.RFC3339))
	}
	if len(agents) == 0 {
		p.Fprintln(w, "(no agents)")
	}
	p.Fprintln(w)
	w.Flush()

	p.Fprintln(w, "WAITING\tDELAYED\tACTIVE\tCOMPLETED\tFAILED\tINTERRUPTED\tAVG WAIT\tAVG RUN\tPER HOUR")
	p.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%.1f\n",
		m.Waiting, m.Delayed, m.Active, m.Completed, m.Failed, m.Interrupted,
		m.AvgWaitTime.Round(time.Millisecond), m.AvgProcessingTime.Round(time.Millisecond), m.ThroughputPerHour)
	return w.Flush()
}

func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
