package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/vpn-core/api"
	"github.com/yllada/vpn-core/events"
	"github.com/yllada/vpn-core/history"
	"github.com/yllada/vpn-core/selector"
	"github.com/yllada/vpn-core/vpn"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func stateStyle(s vpn.State) lipgloss.Style {
	switch s {
	case vpn.StateConnected:
		return okStyle.Bold(true)
	case vpn.StateConnecting, vpn.StateDisconnecting:
		return warnStyle.Bold(true)
	default:
		return dimStyle.Bold(true)
	}
}

// printMessage writes the outcome line and any warnings of a response.
func printMessage(w io.Writer, resp *api.Response) {
	if resp.Message != "" {
		fmt.Fprintln(w, okStyle.Render("✓")+" "+resp.Message)
	}
	for _, warning := range resp.Warnings {
		fmt.Fprintln(w, warnStyle.Render("!")+" "+warning)
	}
}

// printJSON writes the response payload indented.
func printJSON(w io.Writer, resp *api.Response) error {
	var buf bytes.Buffer
	data := resp.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// table lays rows out with tabwriter and styles the header afterwards so
// escape codes do not skew the column widths.
func table(header []string, rows [][]string) string {
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	lines[0] = headerStyle.Render(strings.TrimRight(lines[0], " "))
	return strings.Join(lines, "\n") + "\n"
}

func renderServers(servers []selector.Server) string {
	if len(servers) == 0 {
		return "No servers available.\n"
	}
	rows := make([][]string, 0, len(servers))
	for _, s := range servers {
		avail := okStyle.Render("yes")
		if !s.Available {
			avail = failStyle.Render("no")
		}
		rows = append(rows, []string{s.ID, s.Name, s.Location, formatLoad(s), avail})
	}
	return table([]string{"ID", "NAME", "LOCATION", "LOAD", "AVAILABLE"}, rows)
}

func formatLoad(s selector.Server) string {
	if s.Load != nil {
		return fmt.Sprintf("%.0f%%", *s.Load)
	}
	if s.MaxCapacity > 0 {
		return fmt.Sprintf("%d/%d", s.ActiveConnections, s.MaxCapacity)
	}
	return "-"
}

// renderTestReport lists results best score first; failed probes last.
func renderTestReport(report vpn.TestReport) string {
	ids := make([]string, 0, len(report.Results))
	for id := range report.Results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := report.Results[ids[i]], report.Results[ids[j]]
		if a.Usable() != b.Usable() {
			return a.Usable()
		}
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		return ids[i] < ids[j]
	})

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		r := report.Results[id]
		if !r.Usable() {
			rows = append(rows, []string{id, "-", "-", "-", "-", failStyle.Render(r.Error)})
			continue
		}
		rows = append(rows, []string{
			id,
			fmt.Sprintf("%.1f ms", r.PingMs),
			fmt.Sprintf("%.0f", r.LocationScore),
			fmt.Sprintf("%.0f", r.LoadScore),
			fmt.Sprintf("%.1f", r.TotalScore),
			"",
		})
	}
	out := table([]string{"SERVER", "PING", "LOCATION", "LOAD", "SCORE", "ERROR"}, rows)
	if !report.TestedAt.IsZero() {
		out += dimStyle.Render("Tested "+report.TestedAt.Local().Format(time.DateTime)) + "\n"
	}
	return out
}

func renderSelection(sel selector.Selection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s)\n", titleStyle.Render("Best server:"), sel.Server.Name, sel.Server.ID)
	if sel.Server.Location != "" {
		fmt.Fprintf(&b, "  Location: %s\n", sel.Server.Location)
	}
	if sel.UsingFallback {
		fmt.Fprintln(&b, warnStyle.Render("  No server could be measured; using the first available one"))
		return b.String()
	}
	fmt.Fprintf(&b, "  Ping:     %.1f ms\n", sel.Metrics.PingMs)
	fmt.Fprintf(&b, "  Score:    %.1f\n", sel.Metrics.TotalScore)
	if sel.UsingCachedResults {
		fmt.Fprintln(&b, dimStyle.Render("  (cached measurements)"))
	}
	return b.String()
}

func renderStatus(st vpn.Status, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Status:"), stateStyle(st.State).Render(st.State.String()))

	if s := st.Session; s != nil {
		name := s.ServerName
		if name == "" {
			name = s.ServerID
		}
		fmt.Fprintf(&b, "Server:       %s (%s)\n", name, s.ServerID)
		fmt.Fprintf(&b, "Protocol:     %s\n", s.ConnectionType)
		fmt.Fprintf(&b, "Interface:    %s\n", s.InterfaceName)
		if !s.StartedAt.IsZero() {
			fmt.Fprintf(&b, "Uptime:       %s\n", formatDuration(now.Sub(s.StartedAt)))
		}
		if s.PID > 0 {
			fmt.Fprintf(&b, "PID:          %d\n", s.PID)
		}
		if s.CachedConfig {
			fmt.Fprintln(&b, warnStyle.Render("Using a stored configuration"))
		}
	}
	fmt.Fprintf(&b, "Kill switch:  %s\n", onOff(st.KillSwitch))
	fmt.Fprintf(&b, "Split tunnel: %s\n", onOff(st.SplitTunnel))
	if st.Reconnect.IsReconnecting {
		fmt.Fprintf(&b, "%s attempt %d of %d\n", warnStyle.Render("Reconnecting:"), st.Reconnect.Attempts, st.Reconnect.MaxRetries)
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "%s %s\n", failStyle.Render("Last error:"), st.LastError)
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

func onOff(v bool) string {
	if v {
		return okStyle.Render("on")
	}
	return dimStyle.Render("off")
}

func renderSplitTunnel(v vpn.SplitTunnelView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Split tunnel:"), onOff(v.Enabled))

	fmt.Fprintln(&b, titleStyle.Render("Bypass domains:"))
	if len(v.Config.BypassList) == 0 {
		fmt.Fprintln(&b, dimStyle.Render("  none"))
	}
	for _, d := range v.Config.BypassList {
		line := "  " + d
		for _, r := range v.Rules {
			if r.Domain == d && len(r.ResolvedIPs) > 0 {
				line += dimStyle.Render(" → " + strings.Join(r.ResolvedIPs, ", "))
			}
		}
		fmt.Fprintln(&b, line)
	}

	fmt.Fprintln(&b, titleStyle.Render("VPN-only applications:"))
	if len(v.Config.AppsList) == 0 {
		fmt.Fprintln(&b, dimStyle.Render("  none"))
	}
	for _, app := range v.Config.AppsList {
		fmt.Fprintln(&b, "  "+app)
	}
	if len(v.Config.AppsList) > 0 && !v.AppRoutingSupported {
		fmt.Fprintln(&b, warnStyle.Render("Per-application routing is not supported on this platform"))
	}
	return b.String()
}

func renderHistory(entries []history.Entry) string {
	if len(entries) == 0 {
		return "No sessions recorded.\n"
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		name := e.ServerName
		if name == "" {
			name = e.ServerID
		}
		duration, reason := "-", e.EndReason
		if e.Active() {
			reason = okStyle.Render("active")
		} else {
			duration = formatDuration(e.Duration())
		}
		rows = append(rows, []string{
			e.StartedAt.Local().Format(time.DateTime),
			name,
			e.ConnectionType,
			duration,
			reason,
		})
	}
	return table([]string{"STARTED", "SERVER", "TYPE", "DURATION", "END"}, rows)
}

func renderEvent(e events.Event) string {
	ts := dimStyle.Render(e.Time.Local().Format(time.TimeOnly))
	kind := string(e.Type)
	switch e.Type {
	case events.Connected, events.Reconnected:
		kind = okStyle.Render(kind)
	case events.Error, events.ConnectionLost, events.ReconnectMaxRetries:
		kind = failStyle.Render(kind)
	case events.Log:
		kind = dimStyle.Render(kind)
	default:
		kind = warnStyle.Render(kind)
	}
	return fmt.Sprintf("%s %s %s", ts, kind, e.Message)
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
