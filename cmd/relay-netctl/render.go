package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"relay-netctl/internal/latency"
	"relay-netctl/internal/quality"
	"relay-netctl/internal/service"
)

// describeError turns gRPC statuses into operator-facing messages.
func describeError(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return err.Error()
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Sprintf("relay-netd is not reachable on %s (is it running?)", flags.Socket)
	case codes.FailedPrecondition, codes.InvalidArgument, codes.Aborted:
		return st.Message()
	}
	return fmt.Sprintf("%s: %s", st.Code(), st.Message())
}

func onOff(b bool) string {
	if b {
		return pterm.Green("running")
	}
	return pterm.Gray("stopped")
}

func scoreColor(label quality.Label, s string) string {
	switch label {
	case quality.LabelExcellent, quality.LabelGood:
		return pterm.Green(s)
	case quality.LabelFair:
		return pterm.Yellow(s)
	}
	return pterm.Red(s)
}

func ms(v float64) string { return fmt.Sprintf("%.1f ms", v) }

func overviewRows(st service.Status) pterm.TableData {
	q := st.Quality
	score := fmt.Sprintf("%.1f (%s)", q.Score.Value, q.Score.Label)
	rows := pterm.TableData{
		{"Uptime", st.Uptime},
		{"Sampler", onOff(st.Loops[service.LoopSampler])},
		{"Scorer", onOff(st.Loops[service.LoopScorer])},
		{"Failover", onOff(st.Loops[service.LoopFailover])},
		{"Score", scoreColor(q.Score.Label, score)},
		{"Encoder", fmt.Sprintf("tier %d, %d kbps, GOP %d, %s", q.Hints.Tier, q.Hints.BitrateKbps, q.Hints.GOP, q.Hints.Resolution)},
	}
	if sig := q.Signal; sig != nil {
		fresh := ""
		if !q.SignalFresh {
			fresh = pterm.Yellow(" (stale)")
		}
		rows = append(rows,
			[]string{"Cell", fmt.Sprintf("%s band %s, cell %s%s", sig.Tech, sig.Band, sig.CellID, fresh)},
			[]string{"Signal", fmt.Sprintf("SINR %.1f dB, RSRQ %.1f dB, RSRP %.1f dBm", sig.SINR, sig.RSRQ, sig.RSRP)},
		)
	}
	if q.TrendValid {
		rows = append(rows, []string{"SINR trend", fmt.Sprintf("%+.2f dB/min", q.Trend)})
	}
	return rows
}

func pathRows(st service.Status) pterm.TableData {
	rows := pterm.TableData{{"Path", "Interface", "Sampler", "Avg", "P95", "Jitter", "Loss", "Score"}}
	scores := make(map[string]string, len(st.Links))
	for _, l := range st.Links {
		if l.Scored {
			scores[l.Name] = scoreColor(l.Score.Label, fmt.Sprintf("%.1f", l.Score.Value))
		}
	}
	for _, p := range st.Paths {
		name := p.Name
		if p.Name == st.Failover.CurrentPath {
			name = pterm.Bold.Sprint(p.Name + " *")
		}
		row := []string{name, p.Interface, onOff(p.Running), "-", "-", "-", "-", "-"}
		if p.Sampled {
			row[3], row[4], row[5] = ms(p.Latency.AvgMs), ms(p.Latency.P95Ms), ms(p.Latency.JitterMs)
			row[6] = fmt.Sprintf("%.0f%%", p.Latency.Loss*100)
		}
		if s, ok := scores[p.Name]; ok {
			row[7] = s
		}
		rows = append(rows, row)
	}
	return rows
}

func failoverRows(st service.Status) pterm.TableData {
	f := st.Failover
	rows := pterm.TableData{
		{"State", f.State.String()},
		{"Mode", fmt.Sprintf("%s (urgency %.2f)", f.Mode, f.Urgency)},
		{"Current path", f.CurrentPath},
		{"Preferred path", f.PreferredPath},
		{"Threshold", fmt.Sprintf("%s over %d samples (%d bad)", ms(f.EffectiveThresholdMs), f.EffectiveWindow, f.ConsecutiveBad)},
		{"Switches", fmt.Sprintf("%d ok, %d failed, %d in the last hour", f.Switches, f.FailedSwitches, st.RecentSwitches)},
	}
	if !f.LastSwitch.IsZero() {
		rows = append(rows, []string{"Last switch", fmt.Sprintf("%s ago: %s", time.Since(f.LastSwitch).Truncate(time.Second), f.LastSwitchReason)})
	}
	if time.Now().Before(f.CooldownUntil) {
		rows = append(rows, []string{"Cooldown", fmt.Sprintf("%s left", time.Until(f.CooldownUntil).Truncate(time.Second))})
	}
	return rows
}

func routingRows(st service.Status) pterm.TableData {
	r := st.Routing
	rows := pterm.TableData{{"Class", "Mark", "Table", "Rule", "Routes"}}
	for _, c := range r.Classes {
		var routes []string
		for _, rt := range c.Routes {
			s := fmt.Sprintf("%s metric %d", rt.Interface, rt.Metric)
			if rt.Gateway != "" {
				s = fmt.Sprintf("via %s dev %s", rt.Gateway, s)
			}
			routes = append(routes, s)
		}
		rule := "-"
		if c.Mark != 0 {
			rule = "missing"
			if c.RuleInstalled {
				rule = "ok"
			}
		}
		rows = append(rows, []string{string(c.Class), fmt.Sprintf("0x%x", c.Mark), fmt.Sprint(c.Table), rule, strings.Join(routes, ", ")})
	}
	return rows
}

func eventRows(st service.Status, n int) pterm.TableData {
	rows := pterm.TableData{{"Time", "Event", "Path", "Details"}}
	events := st.Events
	if len(events) > n {
		events = events[len(events)-n:]
	}
	for _, e := range events {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+e.Details[k])
		}
		kind := e.Kind.String()
		if e.Kind.IsDegradation() {
			kind = pterm.Yellow(kind)
		}
		rows = append(rows, []string{e.Time.Local().Format(time.TimeOnly), kind, e.Path, strings.Join(parts, " ")})
	}
	return rows
}

type section struct {
	title  string
	rows   pterm.TableData
	header bool
}

// renderStatus returns the full status screen as a string so that watch can
// redraw it in place.
func renderStatus(st service.Status) (string, error) {
	sections := []section{
		{"Overview", overviewRows(st), false},
		{"Paths", pathRows(st), true},
		{"Failover", failoverRows(st), false},
	}
	if st.Routing.Enabled {
		sections = append(sections, section{"Routing", routingRows(st), true})
	}
	sections = append(sections, section{"Recent events", eventRows(st, 10), true})

	var b strings.Builder
	for _, s := range sections {
		b.WriteString(pterm.DefaultSection.Sprint(s.title))
		table, err := pterm.DefaultTable.WithHasHeader(s.header).WithData(s.rows).Srender()
		if err != nil {
			return "", err
		}
		b.WriteString(table)
		b.WriteString("\n")
	}
	if !st.Routing.Enabled {
		b.WriteString(pterm.Warning.Sprintfln("Routing is observe-only: %s", st.Routing.DisabledReason))
	}
	return b.String(), nil
}

// latencySummary is a one-line view used by watch --compact.
func latencySummary(p service.PathStatus) string {
	if !p.Sampled {
		return p.Name + ": no samples"
	}
	return fmt.Sprintf("%s: %s avg, %s jitter, %.0f%% loss", p.Name, ms(p.Latency.AvgMs), ms(p.Latency.JitterMs), lossPct(p.Latency))
}

func lossPct(s latency.Stats) float64 { return s.Loss * 100 }

// logLine formats one streamed log entry, colored by level.
func logLine(e service.LogEntry) string {
	level := strings.ToUpper(e.Level)
	switch e.Level {
	case "warn":
		level = pterm.Yellow(level)
	case "error":
		level = pterm.Red(level)
	case "debug":
		level = pterm.Gray(level)
	}
	return fmt.Sprintf("%s %-5s [%s] %s", e.Time.Local().Format(time.TimeOnly), level, e.Tag, e.Message)
}
