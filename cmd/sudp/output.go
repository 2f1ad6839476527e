package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/postalsys/sudp/internal/probe"
	"github.com/postalsys/sudp/internal/registry"
)

var (
	labelStyle   = lipgloss.NewStyle().Bold(true)
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B")).Bold(true)
	staleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F1FA8C")).Bold(true)
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#BD93F9")).Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// printer writes command output, styled only when it goes to a terminal.
type printer struct {
	w     io.Writer
	color bool
}

func newPrinter(w io.Writer) *printer {
	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &printer{w: w, color: color}
}

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *printer) state(s registry.State) string {
	switch s {
	case registry.StateRunning:
		return p.style(runningStyle, string(s))
	case registry.StateStale:
		return p.style(staleStyle, string(s))
	default:
		return p.style(stoppedStyle, string(s))
	}
}

func (p *printer) field(label, value string) {
	fmt.Fprintf(p.w, "%s %s\n", p.style(labelStyle, fmt.Sprintf("%-15s", label+":")), value)
}

// printStatus writes the details of one instance.
func (p *printer) printStatus(st *registry.Status, logFile string, now time.Time) {
	p.field("Instance", st.ID)
	p.field("State", p.state(st.State))

	if st.State != registry.StateStopped {
		p.field("PID", strconv.Itoa(st.PID))
	}
	if st.Port > 0 {
		p.field("Listen", st.ListenAddr())
	}
	if st.ConfigFile != "" {
		p.field("Config", st.ConfigFile)
	}
	if st.StateDir != "" {
		p.field("State dir", st.StateDir)
	}
	if st.State != registry.StateStopped && !st.StartedAt.IsZero() {
		p.field("Started", fmt.Sprintf("%s (up %s)",
			st.StartedAt.Local().Format(time.RFC3339), uptime(st.StartedAt, now)))
	}
	if !st.LastHeartbeat.IsZero() {
		p.field("Last heartbeat", humanize.RelTime(st.LastHeartbeat, now, "ago", "from now"))
	}
	if fi, err := os.Stat(logFile); err == nil {
		p.field("Log", fmt.Sprintf("%s (%s)", logFile, humanize.IBytes(uint64(fi.Size()))))
	}
}

// printList writes one row per instance.
func (p *printer) printList(all []registry.Status, now time.Time) {
	if len(all) == 0 {
		fmt.Fprintln(p.w, "No instances.")
		return
	}

	rows := make([][]string, 0, len(all))
	for _, st := range all {
		pid, listen, up := "-", "-", "-"
		if st.State != registry.StateStopped {
			pid = strconv.Itoa(st.PID)
			if !st.StartedAt.IsZero() {
				up = uptime(st.StartedAt, now)
			}
		}
		if st.Port > 0 {
			listen = st.ListenAddr()
		}
		rows = append(rows, []string{st.ID, p.state(st.State), pid, listen, up})
	}

	t := table.New().
		Headers("INSTANCE", "STATE", "PID", "LISTEN", "UPTIME").
		Rows(rows...)
	if p.color {
		t = t.Border(lipgloss.RoundedBorder()).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			})
	} else {
		t = t.Border(lipgloss.HiddenBorder()).
			StyleFunc(func(row, col int) lipgloss.Style { return cellStyle })
	}
	fmt.Fprintln(p.w, t.String())
}

// printProbe writes the outcome of a connectivity probe.
func (p *printer) printProbe(res *probe.Result) {
	p.field("Server", res.Address)
	if res.Success {
		p.field("Result", p.style(runningStyle, "OK"))
	} else {
		p.field("Result", p.style(stoppedStyle, "FAILED"))
	}
	if res.ConnectTime > 0 {
		p.field("Connect", res.ConnectTime.Round(time.Microsecond).String())
	}
	if res.Sent > 0 {
		p.field("Heartbeats", fmt.Sprintf("%d sent, %d acknowledged", res.Sent, res.Received))
	}
	if res.Received > 0 {
		p.field("RTT", fmt.Sprintf("min %s, avg %s, max %s",
			res.MinRTT.Round(time.Microsecond), res.AvgRTT.Round(time.Microsecond), res.MaxRTT.Round(time.Microsecond)))
	}
	if res.ErrorDetail != "" {
		p.field("Error", res.ErrorDetail)
	}
}

// uptime returns the age of since as "3 minutes".
func uptime(since, now time.Time) string {
	return strings.TrimSpace(humanize.RelTime(since, now, "", ""))
}
