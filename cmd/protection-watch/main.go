package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-resty/resty/v2"

	"github.com/stopbot/gostop/internal/protection"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	longStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2"))

	shortStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("236"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true)
)

type sessionsResponse struct {
	Sessions []protection.SessionView `json:"sessions"`
}

type historyEntry struct {
	Kind   string `json:"kind"`
	Symbol string `json:"symbol"`
	Detail string `json:"detail,omitempty"`
	At     string `json:"at"`
}

type historyResponse struct {
	Actions []historyEntry `json:"actions"`
}

type snapshot struct {
	Sessions []protection.SessionView
	Requests protection.RequestsView
	History  []historyEntry
	FetchedAt time.Time
}

type snapshotMsg struct {
	snap snapshot
	err  error
}

type cancelResultMsg struct {
	symbol string
	err    error
}

type tickMsg time.Time

type apiClient struct {
	http *resty.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")).
			SetTimeout(5 * time.Second),
	}
}

func (c *apiClient) fetch() (snapshot, error) {
	var snap snapshot

	var sessions sessionsResponse
	if resp, err := c.http.R().SetResult(&sessions).Get("/api/sessions"); err != nil {
		return snap, err
	} else if !resp.IsSuccess() {
		return snap, fmt.Errorf("sessions: %s", resp.Status())
	}
	snap.Sessions = sessions.Sessions

	var requests protection.RequestsView
	if resp, err := c.http.R().SetResult(&requests).Get("/api/requests"); err != nil {
		return snap, err
	} else if !resp.IsSuccess() {
		return snap, fmt.Errorf("requests: %s", resp.Status())
	}
	snap.Requests = requests

	var history historyResponse
	if resp, err := c.http.R().
		SetQueryParam("limit", "12").
		SetResult(&history).
		Get("/api/history"); err != nil {
		return snap, err
	} else if !resp.IsSuccess() {
		return snap, fmt.Errorf("history: %s", resp.Status())
	}
	snap.History = history.Actions

	snap.FetchedAt = time.Now()
	return snap, nil
}

func (c *apiClient) cancelProtection(symbol string) error {
	resp, err := c.http.R().Post("/api/instruments/" + symbol + "/cancel_protection")
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("cancel_protection: %s", resp.Status())
	}
	return nil
}

type model struct {
	client   *apiClient
	interval time.Duration

	snap    snapshot
	loaded  bool
	lastErr error
	status  string

	cursor int
}

func initialModel(client *apiClient, interval time.Duration) model {
	return model{client: client, interval: interval}
}

func (m model) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.client.fetch()
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), m.tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.snap.Sessions)-1 {
				m.cursor++
			}
		case "c":
			if m.cursor < len(m.snap.Sessions) {
				symbol := m.snap.Sessions[m.cursor].Symbol
				m.status = "canceling protection for " + symbol + "..."
				return m, func() tea.Msg {
					return cancelResultMsg{symbol: symbol, err: m.client.cancelProtection(symbol)}
				}
			}
		}

	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), m.tickCmd())

	case snapshotMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.loaded = true
		m.snap = msg.snap
		if m.cursor >= len(m.snap.Sessions) && m.cursor > 0 {
			m.cursor = len(m.snap.Sessions) - 1
		}

	case cancelResultMsg:
		if msg.err != nil {
			m.status = "cancel " + msg.symbol + " failed: " + msg.err.Error()
		} else {
			m.status = "protection canceled for " + msg.symbol
		}
		return m, m.fetchCmd()
	}

	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("gostop protection watch"))
	b.WriteString("\n\n")

	if m.lastErr != nil {
		b.WriteString(errStyle.Render("API error: " + m.lastErr.Error()))
		b.WriteString("\n\n")
	}
	if !m.loaded {
		b.WriteString(dimStyle.Render("loading..."))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.renderSessions())
	b.WriteString("\n")
	b.WriteString(m.renderRequests())
	b.WriteString("\n")
	b.WriteString(m.renderHistory())
	b.WriteString("\n")

	if m.status != "" {
		b.WriteString(m.status)
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf(
		"updated %s  |  j/k move  c cancel protection  r refresh  q quit",
		m.snap.FetchedAt.Format("15:04:05"),
	)))
	b.WriteString("\n")
	return b.String()
}

func (m model) renderSessions() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Sessions"))
	b.WriteString("\n")
	if len(m.snap.Sessions) == 0 {
		b.WriteString(dimStyle.Render("  (no tracked instruments)"))
		return borderStyle.Render(b.String())
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %-14s %10s %10s %10s %10s %9s", "SYMBOL", "QTY", "ENTRY", "STOP", "COVERED", "BACKUPS")))
	b.WriteString("\n")
	for i, s := range m.snap.Sessions {
		side := longStyle
		if s.Quantity.Sign() < 0 {
			side = shortStyle
		}
		line := fmt.Sprintf("  %-14s %10s %10s %10s %10s %9d",
			s.Symbol, s.Quantity, s.EntryTarget, s.StopTarget, s.CoveredQuantity, len(s.BackupOrderIDs))
		if i == m.cursor {
			line = selectedStyle.Render(line)
		} else {
			line = side.Render(line)
		}
		b.WriteString(line)
		if i != len(m.snap.Sessions)-1 {
			b.WriteString("\n")
		}
	}
	return borderStyle.Render(b.String())
}

func (m model) renderRequests() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Synthetic requests"))
	b.WriteString("\n")
	if len(m.snap.Requests.Entries) == 0 && len(m.snap.Requests.Stops) == 0 {
		b.WriteString(dimStyle.Render("  (none pending)"))
		return borderStyle.Render(b.String())
	}
	for _, e := range m.snap.Requests.Entries {
		b.WriteString(fmt.Sprintf("  entry %-14s target=%s qty=%s timeout=%s\n",
			e.Symbol, e.TargetPrice, e.Quantity, e.TimeoutAt.Local().Format("15:04:05")))
	}
	for _, s := range m.snap.Requests.Stops {
		b.WriteString(fmt.Sprintf("  stop  %-14s target=%s qty=%s timeout=%s\n",
			s.Symbol, s.TargetPrice, s.Quantity, s.TimeoutAt.Local().Format("15:04:05")))
	}
	return borderStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func (m model) renderHistory() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Recent actions"))
	b.WriteString("\n")
	if len(m.snap.History) == 0 {
		b.WriteString(dimStyle.Render("  (no history)"))
		return borderStyle.Render(b.String())
	}
	for i, h := range m.snap.History {
		at := h.At
		if t, err := time.Parse(time.RFC3339Nano, h.At); err == nil {
			at = t.Local().Format("15:04:05")
		}
		line := fmt.Sprintf("  %s %-26s %-14s %s", at, h.Kind, h.Symbol, h.Detail)
		b.WriteString(dimStyle.Render(line))
		if i != len(m.snap.History)-1 {
			b.WriteString("\n")
		}
	}
	return borderStyle.Render(b.String())
}

func main() {
	baseURL := flag.String("api", "http://127.0.0.1:8089", "control plane base URL")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	flag.Parse()

	m := initialModel(newAPIClient(*baseURL), *interval)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "protection-watch: %v\n", err)
		os.Exit(1)
	}
}
