package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/airframesio/table-exporter/cmd/jobs"
	"github.com/airframesio/table-exporter/cmd/metrics"
)

const (
	pollInterval = 500 * time.Millisecond
	maxMessages  = 8
)

// jobGetter is the part of the exporter the progress UI polls
type jobGetter interface {
	GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
}

type progressModel struct {
	jobID    uuid.UUID
	table    string
	jobs     jobGetter
	cancel   context.CancelFunc
	logs     <-chan string
	progress progress.Model
	spinner  spinner.Model
	job      *jobs.Job
	messages []string
	width    int
	height   int
	stopping bool
	done     bool
	now      func() time.Time
}

type jobMsg struct {
	job *jobs.Job
	err error
}

type pollTickMsg time.Time

type logMsg string

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Margin(0, 2)

	errorTextStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87")).
			Margin(0, 2)
)

func newProgressModel(jobID uuid.UUID, table string, getter jobGetter, cancel context.CancelFunc, logs <-chan string) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	bar := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(60),
	)

	return progressModel{
		jobID:    jobID,
		table:    table,
		jobs:     getter,
		cancel:   cancel,
		logs:     logs,
		progress: bar,
		spinner:  s,
		messages: make([]string, 0, maxMessages),
		now:      time.Now,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll(), waitForLog(m.logs))
}

// poll reads the current job state from the store
func (m progressModel) poll() tea.Cmd {
	getter, id := m.jobs, m.jobID
	return func() tea.Msg {
		job, err := getter.GetJob(context.Background(), id)
		return jobMsg{job: job, err: err}
	}
}

func waitForLog(logs <-chan string) tea.Cmd {
	if logs == nil {
		return nil
	}
	return func() tea.Msg {
		return logMsg(<-logs)
	}
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		return m.handleWindowSizeMsg(msg)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case jobMsg:
		return m.handleJobMsg(msg)
	case pollTickMsg:
		return m, m.poll()
	case logMsg:
		m.addMessage(string(msg))
		return m, waitForLog(m.logs)
	}
	return m, nil
}

// handleKeyMsg cancels the export on the first quit key and leaves the UI
// on the second
func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() != "ctrl+c" && msg.String() != "q" {
		return m, nil
	}
	if m.stopping {
		m.done = true
		return m, tea.Quit
	}
	m.stopping = true
	if m.cancel != nil {
		m.cancel()
	}
	m.addMessage("⚠️  Cancelling export, press again to leave immediately")
	return m, nil
}

func (m progressModel) handleWindowSizeMsg(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height
	if msg.Width > 10 {
		m.progress.Width = msg.Width - 10
	}
	return m, nil
}

func (m progressModel) handleJobMsg(msg jobMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.addMessage(fmt.Sprintf("❌ Failed to read job state: %v", msg.err))
	} else {
		m.job = msg.job
		if m.job.Status.Terminal() {
			m.done = true
			return m, tea.Quit
		}
	}
	return m, tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return pollTickMsg(t)
	})
}

func (m *progressModel) addMessage(message string) {
	m.messages = append(m.messages, message)
	if len(m.messages) > maxMessages {
		m.messages = m.messages[len(m.messages)-maxMessages:]
	}
}

func (m progressModel) renderBanner() []string {
	return []string{
		"",
		"   " + titleStyle.Render("Table Exporter") + " " + helpStyle.Render("v"+Version),
		"",
	}
}

// renderMessages renders the message log section
func (m progressModel) renderMessages() []string {
	var sections []string
	sections = append(sections, helpStyle.Render("   Log:"))
	if len(m.messages) == 0 {
		sections = append(sections, "     (waiting for operations...)")
	} else {
		for _, msg := range m.messages {
			sections = append(sections, "     "+msg)
		}
	}
	return sections
}

// renderSeparator renders a horizontal separator
func (m progressModel) renderSeparator() []string {
	separatorWidth := 80
	if m.width > 6 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	separator := "   " + strings.Repeat("─", separatorWidth)
	return []string{"", lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render(separator), ""}
}

// renderJob renders the state of the running job
func (m progressModel) renderJob() []string {
	var sections []string
	sections = append(sections, tableHeaderStyle.Render(fmt.Sprintf("   Exporting %s", m.table)))
	sections = append(sections, progressInfoStyle.Render(fmt.Sprintf("   Job: %s", m.jobID)))
	sections = append(sections, "")

	if m.job == nil {
		sections = append(sections, stageStyle.Render("   "+m.spinner.View()+" Starting..."))
		return sections
	}

	stage := string(m.job.Status)
	if m.stopping {
		stage = "CANCELLING"
	}
	sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s %s", m.spinner.View(), stage)))

	rows := fmt.Sprintf("   Rows: %d", m.job.ProcessedRecords)
	if m.job.TotalRecords != nil {
		rows = fmt.Sprintf("   Rows: %d/%d", m.job.ProcessedRecords, *m.job.TotalRecords)
	}
	if speed, ok := m.speed(); ok {
		rows += "  " + metrics.FormatSpeed(speed)
	}
	sections = append(sections, progressInfoStyle.Render(rows))

	if percent, ok := m.job.ProgressPercent(); ok {
		sections = append(sections, "   "+m.progress.ViewAs(float64(percent)/100))
	}
	if m.job.ErrorMessage != nil {
		sections = append(sections, errorTextStyle.Render("   Error: "+*m.job.ErrorMessage))
	}
	return sections
}

// speed is the average row rate since the job started
func (m progressModel) speed() (float64, bool) {
	if m.job == nil || m.job.StartedAt == nil {
		return 0, false
	}
	elapsed := m.now().Sub(*m.job.StartedAt)
	if elapsed <= 0 {
		return 0, false
	}
	return float64(m.job.ProcessedRecords) / elapsed.Seconds(), true
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, m.renderBanner()...)
	sections = append(sections, m.renderMessages()...)
	sections = append(sections, m.renderSeparator()...)
	sections = append(sections, m.renderJob()...)

	sections = append(sections, "")
	sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to cancel the export"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
