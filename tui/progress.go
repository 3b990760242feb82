package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Phase is the stage the run is in
type Phase string

const (
	PhaseConnect  Phase = "Connecting"
	PhaseCatalog  Phase = "Reading card"
	PhaseDownload Phase = "Downloading"
	PhaseRealtime Phase = "Waiting for captures"
	PhaseRetry    Phase = "Retrying"
)

// StatusMsg changes the phase line
type StatusMsg struct {
	Phase Phase
	Text  string
}

// FileProgressMsg reports the bytes received for the file in transfer
type FileProgressMsg struct {
	Name     string
	Received int64
	Total    int64
}

// DoneMsg ends the view
type DoneMsg struct {
	Files   int
	Bytes   int64
	Elapsed time.Duration
	Error   error
}

// ProgressModel is the Bubble Tea model for the transfer view
type ProgressModel struct {
	Camera string

	bar     progress.Model
	spinner spinner.Model
	styles  *theme

	phase  Phase
	status string

	file     string
	received int64
	total    int64
	fileAt   time.Time
	counted  bool

	files int
	bytes int64

	startTime time.Time
	width     int
	done      bool
	result    *DoneMsg
}

// NewProgressModel creates the view for camera
func NewProgressModel(camera string) *ProgressModel {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(colorBar)

	return &ProgressModel{
		Camera: camera,
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(40),
		),
		spinner:   spin,
		styles:    defaultTheme(),
		phase:     PhaseConnect,
		startTime: time.Now(),
		width:     80,
	}
}

// Init initializes the model
func (m *ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages
func (m *ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 30

	case StatusMsg:
		m.phase = msg.Phase
		m.status = msg.Text

	case FileProgressMsg:
		if msg.Name != m.file {
			m.file = msg.Name
			m.fileAt = time.Now()
			m.counted = false
		}
		m.phase = PhaseDownload
		if msg.Received >= msg.Total && !m.counted {
			m.counted = true
			m.files++
			m.bytes += msg.Total
		}
		m.received = msg.Received
		m.total = msg.Total

	case DoneMsg:
		m.done = true
		m.result = &msg
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		pm, cmd := m.bar.Update(msg)
		m.bar = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

// View renders the model
func (m *ProgressModel) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("camxfer") + "\n\n")
	if m.Camera != "" {
		b.WriteString(fmt.Sprintf("  %s %s\n\n", m.styles.Muted.Render("Camera:"), m.Camera))
	}

	if m.done && m.result != nil {
		if m.result.Error != nil {
			b.WriteString(m.styles.Error.Render(fmt.Sprintf("  %s %v", symbolError, m.result.Error)) + "\n")
		} else {
			b.WriteString(m.styles.Success.Render(fmt.Sprintf("  %s %d file(s), %s in %s", symbolSuccess,
				m.result.Files, FormatBytes(m.result.Bytes), FormatDuration(m.result.Elapsed))) + "\n")
		}
		return b.String()
	}

	line := fmt.Sprintf("  %s %s", m.spinner.View(), m.styles.Info.Render(string(m.phase)))
	if m.status != "" {
		line += " " + m.styles.Muted.Render(m.status)
	}
	b.WriteString(line + "\n")

	if m.file != "" && m.total > 0 {
		pct := float64(m.received) / float64(m.total)
		details := fmt.Sprintf(" %s/%s", FormatBytes(m.received), FormatBytes(m.total))
		if secs := time.Since(m.fileAt).Seconds(); secs > 0 && m.received < m.total {
			details += fmt.Sprintf(" %s/s", FormatBytes(int64(float64(m.received)/secs)))
		}
		b.WriteString(fmt.Sprintf("  %s %s\n", symbolArrow, m.file))
		b.WriteString("    " + m.bar.ViewAs(pct) + m.styles.Muted.Render(details) + "\n")
	}

	b.WriteString(fmt.Sprintf("\n  %s %d file(s), %s\n", m.styles.Muted.Render("Transferred:"), m.files, FormatBytes(m.bytes)))
	b.WriteString(fmt.Sprintf("  %s %s\n", m.styles.Muted.Render("Elapsed:"), FormatDuration(time.Since(m.startTime))))
	b.WriteString(fmt.Sprintf("\n  %s\n", m.styles.Help.Render("Press q to quit")))
	return b.String()
}

// Done returns whether the model is done
func (m *ProgressModel) Done() bool {
	return m.done
}

// Result returns the final result
func (m *ProgressModel) Result() *DoneMsg {
	return m.result
}

// Sender is the part of *tea.Program the reporter uses.
type Sender interface {
	Send(msg tea.Msg)
}

// Reporter forwards run events to a program, limiting file progress to
// one message per interval.
type Reporter struct {
	p        Sender
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewReporter returns a reporter sending to p.
func NewReporter(p Sender) *Reporter {
	return &Reporter{p: p, interval: 100 * time.Millisecond}
}

// Progress has the signature of download.ProgressFunc.
func (r *Reporter) Progress(name string, received, total int64) {
	r.mu.Lock()
	now := time.Now()
	send := received >= total || now.Sub(r.last) >= r.interval
	if send {
		r.last = now
	}
	r.mu.Unlock()
	if send {
		r.p.Send(FileProgressMsg{Name: name, Received: received, Total: total})
	}
}

// Status reports a phase change.
func (r *Reporter) Status(phase Phase, text string) {
	r.p.Send(StatusMsg{Phase: phase, Text: text})
}

// Done ends the view.
func (r *Reporter) Done(msg DoneMsg) {
	r.p.Send(msg)
}
