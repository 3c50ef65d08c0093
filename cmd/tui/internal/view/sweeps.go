package view

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/MrJamesThe3rd/finsync/internal/cleanup"
	"github.com/MrJamesThe3rd/finsync/internal/scheduler"
)

type DueProcessor interface {
	ProcessDue(ctx context.Context, opts scheduler.Options) (*scheduler.Summary, error)
}

type DormantSweeper interface {
	Run(ctx context.Context) (*cleanup.Summary, error)
}

type sweepKind string

const (
	sweepProcessDue sweepKind = "process_due"
	sweepSafetyNet  sweepKind = "safety_net"
	sweepCleanup    sweepKind = "cleanup"
)

type sweepsState int

const (
	sweepsStatePick sweepsState = iota
	sweepsStateRunning
	sweepsStateResult
)

type SweepsModel struct {
	CommonModel
	due       DueProcessor
	sweeper   DormantSweeper
	batchSize int

	state   sweepsState
	form    *huh.Form
	spinner spinner.Model
	kind    sweepKind
	summary string
	err     error
}

func NewSweepsModel(due DueProcessor, sweeper DormantSweeper, batchSize int) SweepsModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	m := SweepsModel{
		due:       due,
		sweeper:   sweeper,
		batchSize: batchSize,
		spinner:   s,
	}
	m.form = buildSweepForm()

	return m
}

func buildSweepForm() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[sweepKind]().
				Key("sweep").
				Title("Run sweep").
				Options(
					huh.NewOption("Process due items", sweepProcessDue),
					huh.NewOption("Process due items + safety net", sweepSafetyNet),
					huh.NewOption("Dormant cleanup", sweepCleanup),
				),
		),
	).WithWidth(50).WithShowHelp(false)
}

func (m SweepsModel) Title() string { return "Sweeps" }

func (m SweepsModel) ShortHelp() string {
	switch m.state {
	case sweepsStateRunning:
		return "Running..."
	case sweepsStateResult:
		return "Enter: run another | Esc: back"
	}

	return "Esc: back | Enter: run"
}

func (m SweepsModel) Init() tea.Cmd {
	return m.form.Init()
}

func (m SweepsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m.state {
	case sweepsStatePick:
		return m.updatePick(msg)
	case sweepsStateRunning:
		return m.updateRunning(msg)
	case sweepsStateResult:
		return m.updateResult(msg)
	}

	return m, nil
}

func (m SweepsModel) updatePick(msg tea.Msg) (tea.Model, tea.Cmd) {
	if keyMsg, ok := msg.(tea.KeyMsg); ok && keyMsg.Type == tea.KeyEsc {
		return m, Back
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State != huh.StateCompleted {
		return m, cmd
	}

	kind, _ := m.form.Get("sweep").(sweepKind)

	m.kind = kind
	m.state = sweepsStateRunning
	m.err = nil

	return m, tea.Batch(m.spinner.Tick, m.runSweepCmd(kind))
}

func (m SweepsModel) updateRunning(msg tea.Msg) (tea.Model, tea.Cmd) {
	if result, ok := msg.(sweepResultMsg); ok {
		m.state = sweepsStateResult
		m.summary = result.body
		m.err = result.err

		return m, nil
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)

	return m, cmd
}

func (m SweepsModel) updateResult(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch keyMsg.Type {
	case tea.KeyEsc:
		return m, Back
	case tea.KeyEnter:
		m.state = sweepsStatePick
		m.form = buildSweepForm()

		return m, m.form.Init()
	}

	return m, nil
}

func (m SweepsModel) View() string {
	switch m.state {
	case sweepsStatePick:
		return lipgloss.NewStyle().Padding(1).Render(m.form.View())

	case sweepsStateRunning:
		return lipgloss.NewStyle().Padding(1).Render(
			fmt.Sprintf("%s Running %s...", m.spinner.View(), m.kind),
		)

	case sweepsStateResult:
		if m.err != nil {
			return lipgloss.NewStyle().Padding(1).Render(errorStyle(fmt.Sprintf("Error: %v", m.err)) +
				"\n\n(Enter to run another, Esc to back)")
		}

		header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46")).Render(string(m.kind) + " complete")

		return lipgloss.NewStyle().Padding(1).Render(
			lipgloss.JoinVertical(lipgloss.Left, header, "", m.summary, "", "(Enter to run another, Esc to back)"),
		)
	}

	return ""
}

type sweepResultMsg struct {
	body string
	err  error
}

func (m SweepsModel) runSweepCmd(kind sweepKind) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		if kind == sweepCleanup {
			summary, err := m.sweeper.Run(ctx)
			if err != nil {
				return sweepResultMsg{err: err}
			}

			return sweepResultMsg{body: fmt.Sprintf("Notified: %d\nRemoved:  %d\nFailures: %d",
				summary.Notified, summary.Removed, summary.Failures)}
		}

		summary, err := m.due.ProcessDue(ctx, scheduler.Options{
			IncludeSafetyNet: kind == sweepSafetyNet,
			BatchSize:        m.batchSize,
		})
		if err != nil {
			return sweepResultMsg{err: err}
		}

		return sweepResultMsg{body: DescribeDueSummary(summary)}
	}
}

// DescribeDueSummary renders the counters followed by one line per non-trivial result.
func DescribeDueSummary(s *scheduler.Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Processed:     %d\n", s.Processed)
	fmt.Fprintf(&b, "Success:       %d\n", s.Success)
	fmt.Fprintf(&b, "Failed:        %d\n", s.Failed)
	fmt.Fprintf(&b, "Reauth needed: %d\n", s.ReauthNeeded)
	fmt.Fprintf(&b, "Skipped:       %d", s.Skipped)

	for _, res := range s.Results {
		if res.Error == "" && !res.Skipped {
			continue
		}

		b.WriteString("\n  ")
		b.WriteString(describeResult(res.ItemID, res))
	}

	return b.String()
}
