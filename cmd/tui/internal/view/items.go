package view

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/finsync/internal/item"
	"github.com/MrJamesThe3rd/finsync/internal/itemsync"
)

// ItemService is the part of the item service the console drives.
type ItemService interface {
	List(ctx context.Context, filter item.ListFilter) ([]*item.Item, error)
	Relinked(ctx context.Context, tenantID, id uuid.UUID) error
	Unlink(ctx context.Context, tenantID, id uuid.UUID) error
}

type ItemSyncer interface {
	SyncByID(ctx context.Context, tenantID, id uuid.UUID) (itemsync.Result, error)
}

type itemsState int

const (
	itemsStateBrowse itemsState = iota
	itemsStateConfirm
	itemsStateSyncing
)

type itemAction int

const (
	actionRelink itemAction = iota
	actionUnlink
)

// statusFilters is the cycle behind the "s" key; the empty status lists all.
var statusFilters = []item.Status{
	"",
	item.StatusActive,
	item.StatusSyncNeeded,
	item.StatusSyncing,
	item.StatusFailed,
	item.StatusNeedsReauth,
	item.StatusPendingCleanup,
}

type ItemsModel struct {
	CommonModel
	items  ItemService
	syncer ItemSyncer

	state   itemsState
	table   table.Model
	spinner spinner.Model
	rows    []*item.Item

	filterIdx int
	loading   bool
	err       error
	status    string

	form   *huh.Form
	action itemAction
	target *item.Item
}

func NewItemsModel(items ItemService, syncer ItemSyncer) ItemsModel {
	columns := []table.Column{
		{Title: "Institution", Width: 24},
		{Title: "Status", Width: 16},
		{Title: "Last Sync", Width: 17},
		{Title: "Last Webhook", Width: 17},
		{Title: "Tenant", Width: 36},
		{Title: "Error", Width: 30},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(15),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return ItemsModel{
		items:   items,
		syncer:  syncer,
		table:   t,
		spinner: sp,
		loading: true,
	}
}

func (m ItemsModel) Title() string { return "Linked Items" }

func (m ItemsModel) ShortHelp() string {
	switch m.state {
	case itemsStateConfirm:
		return "Navigate form | Esc: cancel"
	case itemsStateSyncing:
		return "Syncing..."
	}

	return "Esc: back | s: status filter | r: refresh | y: sync now | R: relinked | x: unlink | t: transactions"
}

func (m ItemsModel) Init() tea.Cmd {
	return m.loadItemsCmd()
}

func (m ItemsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case loadItemsMsg:
		m.loading = false
		m.err = msg.err

		if msg.err == nil {
			m.rows = msg.items
			m.refreshTable()
		}

		return m, nil

	case itemActionMsg:
		m.state = itemsStateBrowse
		m.form = nil
		m.status = msg.summary

		if msg.err != nil {
			m.status = errorStyle(fmt.Sprintf("Error: %v", msg.err))
		}

		m.table.Focus()

		return m, m.loadItemsCmd()

	case tea.WindowSizeMsg:
		m.Width, m.Height = msg.Width, msg.Height
		m.table.SetHeight(max(msg.Height-10, 5))

		return m, nil
	}

	switch m.state {
	case itemsStateConfirm:
		return m.updateConfirm(msg)
	case itemsStateSyncing:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)

		return m, cmd
	}

	return m.updateBrowse(msg)
}

func (m ItemsModel) updateBrowse(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)

		return m, cmd
	}

	switch keyMsg.String() {
	case "esc":
		return m, Back
	case "r":
		m.loading = true
		return m, m.loadItemsCmd()
	case "s":
		m.filterIdx = (m.filterIdx + 1) % len(statusFilters)
		m.loading = true

		return m, m.loadItemsCmd()
	case "y":
		it := m.selected()
		if it == nil {
			return m, nil
		}

		m.state = itemsStateSyncing
		m.status = ""
		m.table.Blur()

		return m, tea.Batch(m.spinner.Tick, m.syncCmd(it))
	case "R":
		return m.confirm(actionRelink)
	case "x":
		return m.confirm(actionUnlink)
	case "t":
		it := m.selected()
		if it == nil {
			return m, nil
		}

		return m, func() tea.Msg {
			return ShowTransactionsMsg{TenantID: it.TenantID, Label: it.InstitutionName}
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)

	return m, cmd
}

func (m ItemsModel) confirm(action itemAction) (tea.Model, tea.Cmd) {
	it := m.selected()
	if it == nil {
		return m, nil
	}

	title := fmt.Sprintf("Mark %s as re-authenticated and queue a sync?", it.InstitutionName)
	if action == actionUnlink {
		title = fmt.Sprintf("Revoke %s upstream and remove it?", it.InstitutionName)
	}

	m.action = action
	m.target = it
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Key("confirm").
				Title(title).
				Affirmative("Yes").
				Negative("No"),
		),
	).WithWidth(60).WithShowHelp(false)

	m.state = itemsStateConfirm
	m.table.Blur()

	return m, m.form.Init()
}

func (m ItemsModel) updateConfirm(msg tea.Msg) (tea.Model, tea.Cmd) {
	if keyMsg, ok := msg.(tea.KeyMsg); ok && keyMsg.Type == tea.KeyEsc {
		m.state = itemsStateBrowse
		m.form = nil
		m.table.Focus()

		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State != huh.StateCompleted {
		return m, cmd
	}

	if !m.form.GetBool("confirm") {
		m.state = itemsStateBrowse
		m.form = nil
		m.table.Focus()

		return m, nil
	}

	return m, m.applyActionCmd(m.action, m.target)
}

func (m ItemsModel) View() string {
	if m.loading {
		return lipgloss.NewStyle().Padding(2).Render("Loading items...")
	}

	if m.err != nil {
		return lipgloss.NewStyle().Padding(2).Render(errorStyle(fmt.Sprintf("Error: %v", m.err)))
	}

	label := "All"
	if s := statusFilters[m.filterIdx]; s != "" {
		label = string(s)
	}

	header := fmt.Sprintf("Filter: [s] Status: %s | %d items", activeStyle(label), len(m.rows))

	tableView := lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		Render(m.table.View())

	content := lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.NewStyle().PaddingBottom(1).Render(header),
		tableView,
	)

	switch {
	case m.state == itemsStateConfirm && m.form != nil:
		panel := lipgloss.NewStyle().
			Padding(1, 2).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Width(64).
			Render(m.form.View())

		content = lipgloss.JoinVertical(lipgloss.Left, content, panel)
	case m.state == itemsStateSyncing:
		content = lipgloss.JoinVertical(lipgloss.Left, content, m.spinner.View()+" Running sync pass...")
	}

	if m.status != "" {
		content = lipgloss.NewStyle().Faint(true).Render(m.status) + "\n" + content
	}

	return lipgloss.NewStyle().Padding(1).Render(content + "\n\n" + lipgloss.NewStyle().Faint(true).Render(m.ShortHelp()))
}

func (m ItemsModel) selected() *item.Item {
	idx := m.table.Cursor()
	if idx < 0 || idx >= len(m.rows) {
		return nil
	}

	return m.rows[idx]
}

func (m *ItemsModel) refreshTable() {
	rows := make([]table.Row, 0, len(m.rows))

	for _, it := range m.rows {
		rows = append(rows, table.Row{
			it.InstitutionName,
			string(it.Status),
			FormatStamp(it.LastSyncedAt),
			FormatStamp(it.LastWebhookAt),
			it.TenantID.String(),
			it.LastSyncError,
		})
	}

	m.table.SetRows(rows)
}

// Messages

type loadItemsMsg struct {
	items []*item.Item
	err   error
}

func (m ItemsModel) loadItemsCmd() tea.Cmd {
	filter := item.ListFilter{}
	if s := statusFilters[m.filterIdx]; s != "" {
		filter.Status = &s
	}

	return func() tea.Msg {
		ctx, cancel := DbCtx()
		defer cancel()

		items, err := m.items.List(ctx, filter)

		return loadItemsMsg{items: items, err: err}
	}
}

type itemActionMsg struct {
	summary string
	err     error
}

func (m ItemsModel) syncCmd(it *item.Item) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		res, err := m.syncer.SyncByID(ctx, it.TenantID, it.ID)
		if err != nil {
			return itemActionMsg{err: err}
		}

		return itemActionMsg{summary: describeResult(it.InstitutionName, res)}
	}
}

func (m ItemsModel) applyActionCmd(action itemAction, it *item.Item) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		if action == actionUnlink {
			if err := m.items.Unlink(ctx, it.TenantID, it.ID); err != nil {
				return itemActionMsg{err: fmt.Errorf("unlinking item: %w", err)}
			}

			return itemActionMsg{summary: it.InstitutionName + " removed"}
		}

		if err := m.items.Relinked(ctx, it.TenantID, it.ID); err != nil {
			return itemActionMsg{err: fmt.Errorf("marking item relinked: %w", err)}
		}

		return itemActionMsg{summary: it.InstitutionName + " queued for sync"}
	}
}

func describeResult(name string, res itemsync.Result) string {
	switch {
	case res.Skipped:
		return fmt.Sprintf("%s: skipped, another pass holds the item", name)
	case res.Error != "":
		return fmt.Sprintf("%s: %s (%s)", name, res.Status, res.Error)
	}

	return fmt.Sprintf("%s: %s, %d new, %d updated, %d removed, %d pruned",
		name, res.Status, res.New, res.Updated, res.Removed, res.RetentionPruned)
}
