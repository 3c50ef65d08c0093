package view

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/finsync/internal/transaction"
)

type TransactionLister interface {
	List(ctx context.Context, filter transaction.ListFilter) ([]*transaction.Transaction, error)
}

type txState int

const (
	txStateTimeframe txState = iota
	txStateList
)

// txItem wraps a transaction to implement list.Item.
type txItem struct {
	tx *transaction.Transaction
}

func (i txItem) Title() string {
	desc := i.tx.Description
	if desc == "" {
		desc = i.tx.MerchantName
	}

	return fmt.Sprintf("%s  %14s  %s", FormatDate(i.tx.Date), FormatAmount(i.tx.Amount, i.tx.Currency), desc)
}

func (i txItem) Description() string {
	switch {
	case i.tx.Archived && i.tx.Provenance.RemovedAt != nil:
		return "removed upstream " + FormatStamp(i.tx.Provenance.RemovedAt)
	case i.tx.Archived:
		return "archived"
	case i.tx.IsManual:
		return "manual"
	}

	return i.tx.Category
}

func (i txItem) FilterValue() string {
	return i.tx.Description + " " + i.tx.MerchantName
}

// TransactionsModel browses the synced ledger of one tenant.
type TransactionsModel struct {
	CommonModel
	txs TransactionLister

	tenantID uuid.UUID
	label    string

	state           txState
	timeframePicker TimeframePicker
	list            list.Model
	includeArchived bool

	startDate time.Time
	endDate   time.Time
	allTime   bool
	loading   bool
	status    string
}

func NewTransactionsModel(txs TransactionLister, tenantID uuid.UUID, label string) TransactionsModel {
	l := list.New([]list.Item{}, txItemDelegate{}, 0, 0)
	l.Title = "Transactions: " + label
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(true)

	return TransactionsModel{
		txs:             txs,
		tenantID:        tenantID,
		label:           label,
		timeframePicker: NewTimeframePicker(TimeframeLast30Days),
		list:            l,
	}
}

func (m TransactionsModel) Title() string { return "Transactions" }

func (m TransactionsModel) ShortHelp() string {
	if m.state == txStateTimeframe {
		return "Esc: back | Enter: select"
	}

	return "Esc: back | a: toggle archived | /: filter"
}

func (m TransactionsModel) Init() tea.Cmd {
	return nil
}

func (m TransactionsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case TimeframeSelectedMsg:
		m.startDate = msg.Start
		m.endDate = msg.End
		m.allTime = msg.All
		m.loading = true
		m.state = txStateList

		return m, m.loadTxsCmd()

	case loadTxsMsg:
		m.loading = false
		m.status = ""

		if msg.err != nil {
			m.status = errorStyle(fmt.Sprintf("Error: %v", msg.err))
			return m, nil
		}

		items := make([]list.Item, len(msg.txs))
		for i, tx := range msg.txs {
			items[i] = txItem{tx: tx}
		}

		if len(items) == 0 {
			m.status = "No transactions found."
		}

		return m, m.list.SetItems(items)

	case tea.WindowSizeMsg:
		m.Width, m.Height = msg.Width, msg.Height
		m.list.SetSize(msg.Width-4, msg.Height-8)

		return m, nil
	}

	if m.state == txStateTimeframe {
		if keyMsg, ok := msg.(tea.KeyMsg); ok && keyMsg.Type == tea.KeyEsc && m.timeframePicker.IsSelecting() {
			return m, Back
		}

		var cmd tea.Cmd
		m.timeframePicker, cmd = m.timeframePicker.Update(msg)

		return m, cmd
	}

	return m.updateList(msg)
}

func (m TransactionsModel) updateList(msg tea.Msg) (tea.Model, tea.Cmd) {
	if keyMsg, ok := msg.(tea.KeyMsg); ok && m.list.FilterState() != list.Filtering {
		switch keyMsg.String() {
		case "esc":
			if m.list.FilterState() == list.FilterApplied {
				break
			}

			m.state = txStateTimeframe

			return m, nil
		case "a":
			m.includeArchived = !m.includeArchived
			m.loading = true

			return m, m.loadTxsCmd()
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)

	return m, cmd
}

func (m TransactionsModel) View() string {
	if m.state == txStateTimeframe {
		return lipgloss.NewStyle().Padding(1).Render(
			fmt.Sprintf("%s\n\n%s", activeStyle(m.label), m.timeframePicker.View()),
		)
	}

	if m.loading {
		return lipgloss.NewStyle().Padding(2).Render("Loading transactions...")
	}

	statusLine := ""
	if m.status != "" {
		statusLine = lipgloss.NewStyle().Faint(true).Render(m.status) + "\n"
	}

	return lipgloss.NewStyle().Padding(1).Render(statusLine + m.list.View())
}

type loadTxsMsg struct {
	txs []*transaction.Transaction
	err error
}

func (m TransactionsModel) loadTxsCmd() tea.Cmd {
	filter := transaction.ListFilter{
		TenantID:        m.tenantID,
		IncludeArchived: m.includeArchived,
	}

	if !m.allTime {
		start, end := m.startDate, m.endDate
		filter.StartDate = &start
		filter.EndDate = &end
	}

	return func() tea.Msg {
		ctx, cancel := DbCtx()
		defer cancel()

		txs, err := m.txs.List(ctx, filter)

		return loadTxsMsg{txs: txs, err: err}
	}
}

// txItemDelegate renders items in the list.
type txItemDelegate struct{}

func (d txItemDelegate) Height() int                             { return 2 }
func (d txItemDelegate) Spacing() int                            { return 0 }
func (d txItemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }

func (d txItemDelegate) Render(w io.Writer, m list.Model, index int, li list.Item) {
	i, ok := li.(txItem)
	if !ok {
		return
	}

	title := i.Title()

	switch {
	case index == m.Index():
		title = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true).Render("> " + title)
	case i.tx.Archived:
		title = lipgloss.NewStyle().Strikethrough(true).Faint(true).Render(title)
	}

	fmt.Fprintf(w, "  %s\n", title)
	fmt.Fprintf(w, "    %s\n", lipgloss.NewStyle().Faint(true).Render(i.Description()))
}
