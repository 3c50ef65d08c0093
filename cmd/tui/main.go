package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"

	"github.com/MrJamesThe3rd/finsync/cmd/tui/internal/view"
	"github.com/MrJamesThe3rd/finsync/internal/app"
	"github.com/MrJamesThe3rd/finsync/internal/config"
)

type View int

const (
	ViewMenu View = iota
	ViewItems
	ViewSweeps
	ViewTransactions
)

type model struct {
	app *app.App

	currentView View
	size        tea.WindowSizeMsg

	itemsView  view.ItemsModel
	sweepsView view.SweepsModel
	txView     view.TransactionsModel
}

func initialModel(a *app.App) model {
	return model{
		app:         a,
		currentView: ViewMenu,
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.size = msg
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

		if m.currentView == ViewMenu {
			switch msg.String() {
			case "q":
				return m, tea.Quit
			case "1":
				m.currentView = ViewItems
				m.itemsView = view.NewItemsModel(m.app.Items, m.app.Engine)

				return m, tea.Batch(m.itemsView.Init(), m.resize)
			case "2":
				m.currentView = ViewSweeps
				m.sweepsView = view.NewSweepsModel(m.app.Scheduler, m.app.Sweeper, m.app.Config.Sync.BatchSize)

				return m, m.sweepsView.Init()
			}
		}
	case view.ShowTransactionsMsg:
		m.currentView = ViewTransactions
		m.txView = view.NewTransactionsModel(m.app.Transactions, msg.TenantID, msg.Label)

		return m, tea.Batch(m.txView.Init(), m.resize)
	case view.BackMsg:
		if m.currentView == ViewTransactions {
			m.currentView = ViewItems
			return m, m.itemsView.Init()
		}

		m.currentView = ViewMenu

		return m, nil
	}

	switch m.currentView {
	case ViewItems:
		var newModel tea.Model
		newModel, cmd = m.itemsView.Update(msg)
		m.itemsView = newModel.(view.ItemsModel)
	case ViewSweeps:
		var newModel tea.Model
		newModel, cmd = m.sweepsView.Update(msg)
		m.sweepsView = newModel.(view.SweepsModel)
	case ViewTransactions:
		var newModel tea.Model
		newModel, cmd = m.txView.Update(msg)
		m.txView = newModel.(view.TransactionsModel)
	}

	return m, cmd
}

// resize replays the last window size so a freshly built view lays itself out.
func (m model) resize() tea.Msg {
	if m.size.Width == 0 {
		return nil
	}

	return m.size
}

func (m model) View() string {
	switch m.currentView {
	case ViewMenu:
		return lipgloss.NewStyle().Padding(2).Render(
			fmt.Sprintf("Finsync Console (%s, %s)\n\n", m.app.Config.App.Env, m.app.Config.DB.Driver) +
				"1. Linked Items\n" +
				"2. Run Sweeps\n\n" +
				"q. Quit",
		)
	case ViewItems:
		return m.itemsView.View()
	case ViewSweeps:
		return m.sweepsView.View()
	case ViewTransactions:
		return m.txView.View()
	}

	return "Unknown View"
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// the terminal belongs to the UI; logs go to stderr at warn and above
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		slog.Error("failed to initialize app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	p := tea.NewProgram(initialModel(a), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		slog.Error("failed to run TUI", "error", err)
		os.Exit(1)
	}
}
