package view

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

type CommonModel struct {
	Width  int
	Height int
}

type BackMsg struct{}

func Back() tea.Msg {
	return BackMsg{}
}

// ShowTransactionsMsg asks the root model to open the ledger of one tenant.
type ShowTransactionsMsg struct {
	TenantID uuid.UUID
	Label    string
}
