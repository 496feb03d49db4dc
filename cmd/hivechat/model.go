package main

import (
	tea "github.com/charmbracelet/bubbletea"
)

// rootModel owns global keys and forwards everything else to the chat view.
type rootModel struct {
	chat chatModel
}

func newRootModel(chat chatModel) rootModel {
	return rootModel{chat: chat}
}

func (m rootModel) Init() tea.Cmd {
	return m.chat.Init()
}

func (m rootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if km, ok := msg.(tea.KeyMsg); ok {
		switch km.String() {
		case "ctrl+q", "ctrl+c":
			m.chat.close()
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.chat, cmd = m.chat.Update(msg)
	return m, cmd
}

func (m rootModel) View() string {
	return m.chat.View()
}
