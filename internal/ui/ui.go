// Package ui is the interactive front end: pick a card, choose a name,
// confirm, install.
package ui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tomtom215/udev-audio-mapper/internal/alsa"
	"github.com/tomtom215/udev-audio-mapper/internal/mapper"
	"github.com/tomtom215/udev-audio-mapper/internal/rules"
)

// ErrCancelled is returned when the operator quits without installing.
var ErrCancelled = errors.New("operation cancelled by user")

type listItem struct {
	card alsa.Card
}

func (i listItem) Title() string {
	title := fmt.Sprintf("Card %s: %s", i.card.Number, i.card.Description)
	if i.card.Attrs.Serial != "" {
		title += fmt.Sprintf(" (S/N: %s)", i.card.Attrs.Serial)
	}
	return title
}

func (i listItem) Description() string {
	desc := fmt.Sprintf("VID:PID %s:%s", i.card.Attrs.VendorID, i.card.Attrs.ProductID)
	if i.card.KernelsPath != "" {
		desc += fmt.Sprintf(", Port: %s", i.card.KernelsPath)
	}
	return desc
}

func (i listItem) FilterValue() string {
	return i.Title()
}

type viewState int

const (
	stateCardSelect viewState = iota
	stateNameInput
	stateConfirmation
	stateError
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	activeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#43BF6D"))

	inactiveStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF0000"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA500"))

	docStyle = lipgloss.NewStyle().
			Margin(1, 2)

	highlightStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#874BFD"))
)

type keyMap struct {
	Enter   key.Binding
	Back    key.Binding
	Quit    key.Binding
	Confirm key.Binding
}

var keys = keyMap{
	Enter: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "select"),
	),
	Back: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("esc", "back"),
	),
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c", "q"),
		key.WithHelp("ctrl+c/q", "quit"),
	),
	Confirm: key.NewBinding(
		key.WithKeys("y"),
		key.WithHelp("y", "confirm"),
	),
}

// Model drives the interactive flow.
type Model struct {
	cards        []alsa.Card
	list         list.Model
	textInput    textinput.Model
	state        viewState
	selectedCard alsa.Card
	name         string
	mapper       *mapper.Mapper
	log          *slog.Logger
	errMsg       string
	result       *mapper.Result
	ctx          context.Context
}

// New builds the interactive model over the detected cards.
func New(ctx context.Context, cards []alsa.Card, m *mapper.Mapper, log *slog.Logger) Model {
	items := make([]list.Item, len(cards))
	for i, card := range cards {
		items[i] = listItem{card: card}
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Select USB Sound Card to Map"
	l.SetFilteringEnabled(false)
	l.SetShowHelp(true)
	l.SetShowStatusBar(false)
	l.SetShowPagination(true)

	ti := textinput.New()
	ti.Placeholder = "friendly name (lowercase letters, digits, hyphens)"
	ti.CharLimit = 32
	ti.Width = 40
	ti.Prompt = "› "

	return Model{
		cards:     cards,
		list:      l,
		textInput: ti,
		state:     stateCardSelect,
		mapper:    m,
		log:       log,
		ctx:       ctx,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		h, v := docStyle.GetFrameSize()
		m.list.SetSize(msg.Width-h, msg.Height-v)

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.log.Debug("user quit")
			return m, tea.Quit
		}

		switch m.state {
		case stateCardSelect:
			if key.Matches(msg, keys.Enter) {
				item, ok := m.list.SelectedItem().(listItem)
				if !ok {
					m.errMsg = "no card selected"
					m.state = stateError
					return m, nil
				}
				m.selectedCard = item.card
				suggested := rules.SuggestName(
					item.card.Attrs.VendorID, item.card.Attrs.ProductID,
					item.card.Attrs.Serial, item.card.KernelsPath, item.card.Number)
				m.textInput.SetValue(string(suggested))
				m.textInput.Focus()
				m.state = stateNameInput
				return m, textinput.Blink
			}
			m.list, cmd = m.list.Update(msg)
			cmds = append(cmds, cmd)

		case stateNameInput:
			switch {
			case key.Matches(msg, keys.Enter):
				if _, err := rules.ParseFriendlyName(m.textInput.Value()); err != nil {
					m.errMsg = err.Error()
					return m, nil
				}
				m.name = m.textInput.Value()
				m.errMsg = ""
				m.state = stateConfirmation
				return m, nil

			case key.Matches(msg, keys.Back):
				m.textInput.Blur()
				m.errMsg = ""
				m.state = stateCardSelect
				return m, nil
			}
			m.textInput, cmd = m.textInput.Update(msg)
			cmds = append(cmds, cmd)

		case stateConfirmation:
			switch {
			case key.Matches(msg, keys.Confirm):
				result, err := m.mapper.Map(m.ctx, m.selectedCard, m.name)
				if err != nil {
					m.log.Error("mapping failed", "error", err)
					m.errMsg = err.Error()
					m.state = stateError
					return m, nil
				}
				m.result = &result
				return m, tea.Quit

			case key.Matches(msg, keys.Back):
				m.state = stateNameInput
				return m, textinput.Blink
			}

		case stateError:
			m.errMsg = ""
			m.state = stateCardSelect
			return m, nil
		}
	}

	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(" udev-audio-mapper ") + "\n\n")

	switch m.state {
	case stateCardSelect:
		sb.WriteString(activeStyle.Render("Step 1: Select a USB sound card") + "\n\n")
		sb.WriteString(m.list.View() + "\n\n")
		sb.WriteString(inactiveStyle.Render("Step 2: Enter friendly name") + "\n")

	case stateNameInput:
		sb.WriteString(inactiveStyle.Render("Step 1: Select a USB sound card") + "\n")
		sb.WriteString(fmt.Sprintf("Selected: %s\n\n", highlightStyle.Render(m.selectedCard.Description)))
		sb.WriteString(activeStyle.Render("Step 2: Enter friendly name for this device") + "\n\n")
		sb.WriteString(m.textInput.View() + "\n\n")
		sb.WriteString("This name becomes the ALSA card id and the /dev/sound/by-id symlink.\n")
		sb.WriteString("Press Enter to confirm or Esc to go back.\n")
		if m.errMsg != "" {
			sb.WriteString("\n" + errorStyle.Render(m.errMsg) + "\n")
		}

	case stateConfirmation:
		sb.WriteString("Please confirm the following mapping:\n\n")
		sb.WriteString(fmt.Sprintf("Device: %s\n", highlightStyle.Render(m.selectedCard.Description)))
		sb.WriteString(fmt.Sprintf("Card Number: %s\n", m.selectedCard.Number))
		sb.WriteString(fmt.Sprintf("VID:PID: %s:%s\n", m.selectedCard.Attrs.VendorID, m.selectedCard.Attrs.ProductID))
		if m.selectedCard.Attrs.Serial != "" {
			sb.WriteString(fmt.Sprintf("Serial: %s\n", m.selectedCard.Attrs.Serial))
		} else {
			sb.WriteString(warnStyle.Render("No serial number: identity is not reboot-stable for this device.") + "\n")
		}
		if m.selectedCard.KernelsPath != "" {
			sb.WriteString(fmt.Sprintf("Physical Port: %s\n", m.selectedCard.KernelsPath))
		}
		sb.WriteString(fmt.Sprintf("\nFriendly Name: %s\n\n", highlightStyle.Render(m.name)))
		sb.WriteString("Press 'y' to confirm or Esc to go back.")

	case stateError:
		sb.WriteString(errorStyle.Render("Error:") + "\n\n")
		sb.WriteString(m.errMsg + "\n\n")
		sb.WriteString("Press any key to return to device selection...")
	}

	return docStyle.Render(sb.String())
}

// Run starts the interactive flow and returns the mapping result, or
// ErrCancelled if the operator quit early.
func Run(ctx context.Context, cards []alsa.Card, m *mapper.Mapper, log *slog.Logger) (mapper.Result, error) {
	if len(cards) == 0 {
		return mapper.Result{}, alsa.ErrNoUSBSoundCards
	}

	model := New(ctx, cards, m, log)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	final, err := p.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return mapper.Result{}, ctx.Err()
		}
		return mapper.Result{}, fmt.Errorf("ui error: %w", err)
	}

	done, ok := final.(Model)
	if !ok || done.result == nil {
		return mapper.Result{}, ErrCancelled
	}
	return *done.result, nil
}
