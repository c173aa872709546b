package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/vinayprograms/orchestrator/internal/plan"
)

// confirmModel asks y/N for LOW and MEDIUM plans and for the typed phrase on
// HIGH plans. The gate still checks the phrase; the model only collects it.
type confirmModel struct {
	input    textinput.Model
	high     bool
	phrase   string
	done     bool
	accepted bool
}

func newConfirmModel(risk plan.RiskLevel, phrase string) *confirmModel {
	high := risk == plan.RiskHigh
	in := textinput.New()
	in.CharLimit = 200
	in.Width = 50
	in.Placeholder = "y/N"
	if high {
		in.Placeholder = phrase
	}
	in.Focus()
	return &confirmModel{input: in, high: high, phrase: phrase}
}

func (m *confirmModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			m.done = true
			v := strings.TrimSpace(m.input.Value())
			if m.high {
				m.accepted = v != ""
			} else {
				v = strings.ToLower(v)
				m.accepted = v == "y" || v == "yes"
			}
			return m, tea.Quit
		case tea.KeyEsc, tea.KeyCtrlC:
			m.done = true
			m.accepted = false
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *confirmModel) View() string {
	if m.done {
		return ""
	}
	var question string
	if m.high {
		question = fmt.Sprintf("This plan is %s risk. Type %q to confirm:", riskBadge(plan.RiskHigh), m.phrase)
	} else {
		question = "Execute this plan?"
	}
	return question + "\n" + m.input.View() + "\n" + dimStyle.Render("enter to submit, esc to decline") + "\n"
}

// typed returns what the user entered.
func (m *confirmModel) typed() string {
	return m.input.Value()
}

// askConfirmation runs the prompt and returns whether the plan was accepted
// and the text typed (the phrase, for HIGH plans).
func askConfirmation(risk plan.RiskLevel, phrase string, in io.Reader, out io.Writer) (bool, string, error) {
	m := newConfirmModel(risk, phrase)
	prog := tea.NewProgram(m, tea.WithInput(in), tea.WithOutput(out))
	final, err := prog.Run()
	if err != nil {
		return false, "", err
	}
	fm := final.(*confirmModel)
	return fm.accepted, fm.typed(), nil
}
