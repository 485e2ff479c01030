// Package ui contains the interactive stepper behind `ripple debug`.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"ripple/internal/bytecode"
	"ripple/internal/vm"
)

// continueStepBudget bounds one "continue" burst so the UI stays
// responsive on hot loops; the next burst picks up where it stopped.
const continueStepBudget = 100_000

type stepperModel struct {
	machine *vm.VM
	title   string

	listing    []bytecode.InstrLine
	listingFor int
	vp         viewport.Model

	width  int
	height int

	steps     uint64
	running   bool
	done      bool
	fault     *vm.VMError
	result    string
	hitBreak  bool
	lastEvent string
}

type stepDoneMsg struct{}

// NewStepper builds a Bubble Tea model driving a primed VM one
// instruction at a time. The caller must have called machine.Prime.
func NewStepper(title string, machine *vm.VM) tea.Model {
	vp := viewport.New(60, 20)
	m := &stepperModel{
		machine:    machine,
		title:      title,
		listingFor: -1,
		vp:         vp,
		width:      100,
		height:     30,
	}
	m.machine.SetBreakHandler(func(*vm.VM) { m.hitBreak = true })
	return m
}

func (m *stepperModel) Init() tea.Cmd {
	return nil
}

func (m *stepperModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "s", "n", " ", "enter":
			if !m.done && m.fault == nil {
				m.stepOnce()
			}
			return m, nil
		case "c":
			if !m.done && m.fault == nil {
				m.running = true
				return m, func() tea.Msg { return stepDoneMsg{} }
			}
			return m, nil
		case "g":
			m.machine.ForceCollect()
			m.lastEvent = "forced a cycle pass"
			return m, nil
		case "up", "k":
			m.vp.LineUp(1)
			return m, nil
		case "down", "j":
			m.vp.LineDown(1)
			return m, nil
		}
	case stepDoneMsg:
		if m.running {
			m.continueBurst()
			if m.running {
				return m, func() tea.Msg { return stepDoneMsg{} }
			}
		}
		return m, nil
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.height = msg.Height
			m.vp.Width = msg.Width/2 - 2
			m.vp.Height = msg.Height - 8
		}
		return m, nil
	}
	return m, nil
}

func (m *stepperModel) stepOnce() {
	if err := m.machine.StepOne(); err != nil {
		m.fault = err
		return
	}
	m.steps++
	if m.machine.Done() {
		m.finish()
	}
}

func (m *stepperModel) continueBurst() {
	m.hitBreak = false
	for i := 0; i < continueStepBudget; i++ {
		if err := m.machine.StepOne(); err != nil {
			m.fault = err
			m.running = false
			return
		}
		m.steps++
		if m.machine.Done() {
			m.finish()
			m.running = false
			return
		}
		if m.hitBreak {
			m.lastEvent = "stopped at breakpoint"
			m.running = false
			return
		}
	}
}

func (m *stepperModel) finish() {
	m.done = true
	result := m.machine.TakeResult()
	m.result = m.machine.Heap().Render(result)
	m.machine.ReleaseValue(result)
}

func (m *stepperModel) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	currentStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	faultStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	doneStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s  (%d steps)", m.title, m.steps)))
	b.WriteString("\n")

	switch {
	case m.fault != nil:
		b.WriteString(faultStyle.Render(m.fault.Error()))
		b.WriteString("\n\n")
	case m.done:
		b.WriteString(doneStyle.Render(fmt.Sprintf("finished: %s", m.result)))
		b.WriteString("\n\n")
	default:
		sp := m.machine.Stopped()
		b.WriteString(dimStyle.Render(fmt.Sprintf("code[%d]+0x%04X  frames=%d depth=%d",
			sp.CodeObject, sp.Offset, sp.FrameCount, sp.OperandDepth)))
		if m.lastEvent != "" {
			b.WriteString(dimStyle.Render("  " + m.lastEvent))
		}
		b.WriteString("\n\n")
	}

	m.refreshListing(currentStyle, dimStyle)
	left := m.vp.View()
	right := m.statePane(dimStyle)
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, "  ", right))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("s: step  c: continue  g: collect  q: quit"))
	b.WriteString("\n")
	return b.String()
}

// refreshListing rebuilds the disassembly pane around the instruction
// pointer, re-rendering only when the code object changes.
func (m *stepperModel) refreshListing(current, dim lipgloss.Style) {
	img := m.machine.CurrentImage()
	if img == nil {
		m.vp.SetContent(dim.Render("(no active frame)"))
		return
	}
	sp := m.machine.Stopped()
	if sp.CodeObject != m.listingFor {
		m.listing = bytecode.DisassembleCode(img, sp.CodeObject)
		m.listingFor = sp.CodeObject
	}

	var sb strings.Builder
	currentLine := 0
	for i, l := range m.listing {
		text := truncate(l.Text, m.vp.Width-2)
		if l.Offset == sp.Offset {
			sb.WriteString(current.Render("▶ " + text))
			currentLine = i
		} else {
			sb.WriteString("  " + text)
		}
		sb.WriteByte('\n')
	}
	m.vp.SetContent(sb.String())
	if currentLine > m.vp.Height/2 {
		m.vp.SetYOffset(currentLine - m.vp.Height/2)
	} else {
		m.vp.SetYOffset(0)
	}
}

func (m *stepperModel) statePane(dim lipgloss.Style) string {
	heap := m.machine.Heap()
	width := m.width/2 - 4
	if width < 24 {
		width = 24
	}

	var sb strings.Builder
	sb.WriteString("operand stack:\n")
	operands := m.machine.OperandSnapshot()
	if len(operands) == 0 {
		sb.WriteString(dim.Render("  (empty)"))
		sb.WriteByte('\n')
	}
	for i := len(operands) - 1; i >= 0; i-- {
		sb.WriteString(fmt.Sprintf("  [%d] %s\n", i, truncate(heap.Render(operands[i]), width)))
	}

	sb.WriteString("\nlocals:\n")
	locals := m.machine.LocalsSnapshot()
	if len(locals) == 0 {
		sb.WriteString(dim.Render("  (none)"))
		sb.WriteByte('\n')
	}
	for i, v := range locals {
		sb.WriteString(fmt.Sprintf("  %%%d = %s\n", i, truncate(heap.Render(v), width)))
	}

	stats := m.machine.HeapStats()
	sb.WriteString(fmt.Sprintf("\nheap: %d live, %d passes\n", stats.Live, stats.Collections))
	return sb.String()
}

func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width-3, "...")
}
