package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/yllada/vpn-core/api"
	"github.com/yllada/vpn-core/events"
	"github.com/yllada/vpn-core/vpn"
)

// maxWatchEvents is how many recent events the watch view keeps.
const maxWatchEvents = 12

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type (
	statusMsg    vpn.Status
	eventMsg     events.Event
	streamEndMsg struct{ err error }
	opDoneMsg    struct{}
)

// watchModel shows the live connection state and recent events.
type watchModel struct {
	spinner spinner.Model
	status  vpn.Status
	events  []events.Event
	err     error
	now     func() time.Time
}

func newWatchModel() watchModel {
	return watchModel{
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(warnStyle)),
		now:     time.Now,
	}
}

func (m watchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case statusMsg:
		m.status = vpn.Status(msg)
	case eventMsg:
		m.events = append(m.events, events.Event(msg))
		if len(m.events) > maxWatchEvents {
			m.events = m.events[len(m.events)-maxWatchEvents:]
		}
	case streamEndMsg:
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) busy() bool {
	st := m.status.State
	return st == vpn.StateConnecting || st == vpn.StateDisconnecting || m.status.Reconnect.IsReconnecting
}

func (m watchModel) View() string {
	var b strings.Builder
	if m.busy() {
		b.WriteString(m.spinner.View() + " ")
	}
	b.WriteString(renderStatus(m.status, m.now()))
	b.WriteString("\n" + titleStyle.Render("Events") + "\n")
	if len(m.events) == 0 {
		b.WriteString(dimStyle.Render("  waiting for events") + "\n")
	}
	for _, e := range m.events {
		b.WriteString("  " + renderEvent(e) + "\n")
	}
	if m.err != nil {
		b.WriteString("\n" + failStyle.Render(m.err.Error()) + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("q to quit") + "\n")
	return b.String()
}

// refreshesStatus reports whether an event changes what status shows.
func refreshesStatus(t events.Type) bool {
	switch t {
	case events.Log, events.ServersTested:
		return false
	}
	return true
}

func newWatchCommand(o *options) *cobra.Command {
	var (
		plain bool
		types []string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow connection events live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			if plain || !isTerminal(cmd.OutOrStdout()) {
				return c.Events(cmd.Context(), types, func(e events.Event) {
					fmt.Fprintln(cmd.OutOrStdout(), renderEvent(e))
				})
			}
			return runWatch(cmd.Context(), c, types)
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "print one line per event instead of the live view")
	cmd.Flags().StringSliceVar(&types, "types", nil, "only show these event types")
	return cmd
}

func runWatch(ctx context.Context, c *api.Client, types []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fetchStatus := func() (vpn.Status, bool) {
		rctx, rcancel := context.WithTimeout(ctx, requestTimeout)
		defer rcancel()
		resp, err := c.Get(rctx, "status", nil)
		if err != nil || resp.Err() != nil {
			return vpn.Status{}, false
		}
		var st vpn.Status
		return st, resp.Decode(&st) == nil
	}

	p := tea.NewProgram(newWatchModel(), tea.WithContext(ctx), tea.WithAltScreen())
	go func() {
		if st, ok := fetchStatus(); ok {
			p.Send(statusMsg(st))
		}
		err := c.Events(ctx, types, func(e events.Event) {
			p.Send(eventMsg(e))
			if refreshesStatus(e.Type) {
				if st, ok := fetchStatus(); ok {
					p.Send(statusMsg(st))
				}
			}
		})
		if err == nil {
			err = errors.New("event stream closed by the daemon")
		}
		p.Send(streamEndMsg{err: err})
	}()

	final, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	if err != nil {
		return err
	}
	if m, ok := final.(watchModel); ok && m.err != nil && ctx.Err() == nil {
		return m.err
	}
	return nil
}

// spinnerModel animates while a blocking call runs.
type spinnerModel struct {
	spinner spinner.Model
	label   string
	done    bool
}

func (m spinnerModel) Init() tea.Cmd { return m.spinner.Tick }

func (m spinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case opDoneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m spinnerModel) View() string {
	if m.done {
		return ""
	}
	return m.spinner.View() + " " + m.label + "…\n"
}

// withSpinner runs fn, showing a spinner when stdout is a terminal.
func withSpinner(cmd *cobra.Command, label string, fn func() error) error {
	out := cmd.OutOrStdout()
	if !isTerminal(out) {
		return fn()
	}
	m := spinnerModel{
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(warnStyle)),
		label:   label,
	}
	p := tea.NewProgram(m, tea.WithOutput(out), tea.WithInput(nil))

	result := make(chan error, 1)
	go func() {
		result <- fn()
		p.Send(opDoneMsg{})
	}()
	if _, err := p.Run(); err != nil {
		return err
	}
	return <-result
}
