package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// EventMsg is one message from the server's event stream.
type EventMsg struct {
	Event string
	Data  map[string]interface{}
}

// StreamClosedMsg ends the watch when the event stream drops.
type StreamClosedMsg struct {
	Err error
}

type commandDoneMsg struct {
	err error
}

// Commander sends a console command to the server.
type Commander func(cmd string) error

type watchJob struct {
	id      string
	status  string
	retries int
	err     string
}

// Watch is the bubbletea model behind the CLI watch command. It follows the
// server's connection state and print jobs as events arrive.
type Watch struct {
	server  string
	send    Commander
	spinner spinner.Model
	width   int

	status    string
	attempt   int
	lastError string
	ready     bool

	jobs   []watchJob
	events []string

	maxJobs   int
	maxEvents int
	closed    error
	quitting  bool
	now       func() time.Time
}

// NewWatch creates the watch model. send may be nil, which disables the
// command keys.
func NewWatch(server string, send Commander) *Watch {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &Watch{
		server:    server,
		send:      send,
		spinner:   s,
		status:    "unknown",
		maxJobs:   8,
		maxEvents: 6,
		now:       time.Now,
	}
}

// Init starts the spinner
func (w *Watch) Init() tea.Cmd {
	return w.spinner.Tick
}

// Update handles messages
func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			w.quitting = true
			return w, tea.Quit
		case "s":
			return w, w.command("search")
		case "r":
			return w, w.command("reset")
		}

	case tea.WindowSizeMsg:
		w.width = msg.Width

	case EventMsg:
		w.apply(msg)

	case commandDoneMsg:
		if msg.err != nil {
			w.addEvent("command failed: " + msg.err.Error())
		}

	case StreamClosedMsg:
		w.closed = msg.Err
		if w.closed == nil {
			w.closed = fmt.Errorf("event stream closed")
		}
		return w, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(msg)
		return w, cmd
	}
	return w, nil
}

func (w *Watch) command(cmd string) tea.Cmd {
	if w.send == nil {
		return nil
	}
	w.addEvent("> " + cmd)
	send := w.send
	return func() tea.Msg {
		return commandDoneMsg{err: send(cmd)}
	}
}

func (w *Watch) apply(msg EventMsg) {
	switch msg.Event {
	case "status":
		w.status = str(msg.Data["status"])
		w.attempt = num(msg.Data["attempt"])
		// Only the greeting carries readiness; transitions imply it
		if ready, ok := msg.Data["ready"].(bool); ok {
			w.ready = ready
		} else {
			w.ready = w.status == "connected"
		}
		w.lastError = str(msg.Data["error"])
		line := "printer " + w.status
		if w.attempt > 0 {
			line += fmt.Sprintf(" (attempt %d)", w.attempt)
		}
		if w.lastError != "" {
			line += ": " + w.lastError
		}
		w.addEvent(line)

	case "job":
		w.updateJob(watchJob{
			id:      str(msg.Data["id"]),
			status:  str(msg.Data["status"]),
			retries: num(msg.Data["retries"]),
			err:     str(msg.Data["error"]),
		})

	case "printer_added":
		w.addEvent("plugged in: " + str(msg.Data["displayName"]))
	case "printer_removed":
		w.addEvent("unplugged: " + str(msg.Data["displayName"]))
	case "response":
		w.addEvent(str(msg.Data["message"]))
	case "error":
		w.addEvent("error: " + str(msg.Data["error"]))
	}
}

func (w *Watch) updateJob(job watchJob) {
	for i := range w.jobs {
		if w.jobs[i].id == job.id {
			w.jobs[i] = job
			return
		}
	}
	w.jobs = append(w.jobs, job)
	if len(w.jobs) > w.maxJobs {
		w.jobs = w.jobs[len(w.jobs)-w.maxJobs:]
	}
}

func (w *Watch) addEvent(line string) {
	stamped := w.now().Format("15:04:05") + " " + line
	w.events = append(w.events, stamped)
	if len(w.events) > w.maxEvents {
		w.events = w.events[len(w.events)-w.maxEvents:]
	}
}

// Err returns why the watch stopped, if the stream dropped.
func (w *Watch) Err() error {
	return w.closed
}

// View renders the UI
func (w *Watch) View() string {
	if w.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render("printlink " + w.server))
	b.WriteString("\n")

	// Connection
	state := statusDot(w.status) + " " + TextBright.Render(w.status)
	if w.status == "connecting" {
		state = w.spinner.View() + " " + TextBright.Render(w.status)
		if w.attempt > 0 {
			state += TextMuted.Render(fmt.Sprintf(" attempt %d", w.attempt))
		}
	}
	if w.ready {
		state += " " + SuccessStyle.Render("ready")
	}
	conn := CardTitleStyle.Render("Connection") + "\n" + state
	if w.lastError != "" {
		conn += "\n" + ErrorStyle.Render(Truncate(w.lastError, w.textWidth()))
	}
	b.WriteString(CardStyle.Render(conn))
	b.WriteString("\n")

	// Jobs
	jobs := []string{CardTitleStyle.Render("Jobs")}
	if len(w.jobs) == 0 {
		jobs = append(jobs, TextMuted.Render("no jobs yet"))
	}
	for _, j := range w.jobs {
		line := fmt.Sprintf("%s %-8s %-10s", statusDot(j.status), shortID(j.id), j.status)
		if j.retries > 0 {
			line += WarningStyle.Render(fmt.Sprintf(" retry %d", j.retries))
		}
		if j.err != "" {
			line += " " + ErrorStyle.Render(Truncate(j.err, w.textWidth()/2))
		}
		jobs = append(jobs, line)
	}
	b.WriteString(CardStyle.Render(strings.Join(jobs, "\n")))
	b.WriteString("\n")

	// Events
	for _, e := range w.events {
		b.WriteString(TextNormal.Render(Truncate(e, w.textWidth())))
		b.WriteString("\n")
	}

	help := []string{RenderHelp("q", "quit")}
	if w.send != nil {
		help = append(help, RenderHelp("s", "search"), RenderHelp("r", "reset"))
	}
	b.WriteString("\n" + lipgloss.JoinHorizontal(lipgloss.Top, strings.Join(help, "  ")))
	return b.String()
}

func (w *Watch) textWidth() int {
	if w.width <= 10 {
		return 72
	}
	return w.width - 6
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

// num reads a JSON number, which decodes as float64.
func num(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
