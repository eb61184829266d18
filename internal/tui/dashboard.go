// Package tui holds the terminal front ends: the tview operator dashboard run
// by the server and the bubbletea status view used by the CLI watch command.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/thereceipt/printlink/internal/command"
	"github.com/thereceipt/printlink/internal/printer"
	"github.com/thereceipt/printlink/internal/tui/screens"
)

// Dashboard is the server's operator console
type Dashboard struct {
	App      *tview.Application
	manager  *printer.Manager
	monitor  *printer.Monitor
	queue    *printer.PrintQueue
	executor *command.Executor
	sink     *LogSink
	port     string

	// Main layout
	flex *tview.Flex

	// Panels
	devicesList  *tview.List
	queueTable   *tview.Table
	statusBox    *tview.TextView
	logsArea     *tview.TextView
	commandInput *tview.InputField

	// updates produced off the UI goroutine
	updates chan func()

	// State
	logs      []string
	maxLogs   int
	startTime time.Time

	// Screens
	currentScreen string // "main", "devices", "jobs"
	devicesScreen *screens.DevicesView
	jobsScreen    *screens.JobsView
}

// NewDashboard creates the dashboard. sink may be nil.
func NewDashboard(manager *printer.Manager, monitor *printer.Monitor, queue *printer.PrintQueue,
	executor *command.Executor, sink *LogSink, port string) *Dashboard {
	d := &Dashboard{
		App:           tview.NewApplication(),
		manager:       manager,
		monitor:       monitor,
		queue:         queue,
		executor:      executor,
		sink:          sink,
		port:          port,
		updates:       make(chan func(), 256),
		maxLogs:       200,
		startTime:     time.Now(),
		currentScreen: "main",
	}

	d.setupUI()
	d.devicesScreen = screens.NewDevicesView(d.App, executor)
	d.jobsScreen = screens.NewJobsView(d.App, queue)
	return d
}

func (d *Dashboard) setupUI() {
	d.devicesList = tview.NewList()
	d.devicesList.SetBorder(true)
	d.devicesList.SetTitle("Printers")

	d.queueTable = tview.NewTable()
	d.queueTable.SetBorder(true)
	d.queueTable.SetTitle("Print Jobs")

	d.statusBox = tview.NewTextView()
	d.statusBox.SetBorder(true)
	d.statusBox.SetTitle("Connection")
	d.statusBox.SetDynamicColors(true)

	d.logsArea = tview.NewTextView()
	d.logsArea.SetBorder(true)
	d.logsArea.SetTitle("Events")
	d.logsArea.SetDynamicColors(true)
	d.logsArea.SetScrollable(true)

	d.commandInput = tview.NewInputField().
		SetLabel("> ").
		SetFieldWidth(0).
		SetPlaceholder("Type a command (e.g., 'help')").
		SetDoneFunc(func(key tcell.Key) {
			if key == tcell.KeyEnter {
				d.executeCommand(d.commandInput.GetText())
				d.commandInput.SetText("")
			}
		})

	topRow := tview.NewFlex().
		AddItem(d.statusBox, 0, 1, false).
		AddItem(d.devicesList, 0, 1, false).
		AddItem(d.queueTable, 0, 1, false)

	bottom := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(d.logsArea, 0, 3, false).
		AddItem(d.commandInput, 1, 0, true)

	d.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(topRow, 0, 1, false).
		AddItem(bottom, 0, 1, false)

	d.App.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if d.currentScreen != "main" {
			if event.Key() == tcell.KeyEsc {
				d.showMainScreen()
				return nil
			}
			return event
		}

		// Typing a command must not trigger shortcuts
		if d.commandInput.HasFocus() {
			if event.Key() == tcell.KeyEsc {
				d.App.SetFocus(d.devicesList)
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyCtrlC, tcell.KeyEsc:
			d.App.Stop()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case ':':
				d.App.SetFocus(d.commandInput)
				return nil
			case 'q':
				d.App.Stop()
				return nil
			case 'd':
				d.showScreen("devices")
				return nil
			case 'j':
				d.showScreen("jobs")
				return nil
			case 's':
				d.runCommand("search")
				return nil
			}
		}
		return event
	})

	d.App.SetRoot(d.flex, true)
}

// Run shows the dashboard until the user quits or ctx is done.
func (d *Dashboard) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.refreshAll()
	d.AddLog("printlink starting...", "info")
	d.AddLog(fmt.Sprintf("API listening on :%s", d.port), "info")

	go d.pump(ctx)
	go d.refreshTicker(ctx)
	go func() {
		<-ctx.Done()
		d.App.Stop()
	}()

	return d.App.Run()
}

// pump applies queued updates and log lines on the UI goroutine.
func (d *Dashboard) pump(ctx context.Context) {
	var lines <-chan string
	if d.sink != nil {
		lines = d.sink.lines
	}
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-d.updates:
			d.App.QueueUpdateDraw(f)
		case line := <-lines:
			d.App.QueueUpdateDraw(func() { d.AddLog(line, levelOf(line)) })
		}
	}
}

// post schedules f on the UI goroutine. It never blocks; a full queue drops f.
func (d *Dashboard) post(f func()) {
	select {
	case d.updates <- f:
	default:
	}
}

func (d *Dashboard) refreshTicker(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.post(d.refreshAll)
		}
	}
}

// OnStatus is a printer.StatusBus subscriber.
func (d *Dashboard) OnStatus(state printer.ConnectionState, err error) {
	msg := fmt.Sprintf("printer %s", state.Status)
	level := "info"
	if state.Status == printer.StatusConnecting && state.Attempt > 0 {
		msg += fmt.Sprintf(" (attempt %d)", state.Attempt)
	}
	if err != nil {
		msg += ": " + err.Error()
		level = "error"
	}
	d.post(func() {
		d.AddLog(msg, level)
		d.refreshStatus()
	})
}

// OnPrinterAdded and OnPrinterRemoved are monitor callbacks.
func (d *Dashboard) OnPrinterAdded(p printer.Descriptor) {
	d.post(func() {
		d.AddLog("printer plugged in: "+d.executor.Describe(p), "info")
		d.refreshDevices()
	})
}

func (d *Dashboard) OnPrinterRemoved(p printer.Descriptor) {
	d.post(func() {
		d.AddLog("printer unplugged: "+d.executor.Describe(p), "warning")
		d.refreshDevices()
	})
}

func (d *Dashboard) refreshAll() {
	d.refreshDevices()
	d.refreshQueue()
	d.refreshStatus()
}

func (d *Dashboard) refreshDevices() {
	d.devicesList.Clear()

	var known []printer.Descriptor
	if d.monitor != nil {
		known = d.monitor.Known()
	}
	if len(known) == 0 {
		d.devicesList.AddItem("No printers detected", "press s to search", 0, nil)
		return
	}

	sess := d.manager.Session()
	for _, p := range known {
		icon := "○"
		if sess != nil && sess.Descriptor.Same(p) {
			icon = "●"
		}
		details := fmt.Sprintf("%s • %s", p.Port(), strings.ToUpper(p.Dialect().String()))
		d.devicesList.AddItem(fmt.Sprintf("%s %s", icon, d.executor.Describe(p)), details, 0, nil)
	}
}

func (d *Dashboard) refreshQueue() {
	d.queueTable.Clear()

	d.queueTable.SetCell(0, 0, tview.NewTableCell("Status").SetAlign(tview.AlignCenter).SetSelectable(false))
	d.queueTable.SetCell(0, 1, tview.NewTableCell("Job").SetAlign(tview.AlignCenter).SetSelectable(false))
	d.queueTable.SetCell(0, 2, tview.NewTableCell("Retries").SetAlign(tview.AlignCenter).SetSelectable(false))
	d.queueTable.SetCell(0, 3, tview.NewTableCell("Age").SetAlign(tview.AlignCenter).SetSelectable(false))

	if d.queue == nil {
		return
	}
	jobs := d.queue.GetAllJobs()
	for i, job := range jobs {
		row := i + 1
		d.queueTable.SetCell(row, 0, tview.NewTableCell(screens.StatusIcon(job.Status)+" "+string(job.Status)))
		d.queueTable.SetCell(row, 1, tview.NewTableCell(shortID(job.ID)))
		d.queueTable.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", job.Retries)))
		d.queueTable.SetCell(row, 3, tview.NewTableCell(time.Since(job.CreatedAt).Truncate(time.Second).String()))
	}

	if len(jobs) > 0 {
		cell := tview.NewTableCell(jobSummary(jobs))
		cell.SetSelectable(false)
		d.queueTable.SetCell(len(jobs)+1, 0, cell)
	}
}

func (d *Dashboard) refreshStatus() {
	d.statusBox.SetText(statusText(d.manager.Snapshot(), d.port, time.Since(d.startTime)))
}

// statusText renders the connection panel.
func statusText(s printer.Snapshot, port string, uptime time.Duration) string {
	color := "yellow"
	switch s.State.Status {
	case printer.StatusConnected:
		color = "green"
	case printer.StatusError:
		color = "red"
	case printer.StatusDisconnected:
		color = "white"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]● %s[white]\n\n", color, s.State.Status)
	if s.Session != nil {
		fmt.Fprintf(&b, "Printer: %s\n", s.Session.Descriptor.DisplayName)
		fmt.Fprintf(&b, "Port: %s\n", s.Session.Descriptor.Port())
		fmt.Fprintf(&b, "Language: %s\n", strings.ToUpper(s.Session.Dialect.String()))
	} else if s.SavedConfig != nil {
		fmt.Fprintf(&b, "Last printer: %s\n", s.SavedConfig.Name)
	}
	fmt.Fprintf(&b, "Permission: %s\n", s.Permission)
	fmt.Fprintf(&b, "Reconnect: %s (%d/%d)\n", s.Reconnect, s.ReconnectAttempts, s.ReconnectMax)
	fmt.Fprintf(&b, "Queue: %d\n", s.QueueSize)
	fmt.Fprintf(&b, "Transport: %s (%s)\n", s.Backend, s.Platform)
	if s.Error != "" {
		fmt.Fprintf(&b, "\n[red]%s[white]\n", tview.Escape(s.Error))
	}
	fmt.Fprintf(&b, "\nUptime: %dh %dm  API: :%s", int(uptime.Hours()), int(uptime.Minutes())%60, port)
	return b.String()
}

func jobSummary(jobs []*printer.PrintJob) string {
	counts := map[printer.JobStatus]int{}
	for _, j := range jobs {
		counts[j.Status]++
	}
	return fmt.Sprintf("[%d] Queued [%d] Printing [%d] Completed [%d] Failed",
		counts[printer.JobQueued], counts[printer.JobPrinting], counts[printer.JobCompleted], counts[printer.JobFailed])
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (d *Dashboard) executeCommand(cmd string) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return
	}
	d.AddLog("> "+cmd, "command")

	switch strings.ToLower(cmd) {
	case "clear":
		d.logs = nil
		d.logsArea.Clear()
	case "refresh":
		d.refreshAll()
	case "quit", "exit":
		d.App.Stop()
	case "jobs view", "jv":
		d.showScreen("jobs")
	case "devices view", "dv":
		d.showScreen("devices")
	default:
		d.runCommand(cmd)
	}
}

// runCommand executes cmd off the UI goroutine; claims can take seconds.
func (d *Dashboard) runCommand(cmd string) {
	go func() {
		result := d.executor.Execute(context.Background(), cmd)
		d.post(func() {
			if result.Success {
				d.AddLog(result.Message, "info")
			} else {
				d.AddLog(result.Error, "error")
			}
			d.refreshAll()
		})
	}()
}

func (d *Dashboard) showScreen(name string) {
	d.currentScreen = name

	switch name {
	case "devices":
		d.devicesScreen.Refresh()
		d.App.SetRoot(d.devicesScreen.GetRoot(), true)
		d.App.SetFocus(d.devicesScreen.GetRoot())
	case "jobs":
		d.jobsScreen.Refresh()
		d.App.SetRoot(d.jobsScreen.GetRoot(), true)
		d.App.SetFocus(d.jobsScreen.GetRoot())
	default:
		d.showMainScreen()
	}
}

func (d *Dashboard) showMainScreen() {
	d.currentScreen = "main"
	d.App.SetRoot(d.flex, true)
	d.App.SetFocus(d.commandInput)
}

// AddLog adds a log entry. It must run on the UI goroutine.
func (d *Dashboard) AddLog(message string, level string) {
	var color string
	switch level {
	case "error":
		color = "[red]"
	case "warning":
		color = "[yellow]"
	case "command":
		color = "[cyan]"
	default:
		color = "[white]"
	}

	entry := fmt.Sprintf("%s[%s] %s[white]\n", color, time.Now().Format("15:04:05"), tview.Escape(message))
	d.logs = append(d.logs, entry)
	if len(d.logs) > d.maxLogs {
		d.logs = d.logs[len(d.logs)-d.maxLogs:]
	}

	d.logsArea.Clear()
	for _, l := range d.logs {
		fmt.Fprint(d.logsArea, l)
	}
	d.logsArea.ScrollToEnd()
}
