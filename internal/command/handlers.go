package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/thereceipt/printlink/pkg/receiptformat"
)

// handleSearch handles the search command
// Usage: search
func (e *Executor) handleSearch(ctx context.Context, args []string) *Result {
	if err := e.manager.Search(ctx); err != nil {
		return failure(err)
	}
	return e.connected("Connected")
}

// handleReconnect handles the reconnect command
// Usage: reconnect
func (e *Executor) handleReconnect(ctx context.Context, args []string) *Result {
	if err := e.manager.Reconnect(ctx); err != nil {
		return failure(err)
	}
	return e.connected("Reconnected")
}

func (e *Executor) connected(verb string) *Result {
	sess := e.manager.Session()
	if sess == nil {
		return &Result{Success: true, Message: verb}
	}
	return &Result{
		Success: true,
		Message: fmt.Sprintf("%s to %s", verb, e.Describe(sess.Descriptor)),
		Data: map[string]interface{}{
			"session": sess,
		},
	}
}

// handleReset handles the reset command
// Usage: reset
func (e *Executor) handleReset(ctx context.Context, args []string) *Result {
	e.manager.ForceReset(ctx)
	return &Result{
		Success: true,
		Message: "Printer state reset. Permissions and the saved printer were cleared",
	}
}

// handleStatus handles the status command
// Usage: status
func (e *Executor) handleStatus(ctx context.Context, args []string) *Result {
	snap := e.manager.Snapshot()

	msg := fmt.Sprintf("%s, permission %s", snap.State.Status, snap.Permission)
	if snap.Session != nil {
		msg += fmt.Sprintf(", printer %s (%s)", e.Describe(snap.Session.Descriptor), snap.Session.Dialect)
	}
	if snap.Error != "" {
		msg += ", last error: " + snap.Error
	}

	return &Result{
		Success: true,
		Message: msg,
		Data: map[string]interface{}{
			"status": snap,
		},
	}
}

// handleQueue handles the queue command
// Usage: queue [size]
func (e *Executor) handleQueue(ctx context.Context, args []string) *Result {
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return &Result{Success: false, Error: fmt.Sprintf("invalid queue size: %s", args[0])}
		}
		e.manager.UpdateQueueSize(n)
	}

	size := e.manager.Queue().Size()
	data := map[string]interface{}{"size": size}
	if e.queue != nil {
		data["pending"] = e.queue.Pending()
	}
	return &Result{
		Success: true,
		Message: fmt.Sprintf("%d job(s) outstanding", size),
		Data:    data,
	}
}

// handleIdle handles the idle command
// Usage: idle
func (e *Executor) handleIdle(ctx context.Context, args []string) *Result {
	ok, err := e.manager.DisconnectIfIdle(ctx)
	if err != nil {
		return failure(err)
	}
	msg := "Printer kept: jobs outstanding or not connected"
	if ok {
		msg = "Printer released"
	}
	return &Result{
		Success: true,
		Message: msg,
		Data:    map[string]interface{}{"disconnected": ok},
	}
}

// handleDevices handles the devices command
// Usage: devices
func (e *Executor) handleDevices(ctx context.Context, args []string) *Result {
	devices, err := e.Devices(ctx)
	if err != nil {
		return failure(err)
	}
	return &Result{
		Success: true,
		Message: fmt.Sprintf("Found %d printer(s)", len(devices)),
		Data: map[string]interface{}{
			"devices": devices,
		},
	}
}

// handlePrint queues a line-oriented text receipt. A literal \n splits lines.
// Usage: print <text...>
func (e *Executor) handlePrint(ctx context.Context, args []string) *Result {
	if len(args) == 0 {
		return usage("print <text>")
	}
	if e.queue == nil {
		return &Result{Success: false, Error: "print queue is not running"}
	}

	text := strings.ReplaceAll(strings.Join(args, " "), `\n`, "\n")
	jobID := e.queue.Enqueue(receiptformat.FromText(text))

	return &Result{
		Success: true,
		Message: fmt.Sprintf("Print job queued: %s", jobID),
		Data: map[string]interface{}{
			"job_id": jobID,
		},
	}
}

// handleTest handles the test command
// Usage: test
func (e *Executor) handleTest(ctx context.Context, args []string) *Result {
	if err := e.manager.PrintTestPage(ctx); err != nil {
		return failure(err)
	}
	return &Result{Success: true, Message: "Test page printed"}
}

// handleName handles the name command
// Usage: name <id> <name>
func (e *Executor) handleName(ctx context.Context, args []string) *Result {
	if len(args) < 2 {
		return usage("name <id> <name>")
	}
	printerID := args[0]
	name := strings.Join(args[1:], " ")

	ok, err := e.Rename(printerID, name)
	if err != nil {
		return failure(err)
	}
	if !ok {
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("printer not found: %s", printerID),
		}
	}
	return &Result{
		Success: true,
		Message: fmt.Sprintf("Renamed printer %s to %s", printerID, name),
	}
}

// handleJob handles the job command
// Usage: job <id>
func (e *Executor) handleJob(ctx context.Context, args []string) *Result {
	if len(args) < 1 {
		return usage("job <id>")
	}
	if e.queue == nil {
		return &Result{Success: false, Error: "print queue is not running"}
	}
	job := e.queue.GetJob(args[0])
	if job == nil {
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("job not found: %s", args[0]),
		}
	}
	msg := fmt.Sprintf("Job %s is %s", job.ID, job.Status)
	if job.Error != "" {
		msg += ": " + job.Error
	}
	return &Result{
		Success: true,
		Message: msg,
		Data: map[string]interface{}{
			"job": job,
		},
	}
}

const helpText = `Available commands:
  search              find a printer and connect to it
  reconnect           reconnect the last printer now
  reset               clear permissions and the saved printer
  status              show the connection state
  queue [size]        show or set the outstanding job count
  idle                release the printer if nothing is queued
  devices             list visible printers
  print <text>        queue a text receipt (\n splits lines)
  test                print a test page
  name <id> <name>    set a printer's custom name
  job <id>            show a print job
  help                show this help`

// handleHelp handles the help command
func (e *Executor) handleHelp(ctx context.Context, args []string) *Result {
	return &Result{
		Success: true,
		Message: helpText,
	}
}
