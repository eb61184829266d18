package screens

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/thereceipt/printlink/internal/printer"
)

// JobsView shows detailed information about print jobs
type JobsView struct {
	app     *tview.Application
	queue   *printer.PrintQueue
	table   *tview.Table
	details *tview.TextView
	layout  *tview.Flex
}

// NewJobsView creates a new jobs view screen
func NewJobsView(app *tview.Application, queue *printer.PrintQueue) *JobsView {
	j := &JobsView{
		app:   app,
		queue: queue,
	}

	j.setupUI()
	return j
}

func (j *JobsView) setupUI() {
	j.table = tview.NewTable()
	j.table.SetBorder(true)
	j.table.SetTitle("Print Jobs")
	j.table.SetSelectable(true, false)
	j.table.SetSelectedFunc(func(row, column int) {
		j.selectJob(row)
	})

	j.details = tview.NewTextView()
	j.details.SetBorder(true)
	j.details.SetTitle("Job Details")
	j.details.SetDynamicColors(true)

	// Layout: Table | Details
	j.layout = tview.NewFlex().
		AddItem(j.table, 0, 2, true).
		AddItem(j.details, 0, 1, false)

	j.table.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyRune {
			switch event.Rune() {
			case 'r':
				j.Refresh()
				return nil
			case 'c':
				j.queue.ClearCompleted()
				j.Refresh()
				return nil
			}
		}
		return event
	})

	j.Refresh()
}

// Refresh reloads the job table. It must run on the UI goroutine.
func (j *JobsView) Refresh() {
	j.table.Clear()

	j.table.SetCell(0, 0, tview.NewTableCell("ID").SetAlign(tview.AlignCenter).SetSelectable(false))
	j.table.SetCell(0, 1, tview.NewTableCell("Kind").SetAlign(tview.AlignCenter).SetSelectable(false))
	j.table.SetCell(0, 2, tview.NewTableCell("Status").SetAlign(tview.AlignCenter).SetSelectable(false))
	j.table.SetCell(0, 3, tview.NewTableCell("Retries").SetAlign(tview.AlignCenter).SetSelectable(false))
	j.table.SetCell(0, 4, tview.NewTableCell("Time").SetAlign(tview.AlignCenter).SetSelectable(false))

	jobs := j.queue.GetAllJobs()
	for i, job := range jobs {
		row := i + 1
		j.table.SetCell(row, 0, tview.NewTableCell(job.ID))
		j.table.SetCell(row, 1, tview.NewTableCell(jobKind(job)))
		j.table.SetCell(row, 2, tview.NewTableCell(StatusIcon(job.Status)+" "+string(job.Status)))
		j.table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", job.Retries)))
		j.table.SetCell(row, 4, tview.NewTableCell(time.Since(job.CreatedAt).Truncate(time.Second).String()))
	}

	if len(jobs) == 0 {
		j.details.SetText("[yellow]No jobs in queue[white]")
	}
}

func (j *JobsView) selectJob(row int) {
	if row == 0 {
		return // Header row
	}

	jobs := j.queue.GetAllJobs()
	if row-1 >= len(jobs) {
		return
	}
	j.details.SetText(JobDetails(jobs[row-1]))
}

// JobDetails renders the detail pane for a job.
func JobDetails(job *printer.PrintJob) string {
	var details strings.Builder
	fmt.Fprintf(&details, "[yellow]Job ID:[white] %s\n", job.ID)
	fmt.Fprintf(&details, "[yellow]Kind:[white] %s\n", jobKind(job))
	fmt.Fprintf(&details, "[yellow]Status:[white] %s %s\n", StatusIcon(job.Status), job.Status)
	fmt.Fprintf(&details, "[yellow]Retries:[white] %d\n", job.Retries)
	fmt.Fprintf(&details, "[yellow]Created:[white] %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	if !job.UpdatedAt.IsZero() {
		fmt.Fprintf(&details, "[yellow]Updated:[white] %s\n", job.UpdatedAt.Format("2006-01-02 15:04:05"))
	}

	if job.Error != "" {
		fmt.Fprintf(&details, "\n[red]Error:[white] %s\n", tview.Escape(job.Error))
	}

	details.WriteString("\n[yellow]Press 'r' to refresh, 'c' to clear completed[white]")
	return details.String()
}

func jobKind(job *printer.PrintJob) string {
	switch {
	case job.Name != "":
		return job.Name
	case job.Raw != nil:
		return fmt.Sprintf("raw (%d bytes)", len(job.Raw))
	default:
		return "receipt"
	}
}

// StatusIcon returns the marker shown next to a job status.
func StatusIcon(status printer.JobStatus) string {
	switch status {
	case printer.JobQueued:
		return "⏳"
	case printer.JobPrinting:
		return "🟡"
	case printer.JobCompleted:
		return "✅"
	case printer.JobFailed:
		return "❌"
	default:
		return "⚪"
	}
}

// GetRoot returns the root primitive for this screen
func (j *JobsView) GetRoot() tview.Primitive {
	return j.layout
}
