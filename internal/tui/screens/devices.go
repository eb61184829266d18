package screens

import (
	"context"
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/thereceipt/printlink/internal/command"
)

// DevicesView lists every printer on the bus with its registry identity
type DevicesView struct {
	app      *tview.Application
	executor *command.Executor
	list     *tview.List
	details  *tview.TextView
	layout   *tview.Flex

	devices []command.Device
}

// NewDevicesView creates a new devices view screen
func NewDevicesView(app *tview.Application, executor *command.Executor) *DevicesView {
	d := &DevicesView{
		app:      app,
		executor: executor,
	}

	d.setupUI()
	return d
}

func (d *DevicesView) setupUI() {
	d.list = tview.NewList()
	d.list.SetBorder(true)
	d.list.SetTitle("Printers")
	d.list.SetChangedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
		d.selectDevice(index)
	})

	d.details = tview.NewTextView()
	d.details.SetBorder(true)
	d.details.SetTitle("Printer Details")
	d.details.SetDynamicColors(true)

	// Layout: List | Details
	d.layout = tview.NewFlex().
		AddItem(d.list, 0, 1, true).
		AddItem(d.details, 0, 2, false)

	d.list.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyRune && event.Rune() == 'r' {
			d.Refresh()
			return nil
		}
		return event
	})
}

// Refresh enumerates the bus in the background; listing can wait on the
// session lock while a print is running.
func (d *DevicesView) Refresh() {
	d.list.Clear()
	d.list.AddItem("Scanning...", "", 0, nil)

	go func() {
		devices, err := d.executor.Devices(context.Background())
		d.app.QueueUpdateDraw(func() { d.show(devices, err) })
	}()
}

func (d *DevicesView) show(devices []command.Device, err error) {
	d.list.Clear()
	d.devices = devices

	if err != nil {
		d.list.AddItem("Error loading devices", err.Error(), 0, nil)
		return
	}
	if len(devices) == 0 {
		d.list.AddItem("No devices detected", "", 0, nil)
		d.details.SetText("[yellow]No printers connected[white]")
		return
	}

	for _, p := range devices {
		status := "○"
		if p.Connected {
			status = "●"
		}
		secondary := fmt.Sprintf("%s • %04X:%04X", strings.ToUpper(p.Language), p.VendorID, p.ProductID)
		d.list.AddItem(fmt.Sprintf("%s %s", status, p.Name), secondary, 0, nil)
	}

	d.list.SetCurrentItem(0)
	d.selectDevice(0)
}

func (d *DevicesView) selectDevice(index int) {
	if index < 0 || index >= len(d.devices) {
		return
	}
	d.details.SetText(DeviceDetails(d.devices[index]))
}

// DeviceDetails renders the detail pane for a device.
func DeviceDetails(p command.Device) string {
	var details strings.Builder
	fmt.Fprintf(&details, "[yellow]ID:[white] %s\n", p.ID)
	fmt.Fprintf(&details, "[yellow]Name:[white] %s\n", tview.Escape(p.Name))
	fmt.Fprintf(&details, "[yellow]Description:[white] %s\n", tview.Escape(p.Description))
	fmt.Fprintf(&details, "[yellow]VID:[white] 0x%04X\n", p.VendorID)
	fmt.Fprintf(&details, "[yellow]PID:[white] 0x%04X\n", p.ProductID)
	fmt.Fprintf(&details, "[yellow]Language:[white] %s\n", strings.ToUpper(p.Language))
	if p.Connected {
		details.WriteString("[green]Connected[white]\n")
	}
	details.WriteString("\n[yellow]Press 'r' to refresh, rename with :name <id> <name>[white]")
	return details.String()
}

// GetRoot returns the root primitive for this screen
func (d *DevicesView) GetRoot() tview.Primitive {
	return d.layout
}
