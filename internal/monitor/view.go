package monitor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/trainer-link/internal/goroutine"
	"github.com/lowaak/smart-trainer/trainer-link/internal/telemetry"
)

const helpText = "[yellow]S[white] Scan  |  [yellow]Enter[white] Connect  |  [yellow]D[white] Disconnect  |  " +
	"[yellow]+/-[white] Power  |  [yellow]]/[[white] Grade  |  [yellow]>/<[white] Resistance  |  [yellow]Esc[white] Quit"

// NewLogView is the pane the logger writes into. Create it before the
// logger and hand it to NewView.
func NewLogView() *tview.TextView {
	v := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetMaxLines(1000)
	v.SetBorder(true).SetTitle(" Logs ")
	return v
}

// View draws Model snapshots with tview
type View struct {
	logger     *log.Logger
	app        *tview.Application
	model      *Model
	controller *Controller

	root      *tview.Flex
	devices   *tview.List
	telemetry *tview.TextView
	control   *tview.TextView
	logView   *tview.TextView

	mu   sync.Mutex
	rows []DeviceRow

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewView(logger *log.Logger, app *tview.Application, logView *tview.TextView, model *Model, controller *Controller) *View {
	if logger == nil {
		panic("Monitor View: logger cannot be nil")
	}
	if app == nil || logView == nil || model == nil || controller == nil {
		panic("Monitor View: dependencies cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		logger:     logger,
		app:        app,
		model:      model,
		controller: controller,
		logView:    logView,
		ctx:        ctx,
		cancel:     cancel,
	}
	v.build()
	return v
}

func (v *View) build() {
	v.devices = tview.NewList().ShowSecondaryText(true)
	v.devices.SetBorder(true).SetTitle(" Devices (Enter to connect) ")
	v.devices.SetSelectedFunc(func(index int, _, _ string, _ rune) {
		v.mu.Lock()
		defer v.mu.Unlock()
		if index < len(v.rows) {
			v.controller.Connect(v.rows[index].Address)
		}
	})

	v.telemetry = tview.NewTextView().SetDynamicColors(true)
	v.telemetry.SetBorder(true).SetTitle(" Telemetry ")

	v.control = tview.NewTextView().SetDynamicColors(true)
	v.control.SetBorder(true).SetTitle(" Control ")

	help := tview.NewTextView().SetDynamicColors(true).SetTextAlign(tview.AlignCenter)
	help.SetText(helpText)

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.devices, 0, 1, true).
		AddItem(v.control, 12, 0, false)
	middle := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.telemetry, 0, 1, false)
	body := tview.NewFlex().
		AddItem(left, 0, 1, true).
		AddItem(middle, 0, 1, false).
		AddItem(v.logView, 0, 1, false)

	v.root = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(help, 1, 0, false)
}

func (v *View) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyEscape:
		v.app.Stop()
		return nil
	case tcell.KeyTab:
		if v.devices.HasFocus() {
			v.app.SetFocus(v.logView)
		} else {
			v.app.SetFocus(v.devices)
		}
		return nil
	case tcell.KeyRune:
	default:
		return event
	}

	switch event.Rune() {
	case 's', 'S':
		v.controller.ToggleScan()
	case 'd', 'D':
		v.controller.DisconnectActive()
	case '+', '=':
		v.controller.AdjustPower(1)
	case '-', '_':
		v.controller.AdjustPower(-1)
	case ']':
		v.controller.AdjustGrade(1)
	case '[':
		v.controller.AdjustGrade(-1)
	case '>', '.':
		v.controller.AdjustResistance(1)
	case '<', ',':
		v.controller.AdjustResistance(-1)
	case 'q':
		v.app.Stop()
	default:
		return event
	}
	return nil
}

// Run blocks until the application stops
func (v *View) Run() error {
	snapshots := make(chan Snapshot, 1)
	unlisten := v.model.Changes().Listen(snapshots)
	defer unlisten()

	goroutine.SafeGoWG(v.logger, &v.wg, func() {
		// log lines arrive outside the model, so redraw on a timer as well
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-v.ctx.Done():
				return
			case snap := <-snapshots:
				v.app.QueueUpdateDraw(func() { v.render(snap) })
			case <-ticker.C:
				v.app.QueueUpdateDraw(func() { v.logView.ScrollToEnd() })
			}
		}
	})
	defer v.wg.Wait()
	defer v.cancel()

	v.app.SetInputCapture(v.handleKey)
	return v.app.SetRoot(v.root, true).SetFocus(v.devices).Run()
}

func (v *View) render(snap Snapshot) {
	v.mu.Lock()
	v.rows = snap.Devices
	v.mu.Unlock()

	current := v.devices.GetCurrentItem()
	v.devices.Clear()
	for _, row := range snap.Devices {
		v.devices.AddItem(DeviceLabel(row, snap.Active), DeviceDetail(row), 0, nil)
	}
	if current < v.devices.GetItemCount() {
		v.devices.SetCurrentItem(current)
	}

	title := " Devices (Enter to connect) "
	if snap.Scanning {
		title = " Devices [scanning] "
	}
	v.devices.SetTitle(title)
	v.telemetry.SetText(RenderTelemetry(snap.Telemetry))
	v.control.SetText(RenderControl(snap))
}

func DeviceLabel(row DeviceRow, active string) string {
	marker := " "
	if row.Address == active {
		marker = "*"
	}
	return fmt.Sprintf("%s %s (%s) [RSSI: %d]", marker, row.Name, row.Address, row.RSSI)
}

func DeviceDetail(row DeviceRow) string {
	if len(row.Protocols) == 0 {
		return "  " + row.State
	}
	return fmt.Sprintf("  %s: %s", row.State, strings.Join(row.Protocols, ", "))
}

// RenderTelemetry lists the known metrics of every record in display order
func RenderTelemetry(records []telemetry.Record) string {
	var b strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&b, "[yellow]%s[white] %s\n", rec.Source, rec.Address)
		if len(rec.Metrics) == 0 && len(rec.Payload) > 0 {
			fmt.Fprintf(&b, "  payload  % X\n", rec.Payload)
		}
		for _, id := range telemetry.MetricOrder {
			value, ok := rec.Metrics[id]
			if !ok {
				continue
			}
			info, _ := telemetry.GetMetricInfo(id)
			fmt.Fprintf(&b, "  %-12s %s %s\n", info.DisplayName, fmt.Sprintf(info.FormatStr, value), info.Unit)
		}
	}
	if b.Len() == 0 {
		return "no data"
	}
	return b.String()
}

func RenderControl(snap Snapshot) string {
	var b strings.Builder
	t := snap.Targets
	fmt.Fprintf(&b, "targets  power %.0f W  grade %.1f %%  resistance %.0f %%\n", t.Power, t.Grade, t.Resistance)
	for _, st := range snap.Control {
		fmt.Fprintf(&b, "[yellow]%s[white]", st.Address)
		if st.Control != "" {
			fmt.Fprintf(&b, " via %s", st.Control)
		}
		if st.Mode != "" {
			fmt.Fprintf(&b, " mode %s", st.Mode)
		}
		b.WriteString("\n ")
		if st.Target != "" {
			fmt.Fprintf(&b, " %s %.1f", st.Target, st.TargetValue)
		}
		if st.Locked {
			b.WriteString(" locked")
		}
		if st.Queued {
			b.WriteString(" queued")
		}
		if st.TimerRunning {
			b.WriteString(" resending")
		}
		if st.Handshake != "" {
			fmt.Fprintf(&b, " handshake %s", st.Handshake)
		}
		b.WriteString("\n")
	}
	return b.String()
}
