package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AarC10/ipcbench/lib/ipc"
	"github.com/AarC10/ipcbench/proc"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

var (
	configPath = flag.String("c", "data/config/ipc_bench.yaml", "path to the benchmark config")
	interval   = flag.Duration("interval", 200*time.Millisecond, "refresh interval")
)

var slotColors = map[ipc.SlotState]tcell.Color{
	ipc.SlotEmpty:       tcell.ColorGray,
	ipc.SlotFull:        tcell.ColorGreen,
	ipc.SlotEndOfStream: tcell.ColorYellow,
}

func main() {
	flag.Parse()

	cfg, err := proc.LoadConfiguration(*configPath, "shm")
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	header := tview.NewTable().SetBorders(false)
	slots := tview.NewTable().SetBorders(false)
	slots.SetBorder(true).SetTitle(" slots ")
	status := tview.NewTextView().SetDynamicColors(true)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(header, 8, 0, false).
		AddItem(slots, 0, 1, false).
		AddItem(status, 1, 0, false)

	rows := []string{"path", "slots", "slot size", "head / tail", "in flight", "consumer", "producer"}
	for i, name := range rows {
		header.SetCell(i, 0, tview.NewTableCell(name).SetTextColor(tcell.ColorAqua))
		header.SetCell(i, 1, tview.NewTableCell("..."))
	}

	refresh := func() {
		snapshot, err := ipc.InspectShm(cfg.Shm.Dir, cfg.Shm.Name)
		app.QueueUpdateDraw(func() {
			if err != nil {
				status.SetText(fmt.Sprintf("[red]%s: %v", ipc.ShmPath(cfg.Shm.Dir, cfg.Shm.Name), err))
				return
			}
			status.SetText(fmt.Sprintf("updated %s  (q to quit)", time.Now().Format(time.TimeOnly)))
			render(header, slots, snapshot)
		})
	}

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for range ticker.C {
			refresh()
		}
	}()

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})

	// SIGINT handler
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		app.Stop()
	}()

	if err := app.SetRoot(layout, true).Run(); err != nil {
		panic(err)
	}
}

func render(header, slots *tview.Table, s ipc.ShmStatus) {
	consumer := fmt.Sprintf("pid %d", s.ConsumerPID)
	switch {
	case s.ConsumerClosed:
		consumer += " (closed)"
	case !s.ConsumerAlive:
		consumer += " (gone, region is stale)"
	}
	producer := "not attached"
	if s.ProducerAttached {
		producer = "attached"
	}
	if s.ProducerClosed {
		producer = "closed"
	}

	values := []string{
		s.Path,
		fmt.Sprint(s.Slots),
		fmt.Sprintf("%d B", s.SlotSize),
		fmt.Sprintf("%d / %d", s.Head, s.Tail),
		fmt.Sprint(s.InFlight()),
		consumer,
		producer,
	}
	for i, v := range values {
		header.GetCell(i, 1).SetText(v)
	}

	const perRow = 16
	slots.Clear()
	for i, state := range s.States {
		cell := tview.NewTableCell(fmt.Sprintf("%3d %-13s", i, state)).SetTextColor(slotColors[state])
		if s.Slots > 0 && uint32(i) == s.Tail%uint32(s.Slots) {
			cell.SetAttributes(tcell.AttrReverse)
		}
		slots.SetCell(i/perRow, i%perRow, cell)
	}
}
