// Package ui is the terminal front end: one scrolling log view and one input
// line. Everything the user types goes to a single handler; everything the
// client wants shown goes through Print.
package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Colors - Midnight Commander style
var (
	ColorBg        = tcell.NewRGBColor(0, 0, 128)     // Dark blue background
	ColorFg        = tcell.NewRGBColor(192, 192, 192) // Light gray text
	ColorBorder    = tcell.NewRGBColor(0, 255, 255)   // Cyan borders
	ColorTitle     = tcell.NewRGBColor(255, 255, 255) // White titles
	ColorHighlight = tcell.NewRGBColor(0, 255, 255)   // Cyan highlight
)

type App struct {
	app     *tview.Application
	log     *tview.TextView
	input   *tview.InputField
	onInput func(line string)
}

func NewApp(title string) *App {
	a := &App{app: tview.NewApplication()}

	a.log = tview.NewTextView()
	a.log.SetBorder(true)
	a.log.SetBorderColor(ColorBorder)
	a.log.SetBackgroundColor(ColorBg)
	a.log.SetTitle(" " + title + " ")
	a.log.SetTitleColor(ColorTitle)
	a.log.SetTextColor(ColorFg)
	a.log.SetDynamicColors(true)
	a.log.SetScrollable(true)
	a.log.ScrollToEnd()
	a.log.SetChangedFunc(func() {
		a.app.Draw()
	})

	a.input = tview.NewInputField()
	a.input.SetLabel("> ")
	a.input.SetFieldWidth(0)
	a.input.SetBackgroundColor(ColorBg)
	a.input.SetFieldBackgroundColor(tcell.NewRGBColor(0, 0, 64))
	a.input.SetFieldTextColor(ColorFg)
	a.input.SetLabelColor(ColorHighlight)
	a.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		line := a.input.GetText()
		a.input.SetText("")
		if a.onInput != nil {
			go a.onInput(line)
		}
	})

	flex := tview.NewFlex().SetDirection(tview.FlexRow)
	flex.AddItem(a.log, 0, 1, false)
	flex.AddItem(a.input, 1, 0, true)

	a.app.SetRoot(flex, true).EnableMouse(false)
	return a
}

// OnInput registers the line handler. It is called on its own goroutine so
// the handler may block on the network.
func (a *App) OnInput(handler func(line string)) {
	a.onInput = handler
}

// Print appends a line to the log view. Safe to call from any goroutine.
func (a *App) Print(format string, args ...interface{}) {
	fmt.Fprintf(a.log, "%s\n", fmt.Sprintf(format, args...))
}

func (a *App) Run() error {
	return a.app.Run()
}

// Stop ends the event loop. Safe to call from any goroutine.
func (a *App) Stop() {
	a.app.Stop()
}
