package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/ceremony"
	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/flow"
	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/linksim"
)

const cmdTimeout = 30 * time.Second

// ui is the interactive prompt driving a flow manager.
type ui struct {
	rl  *readline.Instance
	mgr *flow.Manager

	// sim is nil when driving a remote bridge.
	sim *linksim.Simulator

	mu       sync.Mutex
	deviceID string
}

func newUI(mgr *flow.Manager, sim *linksim.Simulator, deviceID string) (*ui, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "vault> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	u := &ui{rl: rl, mgr: mgr, sim: sim, deviceID: deviceID}

	mgr.OnView(u.onView)
	mgr.OnOutcome(u.onOutcome)
	mgr.OnStatusText(u.onStatusText)

	return u, nil
}

// onView prints ceremony progress as the controller reports it.
func (u *ui) onView(v ceremony.View) {
	u.rememberDevice(v.DeviceID)

	out := u.rl.Stdout()
	switch {
	case v.ErrorText != "":
		fmt.Fprintf(out, "[%s] %s: %s\n", v.Step, v.DeviceID, v.ErrorText)
	case v.Step == ceremony.StepPinEntry:
		fmt.Fprintf(out, "[%s] %s: %d position(s) entered\n", v.Step, v.DeviceID, v.PINLength)
	case v.StatusText != "":
		fmt.Fprintf(out, "[%s] %s: %s\n", v.Step, v.DeviceID, v.StatusText)
	default:
		fmt.Fprintf(out, "[%s] %s\n", v.Step, v.DeviceID)
	}
}

func (u *ui) onOutcome(deviceID string, o flow.Outcome) {
	u.rememberDevice(deviceID)
	fmt.Fprintf(u.rl.Stdout(), "Device %s resolved: %s\n", deviceID, o.Kind)
}

func (u *ui) onStatusText(deviceID, text string) {
	u.rememberDevice(deviceID)
	fmt.Fprintf(u.rl.Stdout(), "Device %s: %s\n", deviceID, text)
}

// rememberDevice keeps the last seen device as the command target.
func (u *ui) rememberDevice(id string) {
	if id == "" {
		return
	}
	u.mu.Lock()
	u.deviceID = id
	u.mu.Unlock()
}

func (u *ui) device() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.deviceID
}

// ceremonyFor returns the active ceremony, or nil with a message.
func (u *ui) ceremonyFor() *ceremony.Controller {
	id := u.device()
	if id == "" {
		fmt.Fprintln(u.rl.Stdout(), "No device seen yet")
		return nil
	}
	ctrl := u.mgr.Ceremony(id)
	if ctrl == nil {
		fmt.Fprintf(u.rl.Stdout(), "No ceremony open for %s\n", id)
		return nil
	}
	return ctrl
}

func (u *ui) report(err error) {
	if err != nil {
		fmt.Fprintln(u.rl.Stdout(), "Error:", err)
	}
}

func (u *ui) run() error {
	defer u.rl.Close()

	u.printHelp()
	if u.sim != nil {
		fmt.Fprintln(u.rl.Stdout(), "Type 'connect' to plug the simulated device in.")
	}

	for {
		line, err := u.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(u.rl.Stdout(), "Exiting...")
			return nil
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
		u.handle(ctx, cmd, args)
		cancel()

		if cmd == "quit" || cmd == "exit" || cmd == "q" {
			return nil
		}
	}
}

func (u *ui) handle(ctx context.Context, cmd string, args []string) {
	out := u.rl.Stdout()

	switch cmd {
	case "help", "?":
		u.printHelp()

	case "press", "p":
		if len(args) == 0 {
			fmt.Fprintln(out, "Usage: press <digits>")
			return
		}
		ctrl := u.ceremonyFor()
		if ctrl == nil {
			return
		}
		positions, err := parsePositions(args[0])
		if err != nil {
			u.report(err)
			return
		}
		for _, p := range positions {
			if err := ctrl.PressPIN(p); err != nil {
				u.report(err)
				return
			}
		}

	case "back", "b":
		if ctrl := u.ceremonyFor(); ctrl != nil {
			u.report(ctrl.BackspacePIN())
		}

	case "clear":
		if ctrl := u.ceremonyFor(); ctrl != nil {
			u.report(ctrl.ClearPIN())
		}

	case "submit", "s":
		if ctrl := u.ceremonyFor(); ctrl != nil {
			u.report(ctrl.SubmitPIN(ctx))
		}

	case "phrase":
		if ctrl := u.ceremonyFor(); ctrl != nil {
			u.report(ctrl.SubmitPassphrase(ctx, strings.Join(args, " ")))
		}

	case "skip":
		if ctrl := u.ceremonyFor(); ctrl != nil {
			u.report(ctrl.SkipPassphrase(ctx))
		}

	case "trigger":
		if ctrl := u.ceremonyFor(); ctrl != nil {
			u.report(ctrl.RequestPINChallenge(ctx))
		}

	case "cancel":
		if ctrl := u.ceremonyFor(); ctrl != nil {
			if !ctrl.Cancel() {
				fmt.Fprintln(out, "Cancel deferred or not applicable")
			}
		}

	case "view", "v":
		ctrl := u.ceremonyFor()
		if ctrl == nil {
			return
		}
		view := ctrl.View()
		fmt.Fprintf(out, "Session %s on %s\n", view.SessionID, view.DeviceID)
		fmt.Fprintf(out, "  Step:     %s\n", view.Step)
		fmt.Fprintf(out, "  PIN:      %s\n", strings.Repeat("*", view.PINLength))
		fmt.Fprintf(out, "  Attempts: %d\n", view.AttemptCount)
		if view.StatusText != "" {
			fmt.Fprintf(out, "  Status:   %s\n", view.StatusText)
		}
		if view.ErrorText != "" {
			fmt.Fprintf(out, "  Error:    %s\n", view.ErrorText)
		}

	case "connect":
		if u.sim == nil {
			fmt.Fprintln(out, "Remote device; no simulator control")
			return
		}
		u.sim.Connect()

	case "disconnect":
		if u.sim == nil {
			fmt.Fprintln(out, "Remote device; no simulator control")
			return
		}
		u.sim.Disconnect()

	case "announce":
		if u.sim == nil {
			fmt.Fprintln(out, "Remote device; no simulator control")
			return
		}
		u.sim.PublishStatus()

	case "quit", "exit", "q":
		// Handled by the loop.

	default:
		fmt.Fprintf(out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
}

func (u *ui) printHelp() {
	fmt.Fprintln(u.rl.Stdout(), `
Vault Authentication Commands:
  Ceremony:
    trigger            - Request a fresh PIN matrix
    press <digits>     - Press grid positions, e.g. "press 159"
    back               - Remove the last position
    clear              - Clear all entered positions
    submit             - Submit the entered PIN
    phrase [text]      - Submit the passphrase (empty for default wallet)
    skip               - Skip the passphrase
    cancel             - Cancel the ceremony
    view               - Show the current session

  Device:
    connect            - Plug the simulated device in
    disconnect         - Unplug the simulated device
    announce           - Publish a status snapshot

  General:
    help               - Show this help
    quit               - Exit`)
}

// serveUI is the reduced prompt for bridge mode, where remote clients own
// the ceremonies and only the simulator is controlled locally.
type serveUI struct {
	rl  *readline.Instance
	sim *linksim.Simulator
}

func newServeUI(sim *linksim.Simulator) (*serveUI, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "bridge> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &serveUI{rl: rl, sim: sim}, nil
}

func (u *serveUI) run() error {
	defer u.rl.Close()

	out := u.rl.Stdout()
	fmt.Fprintln(out, "Bridge commands: connect, disconnect, announce, quit")

	for {
		line, err := u.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(out, "Exiting...")
			return nil
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "":
		case "connect":
			u.sim.Connect()
		case "disconnect":
			u.sim.Disconnect()
		case "announce":
			u.sim.PublishStatus()
		case "quit", "exit", "q":
			return nil
		default:
			fmt.Fprintln(out, "Commands: connect, disconnect, announce, quit")
		}
	}
}
