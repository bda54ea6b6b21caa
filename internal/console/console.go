// Package console provides the interactive command-line interface for
// pulsewatch.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/chaz8081/pulsewatch/internal/ble"
)

// Controller is the session surface the shell drives.
type Controller interface {
	StartScan() error
	StopScan()
	ResetList()
	ConnectID(ctx context.Context, id string) error
	Disconnect()
	Status() ble.Status
}

// Shell handles interactive mode.
type Shell struct {
	ctrl Controller
	rl   *readline.Instance
	out  io.Writer

	wg        sync.WaitGroup // in-flight connect commands
	closeOnce sync.Once

	mu   sync.Mutex
	last ble.Status
}

// New creates a Shell reading from the terminal.
func New(ctrl Controller) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pulse> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	s := newShell(ctrl, rl.Stdout())
	s.rl = rl
	return s, nil
}

func newShell(ctrl Controller, out io.Writer) *Shell {
	return &Shell{ctrl: ctrl, out: &lockedWriter{w: out}, last: ctrl.Status()}
}

// lockedWriter lets status callbacks and connect goroutines share out.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Stdout returns a writer that coordinates with the prompt. Use it for log
// output.
func (s *Shell) Stdout() io.Writer {
	return s.out
}

// Close releases the terminal, unblocking a pending Run.
func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.rl != nil {
			err = s.rl.Close()
		}
	})
	return err
}

// Run starts the interactive command loop. It returns when ctx is done, on
// EOF, or on quit, calling cancel in the latter two cases.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		if !s.Execute(ctx, line) {
			cancel()
			return
		}
	}
}

// Execute runs one command line. It returns false when the shell should exit.
func (s *Shell) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()

	case "scan", "s":
		s.cmdScan()

	case "stop":
		s.ctrl.StopScan()

	case "reset":
		s.ctrl.ResetList()
		fmt.Fprintln(s.out, "List cleared.")

	case "list", "ls":
		s.cmdList()

	case "connect", "c":
		s.cmdConnect(ctx, args)

	case "disconnect", "d":
		s.ctrl.Disconnect()

	case "status":
		s.cmdStatus()

	case "quit", "exit", "q":
		fmt.Fprintln(s.out, "Exiting...")
		return false

	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

// Wait blocks until every connect command started by Execute has returned.
func (s *Shell) Wait() {
	s.wg.Wait()
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
pulsewatch commands:
  scan              - Discover named peripherals for a few seconds
  stop              - Stop discovery early
  list              - Show discovered peripherals
  reset             - Clear the list and drop the session
  connect <n|id>    - Connect to a listed peripheral by number or ID
  disconnect        - End the session
  status            - Show adapter and session status
  quit              - Exit`)
}

func (s *Shell) cmdScan() {
	if err := s.ctrl.StartScan(); err != nil {
		s.printError(err)
	}
}

func (s *Shell) cmdList() {
	st := s.ctrl.Status()
	if len(st.Peripherals) == 0 {
		fmt.Fprintln(s.out, "No peripherals. Run 'scan' first.")
		return
	}
	for i, p := range st.Peripherals {
		fmt.Fprintf(s.out, "  %d. %-24s %s  %d dBm\n", i+1, p.Name, p.ID, p.RSSI)
	}
}

func (s *Shell) cmdConnect(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: connect <n|id>")
		return
	}
	id := args[0]
	if n, err := strconv.Atoi(id); err == nil {
		list := s.ctrl.Status().Peripherals
		if n < 1 || n > len(list) {
			fmt.Fprintf(s.out, "No peripheral #%d (have %d)\n", n, len(list))
			return
		}
		id = list[n-1].ID
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.ctrl.ConnectID(ctx, id); err != nil {
			s.printError(err)
		}
	}()
}

func (s *Shell) cmdStatus() {
	st := s.ctrl.Status()
	fmt.Fprintf(s.out, "Adapter:     %s\n", st.Adapter)
	fmt.Fprintf(s.out, "Scanning:    %t\n", st.Scanning)
	fmt.Fprintf(s.out, "Peripherals: %d\n", len(st.Peripherals))
	if st.Session == nil {
		fmt.Fprintln(s.out, "Session:     none")
		return
	}
	sess := st.Session
	fmt.Fprintf(s.out, "Session:     %s (%s) %s\n", sess.Peripheral.Name, sess.Peripheral.ID, sess.State)
	if sess.DeviceInfo != nil {
		fmt.Fprintf(s.out, "Manufacturer: %s\n", sess.DeviceInfo.Manufacturer)
		fmt.Fprintf(s.out, "Battery:      %s\n", sess.DeviceInfo.BatteryString())
	}
	if sess.HeartRate > 0 {
		fmt.Fprintf(s.out, "Heart rate:   %d bpm\n", sess.HeartRate)
	}
}

func (s *Shell) printError(err error) {
	var notReady *ble.AdapterNotReadyError
	switch {
	case errors.Is(err, ble.ErrAlreadyConnecting):
		// A repeated connect while one is in flight is ignored.
	case errors.As(err, &notReady):
		fmt.Fprintf(s.out, "Error: %v. %s.\n", err, notReady.Remedy())
	case errors.Is(err, ble.ErrUnknownPeripheral):
		fmt.Fprintln(s.out, "Error: unknown peripheral. Run 'list' to see what was found.")
	default:
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
}

// OnStatus prints what changed since the previous status. Register it with
// the controller's Watch.
func (s *Shell) OnStatus(st ble.Status) {
	s.mu.Lock()
	prev := s.last
	s.last = st
	s.mu.Unlock()

	if st.Adapter != prev.Adapter {
		fmt.Fprintf(s.out, "Adapter %s\n", st.Adapter)
	}
	if st.Scanning && !prev.Scanning {
		fmt.Fprintln(s.out, "Scanning...")
	}
	if len(st.Peripherals) > len(prev.Peripherals) {
		for i := len(prev.Peripherals); i < len(st.Peripherals); i++ {
			p := st.Peripherals[i]
			fmt.Fprintf(s.out, "  %d. %s (%s)\n", i+1, p.Name, p.ID)
		}
	}
	if !st.Scanning && prev.Scanning {
		fmt.Fprintf(s.out, "Scan finished, %d found.\n", len(st.Peripherals))
	}

	cur, old := st.Session, prev.Session
	switch {
	case cur == nil && old != nil:
		fmt.Fprintf(s.out, "%s disconnected\n", old.Peripheral.Name)
		return
	case cur == nil:
		return
	case old == nil || old.ID != cur.ID:
		old = nil
	}

	if old == nil || old.State != cur.State {
		if cur.State != ble.Disconnected {
			fmt.Fprintf(s.out, "%s %s\n", cur.Peripheral.Name, cur.State)
		}
	}
	if cur.DeviceInfo != nil && (old == nil || old.DeviceInfo == nil) {
		fmt.Fprintf(s.out, "  Manufacturer: %s, battery: %s\n", cur.DeviceInfo.Manufacturer, cur.DeviceInfo.BatteryString())
	}
	if cur.HeartRate > 0 && (old == nil || old.HeartRate != cur.HeartRate) {
		fmt.Fprintf(s.out, "  ♥ %d bpm\n", cur.HeartRate)
	}
}
