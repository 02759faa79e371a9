package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/caption"
	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/prefs"
)

const techCheckDuration = 3 * time.Second

// errQuit ends the console loop.
var errQuit = errors.New("app: quit")

const consoleHelp = `commands:
  start              start answering (voice input)
  stop               commit the answer
  say <text>         answer with typed text (text input)
  captions on|off    show or hide captions
  realtime on|off    opt in or out of realtime answers (next connect)
  input voice|text   choose how to answer
  check              test the microphone level
  mic                re-acquire a lost or refused microphone
  status             print the session status
  stats              print pipeline counters
  connect            connect again after a disconnect
  disconnect         leave without finishing
  finish             complete the interview
  quit               leave the program`

// console reads operator commands line by line.
type console struct {
	in io.Reader

	mu       sync.Mutex
	out      io.Writer
	lastLine string
}

func newConsole(in io.Reader, out io.Writer) *console {
	return &console{in: in, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// printCaption writes a caption once when it first becomes visible.
func (c *console) printCaption(s caption.Snapshot) {
	if !s.Visible || len(s.Lines) == 0 {
		return
	}
	line := strings.Join(s.Lines, " ")
	c.mu.Lock()
	defer c.mu.Unlock()
	if line == c.lastLine {
		return
	}
	c.lastLine = line
	fmt.Fprintf(c.out, "interviewer: %s\n", line)
}

// run executes commands until in is exhausted, quit is entered or ctx ends.
func (c *console) run(ctx context.Context, a *App) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("type 'help' for commands\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			out, err := a.Exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				c.printf("error: %v\n", err)
				continue
			}
			if out != "" {
				c.printf("%s\n", out)
			}
		}
	}
}

// Exec runs one console command and returns its output.
func (a *App) Exec(ctx context.Context, line string) (string, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	sess := a.session

	switch strings.ToLower(cmd) {
	case "":
		return "", nil
	case "help", "?":
		return consoleHelp, nil
	case "start":
		return "recording, type 'stop' when done", sess.StartTurn(ctx)
	case "stop":
		return "", sess.StopTurn(ctx)
	case "say":
		return "", sess.SendText(ctx, arg)
	case "captions":
		on, err := parseSwitch(arg)
		if err != nil {
			return "", err
		}
		return "", sess.SetCaptionsEnabled(ctx, on)
	case "realtime":
		on, err := parseSwitch(arg)
		if err != nil {
			return "", err
		}
		return "takes effect on the next connect", sess.SetRealtime(ctx, on)
	case "input":
		m := prefs.InputMode(strings.ToLower(arg))
		if !m.Valid() {
			return "", fmt.Errorf("unknown input mode %q, want voice or text", arg)
		}
		return "takes effect on the next connect", sess.SetInputMode(ctx, m)
	case "check":
		return a.techCheck(ctx)
	case "mic":
		return "microphone ready", sess.ReacquireMicrophone(ctx)
	case "status":
		return asJSON(sess.Status())
	case "stats":
		return asJSON(sess.Stats())
	case "connect":
		return "connected", sess.Connect(ctx)
	case "disconnect":
		sess.Disconnect()
		return "disconnected", nil
	case "finish":
		return "interview finished", sess.Finish(ctx)
	case "quit", "exit":
		return "", errQuit
	default:
		return "", fmt.Errorf("unknown command %q, type 'help'", cmd)
	}
}

// techCheck measures the microphone. It needs the device, so it refuses to
// run while the candidate is answering.
func (a *App) techCheck(ctx context.Context) (string, error) {
	if a.capture.State() == capture.StateRecording {
		return "", errors.New("a recording is in progress")
	}
	res, err := capture.TechCheck(ctx, a.mic, techCheckDuration, capture.MeterConfig{
		Threshold: a.cfg.Audio.SpeechThreshold,
	})
	if err != nil {
		return "", fmt.Errorf("microphone %s: %w", res.Reason, err)
	}
	verdict := "no signal detected, check the input level"
	if res.SignalDetected {
		verdict = "signal detected"
	}
	return fmt.Sprintf("peak level %.3f: %s", res.PeakLevel, verdict), nil
}

func parseSwitch(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "true", "yes":
		return true, nil
	case "off", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("want on or off, got %q", arg)
}

func asJSON(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
