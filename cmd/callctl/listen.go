package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NeoRevolt/byoncall-sdk/internal/call"
	"github.com/NeoRevolt/byoncall-sdk/internal/coordinator"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
)

func newListenCmd(a *app) *cobra.Command {
	var manual bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stay online and answer incoming calls",
		Long: `Registers the phone number with the relay and waits for calls.
Offers are answered automatically unless --manual is set (or
BYONCALL_AUTO_ANSWER=false), in which case type accept, reject or hangup.
Type "chat <phone> <text>" to send a message and quit to leave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy := call.AnswerAuto
			if manual || !a.cfg.AutoAnswer {
				policy = call.AnswerOnAccept
			}

			ui := newConsole(cmd.OutOrStdout())
			c, cleanup, err := a.session(ui, policy)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if err := c.Start(ctx, a.cfg.Phone); err != nil {
				return err
			}
			defer func() { _ = c.StopSession(context.Background()) }()
			ui.printf("online as %s", a.cfg.Phone)

			lines := readLines(cmd.InOrStdin())
			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						// stdin closed: keep serving until interrupted
						lines = nil
						continue
					}
					if done := runCommand(ctx, c, ui, a.cfg.Phone, line); done {
						return nil
					}
				}
			}
		},
	}

	cmd.Flags().BoolVar(&manual, "manual", false, "hold incoming offers until accepted")
	return cmd
}

// runCommand executes one console line and reports whether to quit
func runCommand(ctx context.Context, c *coordinator.Coordinator, ui *console, phone, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "accept", "a":
		offer := ui.takeHeld()
		if offer == nil {
			ui.printf("no call to accept")
			return false
		}
		err = c.AcceptCall(ctx, offer)
	case "reject", "r":
		offer := ui.takeHeld()
		if offer == nil {
			ui.printf("no call to reject")
			return false
		}
		err = c.RejectCall(ctx, offer)
	case "hangup", "h":
		err = c.EndCall(ctx)
	case "chat":
		if len(fields) < 3 {
			ui.printf("usage: chat <phone> <text>")
			return false
		}
		_, err = c.SendChat(ctx, fields[1], strings.Join(fields[2:], " "), signaling.Metadata{SenderName: phone})
	case "status":
		snap, serr := c.Snapshot(ctx)
		if serr != nil {
			err = serr
			break
		}
		ui.printf("state=%s status=%s target=%q", snap.State, snap.Status, snap.TargetID)
	case "quit", "exit", "q":
		return true
	default:
		ui.printf("unknown command %q", fields[0])
	}
	if err != nil {
		ui.printf("error: %v", err)
	}
	return false
}

func readLines(r io.Reader) <-chan string {
	if r == nil {
		r = os.Stdin
	}
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
