package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/NeoRevolt/byoncall-sdk/internal/call"
	"github.com/NeoRevolt/byoncall-sdk/internal/coordinator"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
)

func newCallCmd(a *app) *cobra.Command {
	var (
		video   bool
		name    string
		message string
		ring    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <phone>",
		Short: "Call a phone number and hang up on Ctrl-C",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			if target == a.cfg.Phone {
				return fmt.Errorf("cannot call yourself")
			}

			ui := newConsole(cmd.OutOrStdout())
			c, cleanup, err := a.session(ui, call.AnswerAuto)
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

			meta := signaling.Metadata{SenderName: a.cfg.Phone, CallMessage: message}
			setup := coordinator.CallSetup{Target: target, IsCaller: true, IsVideo: video, PeerName: name}
			return placeCall(ctx, c, ui, setup, meta, ring)
		},
	}

	cmd.Flags().BoolVar(&video, "video", false, "place a video call")
	cmd.Flags().StringVar(&name, "name", "", "display name of the callee in history")
	cmd.Flags().StringVar(&message, "message", "", "text shown with the call request")
	cmd.Flags().DurationVar(&ring, "ring", 500*time.Millisecond, "delay between the call request and the offer")
	return cmd
}

// dialer is the part of the coordinator placing a call needs
type dialer interface {
	RequestCall(ctx context.Context, target string, video bool, meta signaling.Metadata) error
	SetupCall(ctx context.Context, setup coordinator.CallSetup) error
	EndCall(ctx context.Context) error
}

// placeCall rings setup.Target, sends the Offer once the ring delay passed
// and waits for the call to end. A decline during the ring stops it before
// any Offer goes out.
func placeCall(ctx context.Context, d dialer, ui *console, setup coordinator.CallSetup, meta signaling.Metadata, ring time.Duration) error {
	target := setup.Target
	if err := d.RequestCall(ctx, target, setup.IsVideo, meta); err != nil {
		return err
	}

	// give the callee a moment to bring its UI up before the Offer lands
	timer := time.NewTimer(ring)
	defer timer.Stop()
ringing:
	for {
		select {
		case <-timer.C:
			break ringing
		case info := <-ui.ended:
			if info.PeerID == target {
				return fmt.Errorf("%s declined the call", target)
			}
		case <-ctx.Done():
			return nil
		}
	}

	if err := d.SetupCall(ctx, setup); err != nil {
		return err
	}
	ui.printf("calling %s", target)

	select {
	case info := <-ui.ended:
		if info.Reason == call.ReasonNoAnswer {
			return fmt.Errorf("%s did not answer", target)
		}
		return nil
	case <-ctx.Done():
		hangCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.EndCall(hangCtx); err != nil {
			return err
		}
		select {
		case <-ui.ended:
		case <-hangCtx.Done():
		}
		return nil
	}
}
