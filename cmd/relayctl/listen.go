package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/secure-relay/internal/client"
	"github.com/secure-relay/internal/crypto"
	"github.com/secure-relay/internal/models"
	"github.com/spf13/cobra"
)

var listenAutoAnswer bool

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stay online and print incoming events",
	Long: `Stay online as --email and print every event the relay delivers.
Received messages are folded into the local history as they arrive.

With --answer, incoming calls are answered with a WebRTC answer and a fresh
X25519 key; with --passphrase the derived call key id is printed so both
sides can compare it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", headerStyle.Render("Listening as "+d.self), dateStyle.Render("ctrl-c to stop"))

		calls := &answerer{d: d, out: out, peers: map[string]*client.CallPeer{}}
		defer calls.closeAll()

		for {
			select {
			case <-ctx.Done():
				return nil
			case env, ok := <-d.client.Events():
				if !ok {
					return d.client.Err()
				}
				printEvent(out, d.self, env)
				if listenAutoAnswer {
					calls.handle(ctx, env)
				}
			}
		}
	},
}

func printEvent(out io.Writer, self string, env models.Envelope) {
	at := dateStyle.Render(time.UnixMilli(env.Timestamp).Local().Format("15:04:05"))

	switch env.Type {
	case models.EventUserConnected, models.EventUserDisconnected:
		var p models.PresencePayload
		if env.Decode(&p) == nil {
			style := okStyle
			if env.Type == models.EventUserDisconnected {
				style = warnStyle
			}
			fmt.Fprintf(out, "%s %s %s\n", at, style.Render(string(env.Type)), titleStyle.Render(p.Email))
			return
		}
	case models.EventConnectionEstablished:
		var p models.ConnectionEstablishedPayload
		if env.Decode(&p) == nil {
			fmt.Fprintf(out, "%s %s %s %s\n", at, okStyle.Render("connected"), titleStyle.Render(p.Email), idStyle.Render(p.ID))
			return
		}
	case models.EventConnectionRemoved:
		var p models.ConnectionRemovedPayload
		if env.Decode(&p) == nil {
			fmt.Fprintf(out, "%s %s %s\n", at, warnStyle.Render("disconnected"), titleStyle.Render(p.Email))
			return
		}
	case models.EventMessageReceived, models.EventFileReceived:
		var msg models.Message
		if env.Decode(&msg) == nil {
			fmt.Fprintf(out, "%s %s  %s\n", at, titleStyle.Render(msg.Sender), readable(self, msg.Sender, msg))
			return
		}
	case models.EventCallIncoming:
		var p models.CallIncomingPayload
		if env.Decode(&p) == nil {
			kind := "voice"
			if p.HasVideo {
				kind = "video"
			}
			fmt.Fprintf(out, "%s %s %s call from %s\n", at, countStyle.Render("incoming"), kind, titleStyle.Render(p.CallerEmail))
			return
		}
	case models.EventCallRejected:
		var p models.CallRejectedPayload
		if env.Decode(&p) == nil {
			fmt.Fprintf(out, "%s %s by %s %s\n", at, warnStyle.Render("call rejected"), titleStyle.Render(p.Email), idStyle.Render(p.CallID))
			return
		}
	case models.EventCallEnded:
		var p models.CallEndedPayload
		if env.Decode(&p) == nil {
			fmt.Fprintf(out, "%s %s\n", at, endedLine(p))
			return
		}
	case models.EventError, models.EventCallError:
		var p models.ErrorPayload
		if env.Decode(&p) == nil {
			fmt.Fprintf(out, "%s %s %s\n", at, errStyle.Render(p.Code), p.Message)
			return
		}
	}
	fmt.Fprintf(out, "%s %s\n", at, idStyle.Render(string(env.Type)))
}

func endedLine(p models.CallEndedPayload) string {
	line := fmt.Sprintf("%s %s after %s", warnStyle.Render("call "+string(p.Status)),
		idStyle.Render(p.CallID), (time.Duration(p.Duration) * time.Millisecond).String())
	if p.Reason != "" {
		line += " (" + p.Reason + ")"
	}
	return line
}

// answerer answers incoming calls on behalf of listen --answer
type answerer struct {
	d     *device
	out   io.Writer
	peers map[string]*client.CallPeer
}

func (a *answerer) handle(ctx context.Context, env models.Envelope) {
	switch env.Type {
	case models.EventCallIncoming:
		var p models.CallIncomingPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if err := a.answer(ctx, p); err != nil {
			fmt.Fprintf(a.out, "  %s %v\n", errStyle.Render("could not answer"), err)
			a.d.client.RejectCall(p.CallID)
		}
	case models.EventCallICECandidate:
		var p models.CallICEPayload
		if env.Decode(&p) != nil {
			return
		}
		if peer, ok := a.peers[p.CallID]; ok {
			if err := peer.AddICECandidate(p.Candidate); err != nil {
				fmt.Fprintf(a.out, "  %s %v\n", errStyle.Render("bad candidate"), err)
			}
		}
	case models.EventCallEnded, models.EventCallRejected:
		var p models.CallRefPayload
		if env.Decode(&p) != nil {
			return
		}
		if peer, ok := a.peers[p.CallID]; ok {
			peer.Close()
			delete(a.peers, p.CallID)
		}
	}
}

func (a *answerer) answer(ctx context.Context, p models.CallIncomingPayload) error {
	offer, err := client.DecodeSessionDescription(p.Offer)
	if err != nil {
		return fmt.Errorf("invalid offer: %w", err)
	}

	peer, err := client.NewCallPeer(p.HasVideo, nil)
	if err != nil {
		return err
	}
	gatherCtx, cancel := context.WithTimeout(ctx, timeout)
	answer, err := peer.Answer(gatherCtx, offer)
	cancel()
	if err != nil {
		peer.Close()
		return err
	}

	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		peer.Close()
		return err
	}
	if err := a.d.client.AnswerCall(p.CallID, answer, pub); err != nil {
		peer.Close()
		return err
	}
	a.peers[p.CallID] = peer

	fmt.Fprintf(a.out, "  %s %s\n", okStyle.Render("answered"), idStyle.Render(p.CallID))
	if keyID, err := callKeyID(priv, p.CallerPublicKey, p.CallID); err != nil {
		fmt.Fprintf(a.out, "  %s %v\n", errStyle.Render("no call key"), err)
	} else if keyID != "" {
		fmt.Fprintf(a.out, "  call key %s\n", countStyle.Render(keyID))
	}
	return nil
}

func (a *answerer) closeAll() {
	for id, peer := range a.peers {
		a.d.client.EndCall(id)
		peer.Close()
	}
}

// callKeyID derives the call key from our private key and the public key the
// other party sent, and returns its id. Empty without a passphrase.
func callKeyID(priv []byte, remote json.RawMessage, callID string) (string, error) {
	if passphrase == "" {
		return "", nil
	}
	var pub []byte
	if err := json.Unmarshal(remote, &pub); err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	key, err := crypto.DeriveCallKey(priv, pub, passphrase, callID)
	if err != nil {
		return "", err
	}
	return crypto.KeyID(key), nil
}

func init() {
	listenCmd.Flags().BoolVar(&listenAutoAnswer, "answer", false, "Answer incoming calls")
	rootCmd.AddCommand(listenCmd)
}
