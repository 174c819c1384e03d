// spiretalk-join is a CLI call client: it opens a signaling connection to a
// spiretalk server, joins a room and negotiates a peer connection with every
// other participant.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spiretalk/spiretalk/globals"
	"github.com/spiretalk/spiretalk/peer"
	"github.com/spiretalk/spiretalk/types"
)

var (
	serverUrl   string
	displayName string
	stunServer  string
	idToken     string
	provider    string
	withVideo   bool
)

var rootCmd = &cobra.Command{
	Use:   "spiretalk-join <room>",
	Short: "join a spiretalk room from the terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.Flags().StringVarP(&serverUrl, "server", "s", "ws://localhost:8000", "server base url")
	rootCmd.Flags().StringVarP(&displayName, "name", "n", "", "display name (a guest name is assigned if empty)")
	rootCmd.Flags().StringVar(&stunServer, "stun", "stun:stun.l.google.com:19302", "STUN server url")
	rootCmd.Flags().StringVar(&idToken, "id-token", "", "OIDC id token (optional)")
	rootCmd.Flags().StringVar(&provider, "provider", "", "OIDC provider name (optional)")
	rootCmd.Flags().BoolVar(&withVideo, "video", false, "enable the outgoing video track")
}

func joinRoom(ctx context.Context, roomId string) error {
	conn, err := peer.DialSignal(ctx, serverUrl, roomId, idToken, provider)
	if err != nil {
		return err
	}
	defer conn.Close()

	manager := peer.NewManager(roomId, peer.NewPionEngine(stunServer), conn.Send)
	defer manager.Close()

	conn.Join(displayName)

	return conn.Run(ctx, func(env *types.Envelope) {
		switch env.Type {
		case types.MessageTypeRoomJoined:
			manager.HandleEnvelope(env)
			payload := types.RoomJoinedPayload{}
			if err := json.Unmarshal(env.Payload, &payload); err == nil {
				fmt.Printf("joined %s as %s (%d others present)\n",
					roomId, payload.You.DisplayName, len(payload.Participants))
			}
			if withVideo {
				manager.EnableVideo()
			}
		case types.MessageTypeChat:
			msg := types.ChatMessage{}
			if err := json.Unmarshal(env.Payload, &msg); err == nil {
				fmt.Printf("[%s] %s\n", msg.DisplayName, msg.Text)
			}
		case types.MessageTypeParticipantJoined, types.MessageTypeParticipantLeft:
			manager.HandleEnvelope(env)
		case types.MessageTypeError:
			payload := types.ErrorPayload{}
			if err := json.Unmarshal(env.Payload, &payload); err == nil {
				fmt.Fprintf(os.Stderr, "server error: %s (%s)\n", payload.Message, payload.Code)
			}
		default:
			manager.HandleEnvelope(env)
		}
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		globals.AppLogger.Error("call ended with error", "error", err)
		os.Exit(1)
	}
}
