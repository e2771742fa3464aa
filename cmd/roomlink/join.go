package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mossy-p/roomlink/config"
	"github.com/mossy-p/roomlink/internal/broadcast"
	"github.com/mossy-p/roomlink/internal/feed"
	"github.com/mossy-p/roomlink/internal/game"
	"github.com/mossy-p/roomlink/internal/logging"
	"github.com/mossy-p/roomlink/internal/models"
	"github.com/mossy-p/roomlink/internal/redis"
	"github.com/mossy-p/roomlink/internal/registry"
	"github.com/mossy-p/roomlink/internal/roster"
	"github.com/mossy-p/roomlink/internal/signaling"
	"github.com/mossy-p/roomlink/internal/transport"
	"github.com/spf13/cobra"
)

var (
	flagName      string
	flagCharacter string
	flagPeerID    string
	flagServer    string
	flagCodec     string
)

var joinCmd = &cobra.Command{
	Use:     "join <room>",
	Aliases: []string{"j"},
	Short:   "Join a room as a headless peer",
	Long: `Join a room by id or 6-character code and open a data link to every
other participant. Lines read from stdin drive the local player:

  /move dx dy   move the local player
  /who          list remote players
  /say text     post to the persisted room chat (Redis mode only)
  /quit         leave the room
  anything else is sent to every connected peer as chat

Signals travel over Redis directly unless --server (or $SIGNAL_SERVER_URL)
names a bridge server.

Examples:
  roomlink join ABCD23 --name alice
  roomlink join ABCD23 --server ws://localhost:8080 --codec msgpack`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, func(cfg *config.Config) {
			if cmd.Flags().Changed("server") {
				cfg.Signaling.ServerURL = strings.TrimRight(flagServer, "/")
			}
			if cmd.Flags().Changed("codec") {
				cfg.Game.Codec = flagCodec
			}
		})
		if err != nil {
			return err
		}
		return joinRoom(cmd, cfg, args[0])
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "display name (default derived from the peer id)")
	joinCmd.Flags().StringVarP(&flagCharacter, "character", "c", "", "character to play")
	joinCmd.Flags().StringVar(&flagPeerID, "peer-id", "", "participant id (default random)")
	joinCmd.Flags().StringVar(&flagServer, "server", "", "bridge server URL (default $SIGNAL_SERVER_URL)")
	joinCmd.Flags().StringVar(&flagCodec, "codec", "", "data link codec: json or msgpack (default $MESSAGE_CODEC)")
}

func joinRoom(cmd *cobra.Command, cfg *config.Config, roomKey string) error {
	ctx, leave := context.WithCancelCause(cmd.Context())
	defer leave(nil)
	out := cmd.OutOrStdout()

	codec, err := models.CodecByName(cfg.Game.Codec)
	if err != nil {
		return err
	}

	local := models.ParticipantID(flagPeerID)
	if local == "" {
		local = models.NewParticipantID()
	}
	name := flagName
	if name == "" {
		name = "player-" + string(local)[:min(4, len(local))]
	}

	var (
		signals feed.Feed
		store   *roster.Store
		room    models.RoomMetadata
	)
	if cfg.Signaling.ServerURL != "" {
		room, err = lookupRoom(ctx, cfg.Signaling.ServerURL, roomKey)
		if err != nil {
			return err
		}
		ws := feed.NewWebSocket(cfg.Signaling.ServerURL, local)
		ws.OnDisconnect(func(id models.RoomID, err error) {
			log.Warnw("lost bridge connection", "room", id, "err", err)
			leave(err)
		})
		defer ws.Close()
		signals = ws
	} else {
		client, err := redis.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		store = roster.NewStore(client)
		room, err = store.JoinableRoom(ctx, roomKey)
		if err != nil {
			return err
		}
		if err := store.AddPeer(ctx, room.ID, local); err != nil {
			return err
		}
		defer func() {
			if err := store.RemovePeer(context.Background(), room.ID, local); err != nil {
				log.Warnw("failed to unregister peer", "room", room.ID, "err", err)
			}
		}()
		if flagCharacter != "" {
			if _, err := store.SetCharacter(ctx, room.ID, local, name, flagCharacter); err != nil {
				return err
			}
		}
		signals = feed.NewRedis(client, feed.RedisOptions{
			MaxLen: cfg.Signaling.BacklogLimit,
			TTL:    cfg.Signaling.SignalTTL,
		})
	}

	reg := registry.New()
	loop := game.New(game.Config{
		Local:        local,
		Name:         name,
		Character:    flagCharacter,
		TickInterval: cfg.Game.TickInterval,
		Codec:        codec,
	}, broadcast.New(reg, codec))
	loop.OnChat(func(m models.ChatMessage) {
		fmt.Fprintf(out, "<%s> %s\n", m.From, m.Text)
	})

	session, err := signaling.New(signaling.Config{
		Room:     room.ID,
		Local:    local,
		Feed:     signals,
		Registry: reg,
		Transports: transport.NewPionFactory(transport.PionConfig{
			ICEServers:    cfg.ICEServers(),
			LoggerFactory: logging.PionLoggerFactory(cfg.LogLevel),
		}),
		Hooks: signaling.Hooks{
			OnMessage: loop.HandleInbound,
			OnPeerReady: func(id models.ParticipantID) {
				fmt.Fprintf(out, "* %s connected\n", id)
			},
			OnPeerGone: func(id models.ParticipantID) {
				loop.Forget(id)
				fmt.Fprintf(out, "* %s left\n", id)
			},
			OnError: func(err error) {
				log.Warnw("signaling error", "err", err)
			},
		},
		PublishTimeout:     cfg.Signaling.PublishTimeout,
		NegotiationTimeout: cfg.Signaling.NegotiationTimeout,
		ClockSkew:          cfg.Signaling.ClockSkew,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "joined %q (%s) as %s [%s]\n", room.Name, room.Code, name, local)

	if store != nil {
		stopChat, err := store.SubscribeChat(ctx, room.ID, func(line models.ChatLine) {
			fmt.Fprintf(out, "[room] %s: %s\n", line.PlayerName, line.Message)
		})
		if err != nil {
			return err
		}
		defer stopChat()
		stopPlayers, err := store.SubscribePlayers(ctx, room.ID, func(entries []models.RosterEntry) {
			picks := make([]string, 0, len(entries))
			for _, e := range entries {
				picks = append(picks, e.PlayerName+"="+e.Character)
			}
			fmt.Fprintf(out, "[roster] %s\n", strings.Join(picks, " "))
		})
		if err != nil {
			return err
		}
		defer stopPlayers()
	}

	go func() {
		_ = loop.Run(ctx)
	}()

	lines := readLines(cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			if err := context.Cause(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runLine(ctx, out, line, loop, store, room.ID, name)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// runLine applies one stdin command and reports whether the peer should leave.
func runLine(ctx context.Context, out io.Writer, line string, loop *game.Loop, store *roster.Store, room models.RoomID, name string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return true, nil
	case "/move":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /move dx dy")
		}
		dx, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return false, fmt.Errorf("invalid dx: %w", err)
		}
		dy, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return false, fmt.Errorf("invalid dy: %w", err)
		}
		s := loop.Move(dx, dy)
		fmt.Fprintf(out, "you are at (%.0f, %.0f)\n", s.X, s.Y)
	case "/who":
		remotes := loop.Remotes()
		ids := loop.RemoteIDs()
		if len(ids) == 0 {
			fmt.Fprintln(out, "nobody else here yet")
		}
		for _, id := range ids {
			s, ok := remotes[id]
			if !ok {
				continue
			}
			fmt.Fprintf(out, "%s %s (%s) at (%.0f, %.0f) hp %d\n", id, s.Name, s.Character, s.X, s.Y, s.HP)
		}
	case "/say":
		if store == nil {
			return false, fmt.Errorf("room chat needs a direct Redis connection")
		}
		if _, err := store.AppendChat(ctx, room, name, rest); err != nil {
			return false, err
		}
	default:
		n, err := loop.SendChat(line)
		if err != nil {
			return false, err
		}
		if n == 0 {
			fmt.Fprintln(out, "no connected peers")
		}
	}
	return false, nil
}

func readLines(r io.Reader) <-chan string {
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

// lookupRoom resolves a room id or code through the bridge server's API.
func lookupRoom(ctx context.Context, serverURL, key string) (models.RoomMetadata, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return models.RoomMetadata{}, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.JoinPath("api", "rooms", key).String(), nil)
	if err != nil {
		return models.RoomMetadata{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return models.RoomMetadata{}, fmt.Errorf("failed to look up room: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return models.RoomMetadata{}, roster.ErrRoomNotFound
	default:
		return models.RoomMetadata{}, fmt.Errorf("failed to look up room: %s", resp.Status)
	}
	var room models.RoomMetadata
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return models.RoomMetadata{}, fmt.Errorf("failed to parse room: %w", err)
	}
	if room.PlayerCount >= room.MaxPlayers {
		return models.RoomMetadata{}, roster.ErrRoomFull
	}
	return room, nil
}
