// Command peerchat is the CLI entry point.
//
// Peerchat opens end-to-end encrypted chat sessions over WebRTC
// DataChannels. Peers find each other through a small HTTP/WebSocket
// signaling relay (the serve command), and every received message is
// recorded in a local metadata ledger.
//
// The chat command prompts for anything missing from its flags and config
// file.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/peerchat/internal/app"
	"github.com/1ureka/peerchat/internal/channel"
	"github.com/1ureka/peerchat/internal/clock"
	"github.com/1ureka/peerchat/internal/config"
	"github.com/1ureka/peerchat/internal/ledger"
	"github.com/1ureka/peerchat/internal/session"
	"github.com/1ureka/peerchat/internal/signaling"
	"github.com/1ureka/peerchat/internal/util"
)

var version = "dev"

var (
	configPath string
	debugMode  bool
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := &cobra.Command{
		Use:           "peerchat",
		Short:         "Encrypted peer-to-peer chat over WebRTC",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debugMode {
				util.EnableDebug()
			}
			pterm.Info.Println(fmt.Sprintf("Peerchat v%s", version))
			pterm.Println()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	root.AddCommand(serveCmd(), chatCmd(), ledgerCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	cfg := config.DefaultServer()
	var jsonLogs bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonLogs {
				util.EnableJSONLogs()
			}
			srv := signaling.NewServer(cfg, clock.Real())
			return srv.Run(cmd.Context(), func(addr net.Addr) {
				util.LogSuccess("signaling relay listening on %s", addr)
			})
		},
	}
	cmd.Flags().StringVar(&cfg.Listen, "listen", cfg.Listen, "Address to listen on")
	cmd.Flags().DurationVar(&cfg.PeerTTL, "peer-ttl", cfg.PeerTTL, "Forget peers idle for longer than this")
	cmd.Flags().DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "How often idle peers are swept")
	cmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "Log one JSON object per line")
	return cmd
}

// ---------------------------------------------------------------------------
// chat
// ---------------------------------------------------------------------------

type chatFlags struct {
	peerID   string
	remote   string
	role     string
	endpoint string
	key      string
	ledger   string
	logFile  string
	noPush   bool
}

func chatCmd() *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a remote peer",
		Long: "Chat with a remote peer. As initiator the session is started at once; " +
			"as responder peerchat waits for the remote's offer.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.peerID, "id", "", "Local peer id")
	cmd.Flags().StringVar(&f.remote, "to", "", "Remote peer id")
	cmd.Flags().StringVar(&f.role, "role", "", "initiator or responder")
	cmd.Flags().StringVar(&f.endpoint, "relay", "", "Signaling relay URL")
	cmd.Flags().StringVar(&f.key, "key", "", "Shared secret (or PEERCHAT_KEY)")
	cmd.Flags().StringVar(&f.ledger, "ledger", "", "Ledger database path")
	cmd.Flags().BoolVar(&f.noPush, "no-push", false, "Poll the relay instead of using WebSocket push")
	cmd.Flags().StringVar(&f.logFile, "log-file", "", "Write logs to this file instead of the terminal")
	return cmd
}

// loadChatConfig merges the config file, flags and the environment, and
// prompts for whatever is still missing.
func loadChatConfig(f chatFlags) (config.Config, config.Role, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, "", err
	}

	if f.peerID != "" {
		cfg.PeerID = f.peerID
	}
	if f.endpoint != "" {
		cfg.SignalingEndpoint = f.endpoint
	}
	if f.ledger != "" {
		cfg.LedgerPath = f.ledger
	}
	if f.noPush {
		cfg.DisablePush = true
	}
	switch {
	case f.key != "":
		cfg.SharedKey = f.key
	case os.Getenv("PEERCHAT_KEY") != "":
		cfg.SharedKey = os.Getenv("PEERCHAT_KEY")
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	if cfg.PeerID == "" {
		cfg.PeerID = ask("Your peer id")
	}
	if cfg.SharedKey == "" {
		cfg.SharedKey = askSecret("Shared secret")
	}

	role := config.RoleResponder
	if f.role != "" {
		if role, err = config.ParseRole(f.role); err != nil {
			return cfg, "", err
		}
	} else if f.remote == "" {
		role = askRole()
	} else {
		role = config.RoleInitiator
	}

	return cfg, role, cfg.Validate()
}

func runChat(ctx context.Context, f chatFlags) error {
	cfg, role, err := loadChatConfig(f)
	if err != nil {
		return err
	}

	remote := f.remote
	if remote == "" && role == session.Initiator {
		remote = ask("Remote peer id")
	}

	if f.logFile != "" {
		lf, err := os.OpenFile(f.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer lf.Close()
		util.SetLogOutput(lf)
	}

	node, err := app.New(ctx, app.Options{
		Config: cfg,
		Handler: app.Handler{
			OnMessage:   printMessage,
			OnConnected: func(r string) { util.LogSuccess("connected to %s, type a message or /help", r) },
			OnState: func(r string, p session.Phase) {
				if p == session.PhaseFailed || p == session.PhaseClosed {
					util.LogWarning("session with %s %s", r, p)
				}
			},
			OnError: func(r string, err error) { util.LogError("%s: %v", r, err) },
			OnLedger: func(res ledger.Result) {
				if res.Err != nil {
					util.LogWarning("ledger append for %s failed: %v", res.ContentHash, res.Err)
					return
				}
				util.LogDebug("message %s ledgered as %s", res.ContentHash, res.RecordID)
			},
		},
	})
	if err != nil {
		return err
	}
	defer node.Close()

	util.StartStatsReporter(ctx, 10*time.Second)

	if role == session.Initiator {
		if err := node.Connect(remote, role); err != nil {
			return err
		}
	} else {
		util.LogInfo("waiting for a peer to connect to %s", cfg.PeerID)
	}

	readLines(ctx, node, remote)
	util.LogInfo("successfully closed chat")
	return nil
}

// readLines sends each stdin line to the current remote until EOF, /quit or
// ctx ends. A responder's remote is whoever connects first.
func readLines(ctx context.Context, node *app.Node, remote string) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if remote == "" {
				if peers := node.Peers(); len(peers) > 0 {
					remote = peers[0]
				}
			}
			if strings.HasPrefix(line, "/") {
				if !command(node, remote, line) {
					return
				}
				continue
			}
			send(node, remote, line)
		}
	}
}

// command runs a slash command and reports whether the chat goes on.
func command(node *app.Node, remote, line string) bool {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		if remote != "" {
			node.Hangup(remote)
		}
		return false
	case "/sessions":
		for _, s := range node.Sessions() {
			pterm.Printf("  %s  %-10s %-12s last activity %s\n", s.ID, s.Role, s.Phase, s.LastActivity.Format(time.TimeOnly))
		}
	case "/peers":
		pterm.Println("  " + strings.Join(node.Peers(), ", "))
	case "/help":
		pterm.Println("  /peers  /sessions  /quit")
	default:
		util.LogWarning("unknown command %s", line)
	}
	return true
}

func send(node *app.Node, remote, text string) {
	if remote == "" {
		util.LogWarning("no peer connected yet")
		return
	}
	d, err := node.Send(remote, text)
	switch {
	case errors.Is(err, app.ErrNotConnected), errors.Is(err, channel.ErrChannelNotReady):
		util.LogWarning("%s is not connected yet", remote)
		return
	case err != nil:
		util.LogError("send failed: %v", err)
		return
	}
	go func() {
		<-d.Done()
		if err := d.Err(); err != nil {
			util.LogWarning("message %s not delivered: %v", d.Message.ID, err)
		}
	}()
}

func printMessage(remote string, m channel.Message) {
	ts := m.Timestamp.Format(time.TimeOnly)
	if m.Placeholder() {
		pterm.Warning.Printfln("[%s] %s: %s", ts, remote, m.Text())
		return
	}
	pterm.Printfln("%s %s: %s", pterm.Gray("["+ts+"]"), pterm.Cyan(remote), m.Text())
}

// ---------------------------------------------------------------------------
// ledger
// ---------------------------------------------------------------------------

func ledgerCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the local message ledger",
	}
	cmd.PersistentFlags().StringVar(&path, "ledger", "", "Ledger database path")

	open := func() (*ledger.Store, error) {
		if path == "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return nil, err
			}
			path = cfg.LedgerPath
		}
		return ledger.OpenStore(path)
	}

	get := &cobra.Command{
		Use:   "get <record-id>",
		Short: "Show one ledger record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRecords([]ledger.Record{rec})
			return nil
		},
	}

	find := &cobra.Command{
		Use:   "find <content-hash>",
		Short: "List the ledger records of a content hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.FindByHash(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return fmt.Errorf("no record for %s: %w", args[0], ledger.ErrNotFound)
			}
			printRecords(recs)
			return nil
		},
	}

	cmd.AddCommand(get, find)
	return cmd
}

func printRecords(recs []ledger.Record) {
	data := pterm.TableData{{"Record", "Sender", "Receiver", "Content hash", "Timestamp"}}
	for _, r := range recs {
		data = append(data, []string{r.ID, r.SenderID, r.ReceiverID, r.ContentHash, r.Timestamp.Format(time.RFC3339Nano)})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// ---------------------------------------------------------------------------
// Prompts
// ---------------------------------------------------------------------------

// ask prompts until a non-empty answer is entered.
func ask(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		pterm.Println()
		if v := strings.TrimSpace(raw); v != "" {
			return v
		}
		util.LogWarning("a value is required")
	}
}

func askSecret(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			WithMask("*").
			Show()
		pterm.Println()
		if raw != "" {
			return raw
		}
		util.LogWarning("a value is required")
	}
}

func askRole() config.Role {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Initiator: call a peer", "Responder: wait for a call"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	if strings.HasPrefix(choice, "Initiator") {
		return config.RoleInitiator
	}
	return config.RoleResponder
}
