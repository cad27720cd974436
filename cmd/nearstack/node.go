package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GhostScientist/nearstack/pkg/config"
	"github.com/GhostScientist/nearstack/pkg/peer/webrtc"
	"github.com/GhostScientist/nearstack/pkg/store"
	nssync "github.com/GhostScientist/nearstack/pkg/sync"
)

// NodeOptions holds flags for the node command.
type NodeOptions struct {
	*RootOptions
	ID       string
	Room     string
	Relay    string
	Codec    string
	DataDir  string
	Doc      string
	Discover bool
	InMemory bool
}

// NewNodeCommand creates the node command.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Join a room and edit documents interactively",
		Long: `Start a node, join a room and open an interactive prompt.

Documents are persisted under the data directory, one Badger store per room.

Example:
  nearstack node --room kitchen --relay ws://192.168.1.20:8787/ws
  nearstack node --room kitchen --discover`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "node id (default from config, else random)")
	cmd.Flags().StringVar(&opts.Room, "room", "", "room to join (default from config)")
	cmd.Flags().StringVar(&opts.Relay, "relay", "", "relay WebSocket URL (overrides config)")
	cmd.Flags().StringVar(&opts.Codec, "codec", "", "wire codec: json or msgpack")
	cmd.Flags().StringVar(&opts.DataDir, "data", "", "data directory (default from config)")
	cmd.Flags().StringVar(&opts.Doc, "doc", "notes", "document opened at startup")
	cmd.Flags().BoolVar(&opts.Discover, "discover", false, "find a relay on the LAN over mDNS")
	cmd.Flags().BoolVar(&opts.InMemory, "in-memory", false, "keep documents in memory only")

	return cmd
}

func (o *NodeOptions) apply() {
	cfg := &o.Config
	if o.ID != "" {
		cfg.Node.ID = o.ID
	}
	if o.Room != "" {
		cfg.Node.Room = o.Room
	}
	if o.Codec != "" {
		cfg.Node.Codec = o.Codec
	}
	if o.Relay != "" {
		cfg.Signal.Kind = config.SignalRelay
		cfg.Signal.RelayURL = o.Relay
	}
	if o.DataDir != "" {
		cfg.Store.Path = o.DataDir
	}
	if o.InMemory {
		cfg.Store.InMemory = true
	}
}

func runNode(ctx context.Context, opts *NodeOptions, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts.apply()
	cfg := opts.Config
	logger := opts.Logger

	codec, err := nssync.CodecByName(cfg.Node.Codec)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg.Store.Path, cfg.Store.InMemory, cfg.Node.Room, opts)
	if err != nil {
		return err
	}
	defer closeStore()

	channel, err := newSignaling(ctx, cfg.Signal, opts.Discover, logger)
	if err != nil {
		return err
	}
	defer channel.Close()

	engine := nssync.NewEngine(
		nssync.WithNodeID(cfg.Node.ID),
		nssync.WithRoom(cfg.Node.Room),
		nssync.WithSignaling(channel),
		nssync.WithTransport(webrtc.NewTransport(
			webrtc.WithICEServers(cfg.Node.ICEServers...),
			webrtc.WithLogger(logger),
		)),
		nssync.WithCodec(codec),
		nssync.WithLogger(logger),
	)
	defer engine.Dispose(context.Background())

	bridge := store.NewBridge(st, logger)
	defer bridge.Close()

	names, err := bridge.Names()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := bridge.Attach(engine.Document(name)); err != nil {
			return err
		}
	}

	application := &app{engine: engine, bridge: bridge, out: out}
	if err := application.open(opts.Doc); err != nil {
		return err
	}
	unsubscribe := engine.On(application.printEvent)
	defer unsubscribe()
	unpersist := engine.On(application.persistRemote)
	defer unpersist()

	if err := engine.Connect(ctx); err != nil {
		return err
	}

	printBanner(application, cfg.Node.Room, cfg.Store.Path, len(names))
	printHelp(out)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			quit, err := handleCommand(application, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func openStore(path string, inMemory bool, room string, opts *NodeOptions) (store.Store, func(), error) {
	logOpt := store.WithBadgerLogger(opts.Logger)
	if inMemory {
		st, err := store.NewBadgerStore("", store.WithInMemory(), logOpt)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	}

	stores := store.NewMultiStore(path, logOpt)
	st, err := stores.Get(room)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = stores.CloseAll() }, nil
}
