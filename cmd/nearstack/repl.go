package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/GhostScientist/nearstack/pkg/store"
	nssync "github.com/GhostScientist/nearstack/pkg/sync"
)

type app struct {
	engine *nssync.Engine
	bridge *store.Bridge // nil keeps documents in memory only
	doc    *nssync.Document
	out    io.Writer
}

// open switches the current document, attaching it to the store first.
func (a *app) open(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("document name cannot be empty")
	}
	doc := a.engine.Document(name)
	if a.bridge != nil {
		if err := a.bridge.Attach(doc); err != nil {
			return err
		}
	}
	a.doc = doc
	return nil
}

// persistRemote attaches documents first created by a peer, then saves the
// entries that arrived before the attach.
func (a *app) persistRemote(ev nssync.Event) {
	if a.bridge == nil || ev.Type != nssync.EventDocumentChanged || ev.PeerID == "" {
		return
	}
	if a.bridge.Attached(ev.DocumentID) {
		return
	}
	doc := a.engine.Document(ev.DocumentID)
	if err := a.bridge.Attach(doc); err != nil {
		fmt.Fprintf(a.out, "\n* persist %s failed: %v\n", ev.DocumentID, err)
		return
	}
	if err := a.bridge.Save(doc); err != nil {
		fmt.Fprintf(a.out, "\n* persist %s failed: %v\n", ev.DocumentID, err)
	}
}

func (a *app) printEvent(ev nssync.Event) {
	switch ev.Type {
	case nssync.EventPeerJoined, nssync.EventPeerLeft:
		fmt.Fprintf(a.out, "\n* %s %s\n", ev.Type, ev.PeerID)
	case nssync.EventDocumentChanged:
		if ev.PeerID == "" {
			return
		}
		fmt.Fprintf(a.out, "\n* %d change(s) to %s from %s\n", len(ev.Changes), ev.DocumentID, ev.PeerID)
	default:
		fmt.Fprintf(a.out, "\n* %s\n", ev.Type)
	}
}

func printBanner(a *app, room, dataDir string, restored int) {
	fmt.Fprintln(a.out, "nearstack node")
	fmt.Fprintf(a.out, "node id:    %s\n", a.engine.NodeID())
	fmt.Fprintf(a.out, "room:       %s\n", room)
	fmt.Fprintf(a.out, "data dir:   %s\n", dataDir)
	fmt.Fprintf(a.out, "restored:   %d document(s)\n", restored)
	fmt.Fprintf(a.out, "document:   %s\n", a.doc.Name())
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "\nCommands:")
	fmt.Fprintln(out, "  help")
	fmt.Fprintln(out, "  use <doc>")
	fmt.Fprintln(out, "  set <key> <value>     value is stored as JSON when it parses, else as a string")
	fmt.Fprintln(out, "  get <key>")
	fmt.Fprintln(out, "  del <key>")
	fmt.Fprintln(out, "  list")
	fmt.Fprintln(out, "  docs")
	fmt.Fprintln(out, "  peers")
	fmt.Fprintln(out, "  stats")
	fmt.Fprintln(out, "  quit")
}

func handleCommand(a *app, line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}

	cmd := strings.ToLower(parts[0])

	switch cmd {
	case "help":
		printHelp(a.out)
		return false, nil

	case "use":
		if len(parts) != 2 {
			return false, fmt.Errorf("usage: use <doc>")
		}
		if err := a.open(parts[1]); err != nil {
			return false, err
		}
		fmt.Fprintf(a.out, "using %s (%d keys)\n", a.doc.Name(), a.doc.Len())
		return false, nil

	case "set":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: set <key> <value>")
		}
		rest := strings.TrimSpace(line[len(parts[0]):])
		raw := strings.TrimSpace(strings.TrimPrefix(rest, parts[1]))
		if err := a.doc.Set(parts[1], parseValue(raw)); err != nil {
			return false, err
		}
		fmt.Fprintln(a.out, "ok")
		return false, nil

	case "get":
		if len(parts) != 2 {
			return false, fmt.Errorf("usage: get <key>")
		}
		value, ok := a.doc.GetRaw(parts[1])
		if !ok {
			fmt.Fprintln(a.out, "(not found)")
			return false, nil
		}
		fmt.Fprintln(a.out, string(value))
		return false, nil

	case "del":
		if len(parts) != 2 {
			return false, fmt.Errorf("usage: del <key>")
		}
		deleted, err := a.doc.Delete(parts[1])
		if err != nil {
			return false, err
		}
		if !deleted {
			fmt.Fprintln(a.out, "(not found)")
			return false, nil
		}
		fmt.Fprintln(a.out, "ok")
		return false, nil

	case "list":
		keys := a.doc.Keys()
		if len(keys) == 0 {
			fmt.Fprintln(a.out, "(empty)")
			return false, nil
		}
		for _, key := range keys {
			value, _ := a.doc.GetRaw(key)
			fmt.Fprintf(a.out, "%s = %s\n", key, value)
		}
		return false, nil

	case "docs":
		for _, name := range a.engine.DocumentNames() {
			marker := " "
			if name == a.doc.Name() {
				marker = "*"
			}
			fmt.Fprintf(a.out, "%s %s\n", marker, name)
		}
		return false, nil

	case "peers":
		peers := a.engine.Peers()
		fmt.Fprintf(a.out, "peers (%d):\n", len(peers))
		for _, p := range peers {
			fmt.Fprintf(a.out, "  %s %s\n", p.ID, p.State)
		}
		return false, nil

	case "stats":
		stats := a.engine.Stats()
		fmt.Fprintf(a.out, "documents=%d peers=%d\n", stats.Documents, stats.ConnectedPeers)
		fmt.Fprintf(a.out, "changes broadcast=%d applied=%d rejected=%d\n",
			stats.ChangesBroadcast,
			stats.ChangesApplied,
			stats.ChangesRejected,
		)
		fmt.Fprintf(a.out, "sync req sent=%d received=%d responses=%d malformed=%d dropped=%d\n",
			stats.SyncRequestsSent,
			stats.SyncRequestsReceived,
			stats.SyncResponses,
			stats.MalformedMessages,
			stats.DroppedSends,
		)
		return false, nil

	case "quit", "exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command: %s", cmd)
	}
}

// parseValue keeps valid JSON as is and quotes anything else.
func parseValue(raw string) any {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}
