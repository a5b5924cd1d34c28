// Command pairlane is the terminal front-end: it sends a file into a room or
// receives one from it, speaking the same signalling protocol as the browser.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pairlane/pairlane/internal/v1/peer"
	"github.com/pairlane/pairlane/internal/v1/roomid"
	"github.com/pairlane/pairlane/internal/v1/signaling"
	"github.com/pairlane/pairlane/internal/v1/transfer"
)

const defaultEndpoint = "http://localhost:8080"

var (
	infoColor  = color.New(color.FgCyan)
	okColor    = color.New(color.FgGreen, color.Bold)
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed, color.Bold)
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(os.Args[2:])
	case "receive":
		err = runReceive(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil && err != context.Canceled {
		errorColor.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  pairlane send <file> [roomIdOrURL] [-endpoint URL] [-no-encrypt] [-stay-open]")
	fmt.Fprintln(os.Stderr, "  pairlane receive <roomIdOrURL> [-endpoint URL] [-out DIR] [-key KEY] [-stay-open]")
}

// roomRef is a parsed room reference: a full share URL, or a bare room id
// with an optional `#k=` fragment.
type roomRef struct {
	endpoint string
	roomID   string
	key      []byte
}

func parseRoomRef(s, endpointFlag string) (*roomRef, error) {
	ref := &roomRef{endpoint: resolveEndpoint(endpointFlag)}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid room URL: %w", err)
		}
		ref.endpoint = u.Scheme + "://" + u.Host
		ref.roomID = strings.TrimPrefix(strings.TrimPrefix(u.Path, "/r/"), "/")
		if err := parseFragmentKey(ref, u.Fragment); err != nil {
			return nil, err
		}
	} else {
		id, fragment, _ := strings.Cut(s, "#")
		ref.roomID = id
		if err := parseFragmentKey(ref, fragment); err != nil {
			return nil, err
		}
	}

	if !roomid.Valid(ref.roomID) {
		return nil, fmt.Errorf("invalid room id %q", ref.roomID)
	}
	return ref, nil
}

func parseFragmentKey(ref *roomRef, fragment string) error {
	if fragment == "" {
		return nil
	}
	value, ok := strings.CutPrefix(fragment, "k=")
	if !ok {
		return nil
	}
	key, err := transfer.DecodeKey(value)
	if err != nil {
		return fmt.Errorf("invalid key in URL fragment: %w", err)
	}
	ref.key = key
	return nil
}

func resolveEndpoint(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("PAIRLANE_ENDPOINT"); env != "" {
		return env
	}
	return defaultEndpoint
}

// createRoom mints a room pinned to this cid so the sender keeps its role
// across reconnects.
func createRoom(ctx context.Context, endpoint, cid string) (string, error) {
	body, _ := json.Marshal(map[string]any{"creatorCid": cid})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(endpoint, "/")+"/api/rooms", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("rate limited creating room, try again later")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to create room: status %d", resp.StatusCode)
	}

	var out struct {
		RoomID string `json:"roomId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode room response: %w", err)
	}
	return out.RoomID, nil
}

// fetchStunServers asks the room shell which STUN servers to use, falling
// back to Cloudflare's public one.
func fetchStunServers(ctx context.Context, endpoint, roomID string) []string {
	fallback := []string{"stun:stun.cloudflare.com:3478"}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(endpoint, "/")+"/r/"+roomID, nil)
	if err != nil {
		return fallback
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fallback
	}
	defer resp.Body.Close()

	var shell struct {
		StunServers []string `json:"stunServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&shell); err != nil || len(shell.StunServers) == 0 {
		return fallback
	}
	return shell.StunServers
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	endpointFlag := fs.String("endpoint", "", "server endpoint (defaults to PAIRLANE_ENDPOINT)")
	noEncrypt := fs.Bool("no-encrypt", false, "send the file without end-to-end encryption")
	stayOpen := fs.Bool("stay-open", false, "keep serving receivers after the first completed transfer")

	var positional []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			break
		}
		positional = append(positional, a)
	}
	if err := fs.Parse(args[len(positional):]); err != nil {
		return err
	}
	if len(positional) < 1 {
		usage()
		return fmt.Errorf("send requires a file argument")
	}

	path := positional[0]
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cid := uuid.New().String()

	var ref *roomRef
	if len(positional) > 1 {
		ref, err = parseRoomRef(positional[1], *endpointFlag)
		if err != nil {
			return err
		}
	} else {
		endpoint := resolveEndpoint(*endpointFlag)
		id, err := createRoom(ctx, endpoint, cid)
		if err != nil {
			return err
		}
		ref = &roomRef{endpoint: endpoint, roomID: id}
	}

	var cipher *transfer.Cipher
	shareFragment := ""
	if !*noEncrypt {
		key := ref.key
		if key == nil {
			if key, err = transfer.GenerateKey(); err != nil {
				return err
			}
		}
		if cipher, err = transfer.NewCipher(key); err != nil {
			return err
		}
		shareFragment = "#k=" + transfer.EncodeKey(key)
	}

	infoColor.Printf("Room: %s\n", ref.roomID)
	okColor.Printf("Share this link: %s/r/%s%s\n", ref.endpoint, ref.roomID, shareFragment)
	if *noEncrypt {
		warnColor.Println("Encryption disabled: the file travels in plaintext over the data channel")
	}

	sig, err := peer.DialSignal(ctx, ref.endpoint, ref.roomID, cid)
	if err != nil {
		return err
	}
	defer sig.Close()

	engine := peer.NewOfferer(sig, fetchStunServers(ctx, ref.endpoint, ref.roomID), cipher)
	defer engine.Close()

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	engine.SetSource(&peer.Source{
		Name: filepath.Base(path),
		Size: info.Size(),
		Mime: mimeType,
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine.OnTransferDone = func(peerID string) {
		okColor.Printf("Sent %s to %s\n", filepath.Base(path), peerID)
		if !*stayOpen {
			// Leave a beat for the transfer-done frame to flush.
			time.AfterFunc(200*time.Millisecond, cancel)
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return sig.Run(gctx, func(frame *signaling.ServerFrame) {
			switch frame.Type {
			case signaling.TypeRole:
				if frame.Role != signaling.RoleOfferer {
					errorColor.Println("This room already has a sender")
					cancel()
					return
				}
				infoColor.Println("Connected as sender, waiting for receivers...")
			case signaling.TypePeers:
				infoColor.Printf("Peers in room: %d\n", frame.Count)
			case signaling.TypeStart:
				infoColor.Printf("Receiver %s connected, starting transfer\n", frame.PeerID)
				engine.HandleFrame(frame)
			default:
				engine.HandleFrame(frame)
			}
		})
	})
	return g.Wait()
}

// dirSink writes received artifacts into a directory.
type dirSink struct {
	dir string
}

func (s dirSink) Open(meta transfer.Meta) (io.WriteCloser, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}
	return os.Create(filepath.Join(s.dir, meta.Name))
}

func runReceive(args []string) error {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	endpointFlag := fs.String("endpoint", "", "server endpoint (defaults to PAIRLANE_ENDPOINT)")
	outDir := fs.String("out", ".", "directory to write received files into")
	keyFlag := fs.String("key", "", "base64url decryption key (overrides the URL fragment)")
	stayOpen := fs.Bool("stay-open", false, "keep receiving after the first completed transfer")

	var positional []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			break
		}
		positional = append(positional, a)
	}
	if err := fs.Parse(args[len(positional):]); err != nil {
		return err
	}
	if len(positional) != 1 {
		usage()
		return fmt.Errorf("receive requires a room id or URL")
	}

	ref, err := parseRoomRef(positional[0], *endpointFlag)
	if err != nil {
		return err
	}

	key := ref.key
	if *keyFlag != "" {
		if key, err = transfer.DecodeKey(*keyFlag); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cid := uuid.New().String()
	sig, err := peer.DialSignal(ctx, ref.endpoint, ref.roomID, cid)
	if err != nil {
		return err
	}
	defer sig.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine := peer.NewAnswerer(sig, fetchStunServers(ctx, ref.endpoint, ref.roomID), key, dirSink{dir: *outDir})
	defer engine.Close()

	engine.OnComplete = func(meta transfer.Meta, received int64) {
		okColor.Printf("Received %s (%d bytes) into %s\n", meta.Name, received, *outDir)
		if !*stayOpen {
			cancel()
		}
	}
	engine.OnFailed = func(meta transfer.Meta, err error) {
		errorColor.Printf("Transfer of %s failed: %v\n", meta.Name, err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return sig.Run(gctx, func(frame *signaling.ServerFrame) {
			switch frame.Type {
			case signaling.TypeRole:
				infoColor.Printf("Connected as receiver (room %s)\n", ref.roomID)
			case signaling.TypeWait:
				if frame.Position > 0 {
					warnColor.Printf("Waiting for a transfer slot (position %d)\n", frame.Position)
				} else {
					warnColor.Println("Waiting for the sender...")
				}
			case signaling.TypeStart:
				infoColor.Println("Slot assigned, negotiating connection...")
			case signaling.TypePeers:
				// Quiet: receivers don't need the room census.
			default:
				engine.HandleFrame(frame)
			}
		})
	})
	return g.Wait()
}
