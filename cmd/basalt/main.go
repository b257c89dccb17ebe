// Command basalt is the CLI surface: init/generate/encrypt/decrypt/
// reencrypt plus agent lifecycle commands, all implemented as thin
// wrappers that batch one or more protocol.Request values through
// client.Connector. Grounded on the teacher's app/host CLI tree
// (urfave/cli/v3 command structure, term.IsTerminal-gated human output)
// and on SPEC_FULL.md §4.16 for lipgloss/base58 presentation.
package main

import (
	"context"
	"encoding/base32"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mr-tron/base58"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/allonsy/basalt-go/agentserver"
	"github.com/allonsy/basalt-go/client"
	"github.com/allonsy/basalt-go/config"
	"github.com/allonsy/basalt-go/logging"
	"github.com/allonsy/basalt-go/protocol"
)

var b32 = base32.StdEncoding

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func main() {
	if !isTTY() {
		headerStyle = lipgloss.NewStyle()
		errorStyle = lipgloss.NewStyle()
		dimStyle = lipgloss.NewStyle()
	}

	app := &cli.Command{
		Name:  "basalt",
		Usage: "recipient-sealed file store with an agent-held keyring",
		Commands: []*cli.Command{
			cmdInit(),
			cmdGenerate(),
			cmdEncrypt(),
			cmdDecrypt(),
			cmdReencrypt(),
			cmdAgent(),
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func connector() (client.Connector, config.Dirs, error) {
	dirs, err := config.Resolve()
	if err != nil {
		return client.Connector{}, dirs, err
	}
	if err := dirs.EnsureCreated(); err != nil {
		return client.Connector{}, dirs, err
	}
	self, err := os.Executable()
	if err != nil {
		return client.Connector{}, dirs, err
	}
	return client.New(dirs.Socket, self), dirs, nil
}

func cmdInit() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "bootstrap the store and this device's first key (genesis)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "device id for the genesis key", Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runAddKey(c.String("name"), protocol.KeySodium, "")
		},
	}
}

func cmdGenerate() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "generate and register a new device key",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "device id", Required: true},
			&cli.StringFlag{Name: "kind", Usage: "sodium|paperkey|yubikey", Value: "sodium"},
			&cli.StringFlag{Name: "seed", Usage: "base32 seed phrase material (paperkey only)"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			kind, err := parseKind(c.String("kind"))
			if err != nil {
				return err
			}
			return runAddKey(c.String("name"), kind, c.String("seed"))
		},
	}
}

func parseKind(s string) (protocol.KeyKind, error) {
	switch s {
	case "sodium":
		return protocol.KeySodium, nil
	case "paperkey":
		return protocol.KeyPaperKey, nil
	case "yubikey":
		return protocol.KeyYubikey, nil
	default:
		return "", fmt.Errorf("unknown key kind %q", s)
	}
}

func runAddKey(name string, kind protocol.KeyKind, seed string) error {
	conn, _, err := connector()
	if err != nil {
		return err
	}
	resps, err := conn.Send([]protocol.Request{{
		Kind:   protocol.ReqAddKey,
		AddKey: &protocol.AddKeyRequest{Name: name, Kind: kind, Secret: seed},
	}})
	if err != nil {
		return err
	}
	resp := resps[0]
	if resp.Err != "" {
		return fmt.Errorf("%s", resp.Err)
	}
	if resp.Ok.AddKey.Unsupported {
		fmt.Println(errorStyle.Render("unsupported: " + resp.Ok.AddKey.Detail))
		return nil
	}
	fmt.Println(headerStyle.Render("added device key ") + name)
	if fp, err := fingerprint(resp.Ok.AddKey.Digest); err == nil {
		fmt.Println(dimStyle.Render("fingerprint: " + fp))
	}
	return nil
}

// fingerprint re-encodes a base32 digest as base58 for a shorter,
// less error-prone display form; on-disk and wire bytes stay base32.
func fingerprint(digestB32 string) (string, error) {
	raw, err := b32.DecodeString(digestB32)
	if err != nil {
		return "", err
	}
	return base58.Encode(raw), nil
}

func cmdEncrypt() *cli.Command {
	return &cli.Command{
		Name:      "encrypt",
		Usage:     "seal stdin to <path>'s resolved recipients",
		ArgsUsage: "<path>",
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("encrypt: missing path argument")
			}
			plaintext, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			conn, _, err := connector()
			if err != nil {
				return err
			}
			resps, err := conn.Send([]protocol.Request{{
				Kind:    protocol.ReqEncrypt,
				Encrypt: &protocol.EncryptRequest{Path: path, Bytes: b32.EncodeToString(plaintext)},
			}})
			if err != nil {
				return err
			}
			if resps[0].Err != "" {
				return fmt.Errorf("%s", resps[0].Err)
			}
			return nil
		},
	}
}

func cmdDecrypt() *cli.Command {
	return &cli.Command{
		Name:      "decrypt",
		Usage:     "open <path> and write its plaintext to stdout",
		ArgsUsage: "<path>",
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("decrypt: missing path argument")
			}
			conn, _, err := connector()
			if err != nil {
				return err
			}
			resps, err := conn.Send([]protocol.Request{{
				Kind:    protocol.ReqDecrypt,
				Decrypt: &protocol.DecryptRequest{Path: path},
			}})
			if err != nil {
				return err
			}
			if resps[0].Err != "" {
				return fmt.Errorf("%s", resps[0].Err)
			}
			plaintext, err := b32.DecodeString(resps[0].Ok.Decrypt.Bytes)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(plaintext)
			return err
		},
	}
}

func cmdReencrypt() *cli.Command {
	return &cli.Command{
		Name:      "reencrypt",
		Usage:     "bring every vault file's recipients in line with trust and .recipients",
		ArgsUsage: "[<path>]",
		Action: func(ctx context.Context, c *cli.Command) error {
			conn, _, err := connector()
			if err != nil {
				return err
			}
			resps, err := conn.Send([]protocol.Request{{
				Kind:      protocol.ReqReencrypt,
				Reencrypt: &protocol.ReencryptRequest{Path: c.Args().First()},
			}})
			if err != nil {
				return err
			}
			if resps[0].Err != "" {
				return fmt.Errorf("%s", resps[0].Err)
			}
			r := resps[0].Ok.Reencrypt
			fmt.Printf("%s: %d stripped, %d resealed, %d skipped, %d failed\n",
				dimStyle.Render("reencrypt"), r.Stripped, r.Resealed, r.Skipped, r.Failed)
			return nil
		},
	}
}

func cmdAgent() *cli.Command {
	return &cli.Command{
		Name:  "agent",
		Usage: "agent lifecycle",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the agent in the foreground (spawned by the client connector)",
				Action: func(ctx context.Context, c *cli.Command) error {
					return runAgent()
				},
			},
			{
				Name:  "reload",
				Usage: "drop all shared unlocked key state",
				Action: func(ctx context.Context, c *cli.Command) error {
					conn, _, err := connector()
					if err != nil {
						return err
					}
					resps, err := conn.Send([]protocol.Request{{Kind: protocol.ReqReload}})
					if err != nil {
						return err
					}
					if resps[0].Err != "" {
						return fmt.Errorf("%s", resps[0].Err)
					}
					return nil
				},
			},
			{
				Name:  "quit",
				Usage: "remove the agent socket and terminate the agent",
				Action: func(ctx context.Context, c *cli.Command) error {
					conn, _, err := connector()
					if err != nil {
						return err
					}
					_, err = conn.Send([]protocol.Request{{Kind: protocol.ReqQuit}})
					return err
				},
			},
		},
	}
}

func runAgent() error {
	dirs, err := config.Resolve()
	if err != nil {
		return err
	}
	if err := dirs.EnsureCreated(); err != nil {
		return err
	}
	tunables, err := config.LoadTunables(dirs)
	if err != nil {
		return err
	}
	log := logging.NewFromEnv()
	ln, err := agentserver.Listen(dirs.Socket, tunables.SocketMode)
	if err != nil {
		return err
	}
	srv := agentserver.New(dirs, tunables, log)
	log.Info("agent listening", slog.String("socket", dirs.Socket))
	return srv.Serve(ln)
}

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
