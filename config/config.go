// Package config resolves basalt's on-disk layout and loads the
// operator-tunable knobs left as defaults from a TOML file, the way the
// teacher's builder tooling reads its settings.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const appDirName = ".basalt"

// Dirs is the resolved on-disk layout relative to the user's home
// directory.
type Dirs struct {
	App    string // <home>/.basalt
	Keys   string // <app>/keys
	Store  string // <app>/store
	Socket string // <app>/agent.socket
}

func Resolve() (Dirs, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Dirs{}, err
	}
	app := filepath.Join(home, appDirName)
	return Dirs{
		App:    app,
		Keys:   filepath.Join(app, "keys"),
		Store:  filepath.Join(app, "store"),
		Socket: filepath.Join(app, "agent.socket"),
	}, nil
}

func (d Dirs) EnsureCreated() error {
	for _, p := range []string{d.App, d.Keys, d.Store} {
		if err := os.MkdirAll(p, 0o700); err != nil {
			return err
		}
	}
	return nil
}

func (d Dirs) HeadFile() string       { return filepath.Join(d.Store, ".head") }
func (d Dirs) KeychainFile() string   { return filepath.Join(d.Store, "keychain.json") }
func (d Dirs) RecipientsFile() string { return filepath.Join(d.Store, ".recipients") }
func (d Dirs) KeyFile(deviceID string) string {
	return filepath.Join(d.Keys, deviceID+".key")
}

// Tunables are the operator-tunable knobs left as implicit
// constants (max retry count, PIN-entry helper binary, KDF cost).
type Tunables struct {
	MaxTries       int         `toml:"max_tries"`
	PinentryBinary string      `toml:"pinentry_binary"`
	KDFTimeCost    uint32      `toml:"kdf_time_cost"`
	KDFMemoryKiB   uint32      `toml:"kdf_memory_kib"`
	KDFThreads     uint8       `toml:"kdf_threads"`
	SocketMode     os.FileMode `toml:"socket_mode"`
}

func DefaultTunables() Tunables {
	return Tunables{
		MaxTries:       3,
		PinentryBinary: "pinentry",
		KDFTimeCost:    3,
		KDFMemoryKiB:   64 * 1024,
		KDFThreads:     4,
		SocketMode:     0o600,
	}
}

// LoadTunables reads <app>/config.toml, falling back to defaults for a
// missing file or any field the file doesn't set.
func LoadTunables(d Dirs) (Tunables, error) {
	t := DefaultTunables()
	path := filepath.Join(d.App, "config.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return t, nil
	}
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return Tunables{}, err
	}
	if t.MaxTries <= 0 {
		t.MaxTries = DefaultTunables().MaxTries
	}
	if t.PinentryBinary == "" {
		t.PinentryBinary = DefaultTunables().PinentryBinary
	}
	if t.KDFTimeCost == 0 {
		t.KDFTimeCost = DefaultTunables().KDFTimeCost
	}
	if t.KDFMemoryKiB == 0 {
		t.KDFMemoryKiB = DefaultTunables().KDFMemoryKiB
	}
	if t.KDFThreads == 0 {
		t.KDFThreads = DefaultTunables().KDFThreads
	}
	if t.SocketMode == 0 {
		t.SocketMode = DefaultTunables().SocketMode
	}
	return t, nil
}
