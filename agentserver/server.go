// Package agentserver is the agent's listener loop: one Unix-domain
// socket, one short-lived worker goroutine per accepted connection, each
// worker reading exactly one request-batch frame and writing exactly one
// response-batch frame before closing. Grounded on the teacher's broker
// package for the "spawn a goroutine per connection, log every framing
// error, never let one bad peer take down the listener" discipline,
// adapted from its async duplex model to basalt's synchronous
// one-round-trip-per-connection protocol.
package agentserver

import (
	"bufio"
	"encoding/base32"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/allonsy/basalt-go/config"
	"github.com/allonsy/basalt-go/cryptoprim"
	"github.com/allonsy/basalt-go/errs"
	"github.com/allonsy/basalt-go/keys"
	"github.com/allonsy/basalt-go/keystore"
	"github.com/allonsy/basalt-go/logging"
	"github.com/allonsy/basalt-go/pinentry"
	"github.com/allonsy/basalt-go/protocol"
	"github.com/allonsy/basalt-go/reencrypt"
	"github.com/allonsy/basalt-go/resolver"
	"github.com/allonsy/basalt-go/trust"
	"github.com/allonsy/basalt-go/unlock"
	"github.com/allonsy/basalt-go/vault"
	"github.com/allonsy/basalt-go/yubikey"
)

var b32 = base32.StdEncoding

// Server owns the listener and the process-wide shared state: the
// keychain log (reloaded from disk on demand, invalidated by Reload and
// every append), and the unlock table. All mutation of shared state goes
// through methods here; crypto itself never holds a server-wide lock.
type Server struct {
	dirs     config.Dirs
	tunables config.Tunables
	log      *slog.Logger
	keyStore *keystore.Store
	oracle   pinentry.Oracle
	shared   *unlock.Shared
	trustSrc trust.Store
	resolver resolver.Resolver

	mu       sync.Mutex
	quitting bool
}

func New(dirs config.Dirs, tunables config.Tunables, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	kdfParams := cryptoprim.KDFParams{
		Time:    tunables.KDFTimeCost,
		Memory:  tunables.KDFMemoryKiB,
		Threads: tunables.KDFThreads,
	}
	ks := keystore.New(dirs.Keys, kdfParams)
	oracle := pinentry.New(tunables.PinentryBinary)
	return &Server{
		dirs:     dirs,
		tunables: tunables,
		log:      log,
		keyStore: ks,
		oracle:   oracle,
		shared:   unlock.NewShared(ks, oracle, tunables.MaxTries),
		trustSrc: trust.Store{ChainFile: dirs.KeychainFile(), HeadFile: dirs.HeadFile()},
		resolver: resolver.New(dirs.Store),
	}
}

// Serve accepts connections on ln until the socket is removed by Quit or
// the listener is closed by the caller.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			quitting := s.quitting
			s.mu.Unlock()
			if quitting {
				return nil
			}
			return errs.Wrap(errs.IO, "accept connection", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	log := s.log.With("conn", logging.NewCorrelationID())
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panic", "recover", r)
		}
	}()
	r := bufio.NewReader(conn)

	reqs, err := protocol.ReadFrame(r)
	if err != nil {
		log.Warn("malformed request frame", "error", err)
		_ = protocol.WriteResponseFrame(conn, []protocol.Response{protocol.ErrResponse(err.Error())})
		return
	}

	session := unlock.NewSession(s.shared)
	resps := make([]protocol.Response, len(reqs))
	for i, req := range reqs {
		resps[i] = s.dispatch(session, req)
	}

	if err := protocol.WriteResponseFrame(conn, resps); err != nil {
		log.Warn("failed to write response frame", "error", err)
	}
}

func (s *Server) dispatch(session *unlock.Session, req protocol.Request) protocol.Response {
	switch req.Kind {
	case protocol.ReqAddKey:
		return s.handleAddKey(session, req.AddKey)
	case protocol.ReqEncrypt:
		return s.handleEncrypt(session, req.Encrypt)
	case protocol.ReqDecrypt:
		return s.handleDecrypt(session, req.Decrypt)
	case protocol.ReqReencrypt:
		return s.handleReencrypt(session, req.Reencrypt)
	case protocol.ReqReload:
		s.shared.Reload()
		return protocol.OkResponse(protocol.ResponseOk{Reload: true})
	case protocol.ReqQuit:
		s.mu.Lock()
		s.quitting = true
		s.mu.Unlock()
		_ = os.Remove(s.dirs.Socket)
		go os.Exit(0)
		return protocol.OkResponse(protocol.ResponseOk{Quit: true})
	default:
		return protocol.ErrResponse("unknown request kind")
	}
}

func (s *Server) handleAddKey(session *unlock.Session, req *protocol.AddKeyRequest) protocol.Response {
	if req == nil {
		return protocol.ErrResponse("add_key: missing request body")
	}
	if req.Kind == protocol.KeyYubikey {
		return protocol.OkResponse(protocol.ResponseOk{
			AddKey: &protocol.AddKeyResult{Unsupported: true, Detail: yubikey.Probe()},
		})
	}

	var priv keys.PrivateKey
	var err error
	switch req.Kind {
	case protocol.KeySodium:
		priv, err = keys.GenerateRandom(req.Name)
	case protocol.KeyPaperKey:
		var seed []byte
		seed, err = b32.DecodeString(req.Secret)
		if err == nil {
			priv, err = keys.GeneratePaper(req.Name, seed)
		}
	default:
		return protocol.ErrResponse("add_key: unknown key kind")
	}
	if err != nil {
		return protocol.ErrResponse(err.Error())
	}

	pin, err := s.oracle.GeneratePIN(req.Name)
	if err != nil {
		return protocol.ErrResponse(err.Error())
	}

	var onDisk keystore.OnDiskKey
	if pin == "" {
		onDisk = keystore.PlainOnDisk(priv)
	} else {
		sealed, err := s.keyStore.EncryptWithPin(priv, pin)
		if err != nil {
			return protocol.ErrResponse(err.Error())
		}
		onDisk = keystore.EncryptedOnDisk(req.Name, priv.Kind, sealed)
	}
	if err := s.keyStore.Write(req.Name, onDisk); err != nil {
		return protocol.ErrResponse(err.Error())
	}

	pub, err := priv.Public()
	if err != nil {
		return protocol.ErrResponse(err.Error())
	}
	if err := s.appendNewKey(session, pub, priv); err != nil {
		return protocol.ErrResponse(err.Error())
	}

	digest := pub.Digest()
	return protocol.OkResponse(protocol.ResponseOk{
		AddKey: &protocol.AddKeyResult{Digest: b32.EncodeToString(digest[:])},
	})
}

// appendNewKey records pub in the keychain log. An empty log is
// bootstrapped as a self-signed genesis link. A non-empty log requires
// an already-unlocked, currently trusted device to co-sign; AddKey picks
// any one such device from the session's unlocked keys (which include
// shared unlock state). If no trusted device has been unlocked yet, e.g.
// by a prior Decrypt, it fails with a Trust error.
func (s *Server) appendNewKey(session *unlock.Session, pub keys.PublicKeyWrapper, self keys.PrivateKey) error {
	chain, err := s.trustSrc.Load()
	if err != nil && !os.IsNotExist(unwrapIO(err)) {
		return err
	}
	if chain == nil || len(chain.Chain) == 0 {
		chain = trust.New()
		chain.AppendNewKey(pub, pub.DeviceID, self)
		return s.trustSrc.Save(chain)
	}

	trustedAtHead, err := s.trustSrc.VerifyHead(chain)
	if err != nil {
		return err
	}
	for id, priv := range session.Unlocked() {
		if _, ok := trustedAtHead[id]; ok {
			chain.AppendNewKey(pub, id, priv)
			return s.trustSrc.Save(chain)
		}
	}
	return errs.Trustf("add_key: no trusted device is currently unlocked to co-sign %s", pub.DeviceID)
}

func unwrapIO(err error) error {
	if e, ok := err.(*errs.Error); ok {
		return e.Err
	}
	return err
}

func (s *Server) handleEncrypt(session *unlock.Session, req *protocol.EncryptRequest) protocol.Response {
	if req == nil {
		return protocol.ErrResponse("encrypt: missing request body")
	}
	plaintext, err := b32.DecodeString(req.Bytes)
	if err != nil {
		return protocol.ErrResponse("encrypt: malformed payload")
	}

	chain, err := s.trustSrc.Load()
	if err != nil {
		return protocol.ErrResponse(err.Error())
	}
	trustedAtHead, err := s.trustSrc.VerifyHead(chain)
	if err != nil {
		return protocol.ErrResponse(err.Error())
	}

	ids, err := s.resolver.Resolve(req.Path)
	if err != nil {
		return protocol.ErrResponse(err.Error())
	}
	trustedSet := map[string]bool{}
	for id := range trustedAtHead {
		trustedSet[id] = true
	}
	kept, _ := resolver.FilterTrusted(ids, trustedSet)
	if len(kept) == 0 {
		return protocol.ErrResponse(errs.Policyf("no recipients for %s", req.Path).Error())
	}

	var recipients []keys.PublicKeyWrapper
	for _, id := range kept {
		if pk, ok := trustedAtHead[id]; ok {
			recipients = append(recipients, keys.PublicKeyWrapper{DeviceID: id, Key: pk})
		}
	}
	vault.SortRecipients(recipients)

	v, err := vault.Seal(plaintext, recipients)
	if err != nil {
		return protocol.ErrResponse(err.Error())
	}
	raw, err := vault.Marshal(v)
	if err != nil {
		return protocol.ErrResponse(err.Error())
	}
	path, err := s.resolver.Canonicalize(req.Path)
	if err != nil {
		return protocol.ErrResponse(err.Error())
	}
	if err := atomicWrite(path, raw); err != nil {
		return protocol.ErrResponse(err.Error())
	}

	_ = session // encrypt never needs unlocking
	return protocol.OkResponse(protocol.ResponseOk{Encrypt: &protocol.EncryptResult{}})
}

func (s *Server) handleDecrypt(session *unlock.Session, req *protocol.DecryptRequest) protocol.Response {
	if req == nil {
		return protocol.ErrResponse("decrypt: missing request body")
	}
	path, err := s.resolver.Canonicalize(req.Path)
	if err != nil {
		return protocol.ErrResponse(err.Error())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return protocol.ErrResponse(errs.Wrap(errs.IO, "read vault", err).Error())
	}
	v, err := vault.Unmarshal(raw)
	if err != nil {
		return protocol.ErrResponse(err.Error())
	}
	plaintext, err := vault.Open(v, session)
	if err != nil {
		return protocol.ErrResponse(err.Error())
	}
	return protocol.OkResponse(protocol.ResponseOk{
		Decrypt: &protocol.DecryptResult{Bytes: b32.EncodeToString(plaintext)},
	})
}

func (s *Server) handleReencrypt(session *unlock.Session, req *protocol.ReencryptRequest) protocol.Response {
	var path string
	if req != nil {
		path = req.Path
	}
	result, err := s.reencrypt(session, path)
	if err != nil {
		return protocol.ErrResponse(err.Error())
	}
	return protocol.OkResponse(protocol.ResponseOk{Reencrypt: &protocol.ReencryptResult{
		Stripped: result.Stripped,
		Resealed: result.Resealed,
		Skipped:  result.Skipped,
		Failed:   result.Failed,
	}})
}

// reencrypt walks the store tree (or, if scopedPath is non-empty, just the
// file or directory it names) bringing every vault's recipient set back in
// line with its resolved target.
func (s *Server) reencrypt(session *unlock.Session, scopedPath string) (reencrypt.Result, error) {
	chain, err := s.trustSrc.Load()
	if err != nil {
		return reencrypt.Result{}, err
	}
	trustedAtHead, err := s.trustSrc.VerifyHead(chain)
	if err != nil {
		return reencrypt.Result{}, err
	}
	trustedSet := map[string]bool{}
	lookup := func(id string) (keys.PublicKeyWrapper, bool) {
		pk, ok := trustedAtHead[id]
		if !ok {
			return keys.PublicKeyWrapper{}, false
		}
		return keys.PublicKeyWrapper{DeviceID: id, Key: pk}, true
	}
	for id := range trustedAtHead {
		trustedSet[id] = true
	}
	engine := reencrypt.New(s.dirs.Store, s.resolver, s.log)
	walkRoot := s.dirs.Store
	if scopedPath != "" {
		walkRoot, err = s.resolver.Canonicalize(scopedPath)
		if err != nil {
			return reencrypt.Result{}, err
		}
	}
	return engine.RunScoped(walkRoot, trustedSet, lookup, session)
}

// Listen binds the per-user socket, removing a stale socket file left
// behind by a crashed prior agent before binding. The caller daemonizes
// (if desired) only after this returns successfully, so a client that
// observes the daemonized process has a connectable socket.
func Listen(socketPath string, mode os.FileMode) (net.Listener, error) {
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "bind agent socket", err)
	}
	if mode != 0 {
		if err := os.Chmod(socketPath, mode); err != nil {
			ln.Close()
			return nil, errs.Wrap(errs.IO, "set socket permissions", err)
		}
	}
	return ln, nil
}

func atomicWrite(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errs.Wrap(errs.IO, "create parent directory", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errs.Wrap(errs.IO, "write file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errs.Wrap(errs.IO, "commit file", err)
	}
	return nil
}
