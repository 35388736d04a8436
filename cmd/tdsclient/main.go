// Command tdsclient is a minimal diagnostic client: it loads connection
// settings, dials a server, negotiates PRELOGIN/LOGIN7, and reports the
// outcome. It exists to exercise the connection core end-to-end and as a
// worked example of wiring config hot-reload around a Conn.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/tdscore/tdsclient/pkg/config"
	clientlog "github.com/tdscore/tdsclient/pkg/log"
	tds "github.com/tdscore/tdsclient/pkg/tds"
	"github.com/tdscore/tdsclient/pkg/tlsutil"
	"github.com/tdscore/tdsclient/pkg/version"
	client "github.com/tdscore/tdsclient/tds"
)

func main() {
	var (
		cfgPath  = flag.String("config", "config.json", "Path to JSON config file")
		host     = flag.String("host", "", "server host")
		port     = flag.Int("port", 0, "server port")
		user     = flag.String("user", "", "login user")
		password = flag.String("password", "", "login password")
		database = flag.String("database", "", "initial database")
		encrypt  = flag.String("encrypt", "", "disable, login_only, full, strict")
		appName  = flag.String("app-name", "", "application name reported in LOGIN7")
		watch    = flag.Bool("watch", false, "hot-reload config.json and reconnect on change")
		genCert  = flag.String("gen-dev-cert", "", "generate a self-signed cert/key pair into this directory for a local test server, then exit")
	)
	flag.Parse()

	if *genCert != "" {
		certFile, keyFile, err := tlsutil.GenerateAndSaveCert(*genCert)
		if err != nil {
			log.Fatalf("generating dev cert: %v", err)
		}
		fmt.Printf("wrote %s and %s\n", certFile, keyFile)
		return
	}

	cli := config.CLIOverrides{
		Host: *host, User: *user, Password: *password, Database: *database,
		Encrypt: *encrypt, AppName: *appName, Port: *port,
	}

	cfg, err := config.Load(*cfgPath, cli)
	if err != nil {
		log.Fatalf("tdsclient %s: config error: %v", version.String(), err)
	}

	logger, err := clientlog.NewDevelopment()
	if err != nil {
		log.Fatalf("starting logger: %v", err)
	}
	defer logger.Sync()

	if err := runOnce(cfg, logger); err != nil {
		log.Fatalf("connection failed: %v", err)
	}

	if *watch {
		w, err := config.NewWatcher(*cfgPath, cli, func(newCfg config.ClientConfig, loadErr error) {
			if loadErr != nil {
				logger.Connection().Warnw("config reload failed", "error", loadErr)
				return
			}
			logger.Connection().Infow("config changed, reconnecting", "host", newCfg.Host)
			if err := runOnce(newCfg, logger); err != nil {
				logger.Connection().Errorw("reconnect failed", "error", err)
			}
		})
		if err != nil {
			log.Fatalf("starting config watcher: %v", err)
		}
		defer w.Close()
		select {} // run until killed
	}
}

func runOnce(cfg config.ClientConfig, logger *clientlog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ConnectionTimeoutS)*time.Second)
	defer cancel()

	opts := []client.ConnOption{
		client.WithLogger(logger),
		client.WithPacketSize(cfg.PacketSize),
	}

	encryption, loginOnly, tlsCfg := encryptionFor(cfg)
	if tlsCfg != nil {
		opts = append(opts, client.WithTLSConfig(tlsCfg))
	}

	var conn *client.Conn
	if cfg.Encrypt == "strict" {
		// TDS 8.0: TLS is established on the socket before any TDS byte.
		d := tls.Dialer{Config: tlsCfg}
		nc, err := d.DialContext(ctx, "tcp", cfg.Addr())
		if err != nil {
			return fmt.Errorf("dial %s: %w", cfg.Addr(), err)
		}
		conn = client.NewConn(nc, opts...)
	} else {
		var err error
		conn, err = client.DialContext(ctx, cfg.Addr(), opts...)
		if err != nil {
			return fmt.Errorf("dial %s: %w", cfg.Addr(), err)
		}
	}
	defer conn.Close()

	prelogin := client.NewPreloginRequest(encryption)
	prelogin.LoginOnly = loginOnly
	rc, err := conn.Submit(ctx, prelogin)
	if err != nil {
		return fmt.Errorf("submit prelogin: %w", err)
	}
	if err := rc.Wait(); err != nil {
		return fmt.Errorf("prelogin: %w", err)
	}

	login := &client.Login7Request{
		Auth:       client.StaticCredentials{Username: cfg.User, Password: cfg.Password},
		AppName:    cfg.AppName,
		ServerName: cfg.Host,
		Database:   cfg.Database,
		LoginOnly:  loginOnly,
	}
	rc, err = conn.Submit(ctx, login)
	if err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	if err := rc.Wait(); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	fmt.Printf("connected to %s as %s (database=%s, state=%s)\n", cfg.Addr(), cfg.User, cfg.Database, conn.State())
	return nil
}

func encryptionFor(cfg config.ClientConfig) (encryption uint8, loginOnly bool, tlsCfg *tls.Config) {
	switch cfg.Encrypt {
	case "disable":
		return tds.EncryptNotSup, false, nil
	case "login_only":
		return tds.EncryptOn, true, &tls.Config{InsecureSkipVerify: cfg.TrustServerCert}
	case "full":
		return tds.EncryptOn, false, &tls.Config{InsecureSkipVerify: cfg.TrustServerCert}
	case "strict":
		return tds.EncryptStrict, false, &tls.Config{InsecureSkipVerify: cfg.TrustServerCert}
	default:
		return tds.EncryptNotSup, false, nil
	}
}
