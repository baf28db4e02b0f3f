// Command xmppd runs the group-chat session core as a standalone server:
// it loads configuration, wires the in-memory reference collaborators, and
// accepts client connections, handing each to its own session.Session.
//
// Grounded on the teacher's server.Server.ListenAndServe/Serve loop
// (server/server.go): accept, then spawn a goroutine per connection.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net"

	"waddle.chat/xmppd/internal/archive"
	"waddle.chat/xmppd/internal/authz"
	"waddle.chat/xmppd/internal/carbons"
	"waddle.chat/xmppd/internal/collab"
	"waddle.chat/xmppd/internal/config"
	"waddle.chat/xmppd/internal/csi"
	"waddle.chat/xmppd/internal/muc"
	"waddle.chat/xmppd/internal/pipeline"
	"waddle.chat/xmppd/internal/reliability"
	"waddle.chat/xmppd/internal/router"
	"waddle.chat/xmppd/internal/session"
	"waddle.chat/xmppd/internal/store/sqlstore"
	"waddle.chat/xmppd/internal/xlog"
)

func main() {
	configPath := flag.String("config", "xmppd.yaml", "path to the server configuration file")
	tuplesDSN := flag.String("tuples-dsn", ":memory:", "sqlite3 DSN for the authorization tuple store")
	flag.Parse()

	log := xlog.Default()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("loading configuration", "err", err)
		return
	}

	if err := run(cfg, *tuplesDSN, log); err != nil {
		log.Error("server exited", "err", err)
	}
}

func run(cfg config.Config, tuplesDSN string, log *xlog.Logger) error {
	authStore := collab.NewMemAuthStore()
	providers := collab.NewMemProviderRegistry()
	blocklist := collab.NewMemBlocklist()
	affil := collab.NewMemAffiliationStore()

	tuples, err := sqlstore.Open(tuplesDSN)
	if err != nil {
		return err
	}
	defer tuples.Close()
	authzEngine := authz.New(tuples, roomSchema(), log)

	archiver := archive.New(archive.NewMemStore())

	routerReg := router.New(blocklist, nil, log)
	mucReg := muc.New(affil, authzEngine, log)

	pipe := pipeline.New(log)
	pipe.Register(&muc.Processor{Subdomain: cfg.MUCSubdomain, Registry: mucReg, Lookup: routerReg})
	if cfg.Archive.Enabled {
		pipe.Register(&archive.Processor{Archiver: archiver, Lookup: routerReg})
	}
	pipe.Register(&carbons.Processor{Registry: carbons.New(), Router: routerReg})

	var tlsProvider session.TLSProvider
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return err
		}
		tlsProvider = collab.StaticTLS{TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}}}
	}

	resumable := reliability.NewStore()

	sessionCfg := session.Config{
		Domain:         cfg.Domain,
		RequireTLS:     cfg.RequireTLS,
		SASLMechanisms: cfg.SASLMechanisms,
		AuthStore:      authStore,
		Providers:      providers,
		TLS:            tlsProvider,
		Router:         routerReg,
		Log:            log,
		Resumable:      resumable,
	}
	if cfg.CSIEnabled {
		sessionCfg.NewCSI = func(nick string) session.CSI { return csi.New(nick) }
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info("listening", "addr", cfg.ListenAddr, "domain", cfg.Domain)

	return serve(ln, sessionCfg, pipe, log)
}

func serve(ln net.Listener, sessionCfg session.Config, pipe *pipeline.Pipeline, log *xlog.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error("accept", "err", err)
			continue
		}
		go handle(conn, sessionCfg, pipe, log)
	}
}

func handle(conn net.Conn, sessionCfg session.Config, pipe *pipeline.Pipeline, log *xlog.Logger) {
	sess := session.New(conn, sessionCfg, pipe)
	sess.AttachReliability(reliability.New())
	if err := sess.Serve(context.Background()); err != nil {
		log.Info("session closed", "id", sess.ID(), "err", err)
	}
}

// roomSchema is the default authorization schema wiring affiliation-gated
// MUC administration (spec §4.8): owners and admins may moderate and grant
// affiliations, members may post, and nobody else may do either.
func roomSchema() authz.Schema {
	return authz.Schema{
		"room": {
			"set_affiliation": authz.Rule{Kind: authz.RuleUnion, Children: []authz.Rule{
				{Kind: authz.RuleDirect, Relation: "owner"},
				{Kind: authz.RuleDirect, Relation: "admin"},
			}},
			"moderate": authz.Rule{Kind: authz.RuleUnion, Children: []authz.Rule{
				{Kind: authz.RuleDirect, Relation: "owner"},
				{Kind: authz.RuleDirect, Relation: "admin"},
			}},
			"post": authz.Rule{Kind: authz.RuleDirect, Relation: "member"},
		},
	}
}
