// Command postguard runs the SMTP server: accept loop, session state
// machine, sender/recipient filters, anti-spam orchestrator, SASL
// authentication, message store, and the optional multi-node cluster
// substrate, all wired from one YAML configuration file.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relayforge/postguard/internal/auth"
	"github.com/relayforge/postguard/internal/cluster"
	"github.com/relayforge/postguard/internal/cluster/transport"
	"github.com/relayforge/postguard/internal/filter"
	"github.com/relayforge/postguard/internal/lalog"
	"github.com/relayforge/postguard/internal/metrics"
	"github.com/relayforge/postguard/internal/server"
	"github.com/relayforge/postguard/internal/session"
	"github.com/relayforge/postguard/internal/spam"
	"github.com/relayforge/postguard/internal/store"
)

var logger = lalog.Logger{ComponentName: "main", ComponentID: []lalog.Field{{Key: "PID", Value: os.Getpid()}}}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "(mandatory) path to configuration file in YAML syntax")
	flag.Parse()

	if configPath == "" {
		logger.Abort("main", "config", nil, "please provide a configuration file (-config)")
		return
	}
	fcfg, err := LoadFileConfig(configPath)
	if err != nil {
		logger.Abort("main", "config", err, "failed to load configuration")
		return
	}

	observer, err := setupObserver(fcfg)
	if err != nil {
		logger.Abort("main", "metrics", err, "failed to set up metrics")
		return
	}

	sessCfg := buildSessionConfig(fcfg, observer)

	srv, err := server.New(server.Config{
		ListenAddress:        fcfg.Listen.Address,
		ListenPort:           fcfg.Listen.Port,
		ImplicitTLS:          fcfg.Listen.ImplicitTLS,
		MaxConnectionsGlobal: orDefault(fcfg.Limits.MaxConnGlobal, 1000),
		MaxConnectionsPerIP:  orDefault(fcfg.Limits.MaxConnPerIP, 20),
		ConnRatePerMinute:    fcfg.Limits.ConnRatePerMinute,
		ConnIdleTimeout:      orDefaultDuration(fcfg.Limits.ConnIdleTimeout, 5*time.Minute),
		Session:              sessCfg,
		Logger:               lalog.Logger{ComponentName: "server"},
	})
	if err != nil {
		logger.Abort("main", "server", err, "failed to construct server")
		return
	}

	var clusterNode *clusterRuntime
	if fcfg.Cluster.Enabled {
		clusterNode, err = startCluster(fcfg, observer)
		if err != nil {
			logger.Abort("main", "cluster", err, "failed to start cluster substrate")
			return
		}
		defer clusterNode.Stop()
	}

	logger.Info("main", "", nil, "postguard starting on %s:%d", fcfg.Listen.Address, fcfg.Listen.Port)
	if err := srv.ListenAndServe(); err != nil {
		logger.Abort("main", "server", err, "server exited with error")
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// buildSessionConfig wires the filter pipeline, spam orchestrator, auth
// handler, and message store from the file configuration.
func buildSessionConfig(fcfg *FileConfig, observer session.Observer) session.Config {
	filters := filter.Pipeline{
		Mode: filter.All,
		Filters: []filter.Filter{
			filter.SizeFilter{MaxBytes: orDefaultInt64(fcfg.Limits.MaxMessageSizeBytes, 25<<20)},
			filter.DomainMailboxFilter{
				SenderAllow:    fcfg.Policy.SenderAllow,
				SenderBlock:    fcfg.Policy.SenderBlock,
				RecipientAllow: fcfg.Policy.RecipientAllow,
				RecipientBlock: fcfg.Policy.RecipientBlock,
			},
		},
	}

	var spamOrch *spam.Orchestrator
	if len(fcfg.SpamFilter.RBLZones) > 0 {
		weight := fcfg.SpamFilter.RBLWeight
		if weight <= 0 {
			weight = 1
		}
		thresholds := spam.DefaultThresholds
		if fcfg.SpamFilter.SpamThreshold > 0 {
			thresholds.Spam = fcfg.SpamFilter.SpamThreshold
		}
		if fcfg.SpamFilter.QuarantineScore > 0 {
			thresholds.Quarantine = fcfg.SpamFilter.QuarantineScore
		}
		if fcfg.SpamFilter.RejectScore > 0 {
			thresholds.Reject = fcfg.SpamFilter.RejectScore
		}
		spamOrch = &spam.Orchestrator{
			Entries: []spam.Entry{
				{Checker: spam.RBLChecker{Lists: fcfg.SpamFilter.RBLZones, Resolver: fcfg.SpamFilter.RBLResolver}, Weight: weight, Enabled: true},
			},
			Mode:       spam.Parallel,
			Thresholds: thresholds,
		}
	}

	var authHandler auth.Handler
	if len(fcfg.Accounts) > 0 {
		credStore := auth.NewBcryptStore()
		for _, acct := range fcfg.Accounts {
			if err := credStore.SetPassword(acct.Identity, acct.Password); err != nil {
				logger.Warning("buildSessionConfig", acct.Identity, err, "failed to hash configured password")
			}
		}
		authHandler = credStore
	}

	msgStore := store.RetryWrapper{Inner: store.NewMemoryStore(), MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}

	var tlsConfig *tls.Config
	if fcfg.Listen.CertFile != "" && fcfg.Listen.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(fcfg.Listen.CertFile, fcfg.Listen.KeyFile)
		if err != nil {
			logger.Abort("buildSessionConfig", "tls", err, "failed to load TLS certificate")
		} else {
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		}
	}

	return session.Config{
		ServerName:         orDefaultString(fcfg.ServerName, "postguard"),
		MaxMessageSize:     orDefaultInt64(fcfg.Limits.MaxMessageSizeBytes, 25<<20),
		MaxRecipients:      orDefault(fcfg.Limits.MaxRecipients, 100),
		ConnIdleTimeout:    orDefaultDuration(fcfg.Limits.ConnIdleTimeout, 5*time.Minute),
		CommandTimeout:     orDefaultDuration(fcfg.Limits.CommandTimeout, 5*time.Minute),
		DataTimeout:        orDefaultDuration(fcfg.Limits.DataTimeout, 10*time.Minute),
		ErrorRetryBudget:   orDefault(fcfg.Limits.ErrorRetryBudget, 10),
		RequireAuth:        fcfg.Security.RequireAuth,
		RequireSecure:      fcfg.Security.RequireSecure,
		AllowPlaintextAuth: fcfg.Security.AllowPlaintextAuth,
		TLSConfig:          tlsConfig,
		EnablePipelining:   fcfg.Features.Pipelining,
		Enable8BitMIME:     fcfg.Features.EightBit,
		EnableBinaryMIME:   fcfg.Features.BinaryMIME,
		EnableSMTPUTF8:     fcfg.Features.SMTPUTF8,
		EnableChunking:     fcfg.Features.Chunking,
		EnableVRFYEXPN:     fcfg.Features.VRFYEXPN,
		MaxLineLength:      2048,
		Logger:             lalog.Logger{ComponentName: "session"},
		Filters:            filters,
		SpamOrch:           spamOrch,
		AuthHandler:        authHandler,
		Store:              msgStore,
		Observer:           observer,
	}
}

func orDefaultInt64(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func setupObserver(fcfg *FileConfig) (session.Observer, error) {
	if !fcfg.Metrics.Enabled {
		return session.NullObserver{}, nil
	}
	reg := prometheus.NewRegistry()
	observer, err := metrics.NewPrometheusObserver(reg)
	if err != nil {
		return nil, err
	}
	if fcfg.Metrics.Listen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(fcfg.Metrics.Listen, mux); err != nil {
				logger.Warning("setupObserver", fcfg.Metrics.Listen, err, "metrics listener exited")
			}
		}()
	}
	return observer, nil
}

// clusterRuntime bundles every goroutine-owning cluster component so main
// can stop them together on shutdown.
type clusterRuntime struct {
	membership *cluster.Membership
	election   *cluster.Election
	store      *cluster.StateStore
	daemon     *transport.Daemon
	client     *transport.Client
}

func (c *clusterRuntime) Stop() {
	c.membership.Stop()
	c.election.Stop()
	c.store.StopSweeper()
	c.daemon.Stop()
	c.client.Close()
}

func startCluster(fcfg *FileConfig, observer session.Observer) (*clusterRuntime, error) {
	nodeID := fcfg.Cluster.NodeID
	if nodeID == "" {
		return nil, fmt.Errorf("cluster: nodeID must be set")
	}
	clusterLogger := lalog.Logger{ComponentName: "cluster", ComponentID: []lalog.Field{{Key: "Node", Value: nodeID}}}

	client := transport.NewClient()
	membership := cluster.NewMembership(nodeID, fcfg.Cluster.Endpoint, client, clusterLogger)
	election := cluster.NewElection(nodeID, membership, clusterLogger)
	stateStore := cluster.NewStateStore(nodeID, membership, client)
	if fcfg.Cluster.ReplicationFactor > 0 {
		stateStore.ReplicationFactor = fcfg.Cluster.ReplicationFactor
	}
	stateStore.StartSweeper(30 * time.Second)

	dispatcher := &transport.Dispatcher{Membership: membership, Election: election, Store: stateStore}
	daemon := &transport.Daemon{
		Address:    "0.0.0.0",
		Port:       orDefault(fcfg.Cluster.TransportPort, transport.DefaultPort),
		Dispatcher: dispatcher,
		Logger:     clusterLogger,
	}
	if err := daemon.Initialise(); err != nil {
		return nil, err
	}
	go func() {
		if err := daemon.StartAndBlock(); err != nil {
			clusterLogger.Warning("startCluster", "transport", err, "cluster transport listener exited")
		}
	}()

	if fcfg.Cluster.SeedEndpoint != "" {
		if err := membership.Join(fcfg.Cluster.SeedEndpoint); err != nil {
			clusterLogger.Warning("startCluster", fcfg.Cluster.SeedEndpoint, err, "failed to join cluster via seed")
		}
	}

	go membership.RunHeartbeatLoop()
	go election.Run()
	go election.RunLeaderHeartbeat()

	if promObserver, ok := observer.(*metrics.PrometheusObserver); ok {
		go reportClusterState(promObserver, membership, election, fcfg.Cluster.QuorumSize)
	}

	return &clusterRuntime{membership: membership, election: election, store: stateStore, daemon: daemon, client: client}, nil
}

func reportClusterState(observer *metrics.PrometheusObserver, membership *cluster.Membership, election *cluster.Election, quorumSize int) {
	if quorumSize <= 0 {
		quorumSize = cluster.DefaultQuorumSize
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		state := membership.ClusterState(quorumSize)
		observer.SetClusterState(state.String(), election.IsLeader(), election.Term())
	}
}
