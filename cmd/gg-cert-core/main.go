// Command gg-cert-core is the composition root that wires CertStore,
// CertBuilder-backed CertGens, ExpiryMonitor and ShadowMonitor together
// behind a transport and connectivity client. It stays thin: process
// supervision, secrets provisioning, and the downstream consumer of
// issued certificates are out of this core's scope, the same boundary
// boulder draws between cmd/boulder-ca and the ca package it wires.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"flag"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgecore/gg-cert-core/certgen"
	"github.com/edgecore/gg-cert-core/certstore"
	"github.com/edgecore/gg-cert-core/config"
	"github.com/edgecore/gg-cert-core/connectivity"
	"github.com/edgecore/gg-cert-core/corecerts"
	"github.com/edgecore/gg-cert-core/expirymonitor"
	"github.com/edgecore/gg-cert-core/log"
	"github.com/edgecore/gg-cert-core/metrics"
	"github.com/edgecore/gg-cert-core/retryrunner"
	"github.com/edgecore/gg-cert-core/shadowmonitor"
	"github.com/edgecore/gg-cert-core/transport"
)

func main() {
	configPath := flag.String("config", "/etc/gg-cert-core/config.json", "path to the JSON configuration file")
	caPassphrase := flag.String("ca-passphrase", os.Getenv("GG_CERT_CORE_CA_PASSPHRASE"), "passphrase protecting the CA keystore (generated if empty on first run)")
	flag.Parse()

	logger := log.NewStdLogger("gg-cert-core")

	cfg, err := config.Load(*configPath)
	failOnError(logger, err, "loading configuration")

	caType := corecerts.CAType(cfg.CertManager.CAType)
	if !caType.Valid() {
		caType = corecerts.ECDSAP256
	}

	reg := prometheus.NewRegistry()
	scope := metrics.NewPromScope(reg, "gg_cert_core")
	serveDebugEndpoints(reg, scope)

	clk := clock.Default()

	store := certstore.New(cfg.CertManager.WorkDir, logger)
	failOnError(logger, store.Update(*caPassphrase, caType), "initializing CA keystore")

	serverValidity := corecerts.ValidityPolicy{
		Min:     config.MinServerCertValidity,
		Max:     config.MaxServerCertValidity,
		Default: config.ClampServerCertValidity(cfg.CertManager.ServerCertValidity),
	}
	clientValidity := corecerts.ValidityPolicy{
		Default: cfg.CertManager.ClientCertValidity.Duration,
	}
	if clientValidity.Default <= 0 {
		clientValidity.Default = config.DefaultClientCertValidity
	}

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	failOnError(logger, err, "generating server leaf key")
	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	failOnError(logger, err, "generating client leaf key")

	serverGen := certgen.New(certgen.Server, cfg.ThingName, &serverKey.PublicKey, store, serverValidity, clk, nil, logger, scope)
	clientGen := certgen.New(certgen.Client, cfg.ThingName, &clientKey.PublicKey, store, clientValidity, clk, nil, logger, scope)

	mqttClient, err := transport.NewClient(cfg.MQTT, logger, func(err error) {
		logger.Warningf("mqtt connection lost: %s", err)
	})
	failOnError(logger, err, "connecting to MQTT broker")
	defer mqttClient.Disconnect(250)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	failOnError(logger, err, "loading AWS configuration")
	rawProvider := connectivity.NewAWSClient(awsCfg, cfg.ConnectivityEndpoint, cfg.ThingName, logger)
	provider := connectivity.NewCachedProvider(rawProvider)
	retry := retryrunner.New(clk, logger, scope)

	expiry := expirymonitor.New(provider.CachedHostAddresses, clk, logger, scope)
	expiry.Add(serverGen)
	expiry.Add(clientGen)
	expiry.Start(cfg.CertManager.ExpiryMonitorInterval.Duration)
	defer expiry.Stop()

	shadow := shadowmonitor.New(shadowmonitor.Config{
		ThingName:          cfg.ThingName,
		PubSub:             mqttClient,
		Provider:           provider,
		Retry:              retry,
		RetryConfig:        cfg.Connectivity,
		ProcessingInterval: cfg.CertManager.ShadowProcessingInterval.Duration,
		Clock:              clk,
		Log:                logger,
		Scope:              scope,
	}, []shadowmonitor.Generator{serverGen})
	shadow.Start()
	defer shadow.Stop()

	logger.Infof("gg-cert-core started for thing %q", cfg.ThingName)
	waitForShutdown()
	logger.Infof("gg-cert-core shutting down")
}

func failOnError(logger log.Logger, err error, context string) {
	if err != nil {
		logger.Errf("%s: %s", context, err)
		os.Exit(1)
	}
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
