// Command devolutions-gateway runs the gateway process end to end:
// loads gateway.json, wires C1 (token verifier) through C12 (metrics)
// together, binds one listener per configured URL, and serves until a
// termination signal arrives.
package main

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/devolutions/gateway-go/internal/association"
	"github.com/devolutions/gateway-go/internal/config"
	"github.com/devolutions/gateway-go/internal/control"
	"github.com/devolutions/gateway-go/internal/events"
	"github.com/devolutions/gateway-go/internal/gwerrors"
	"github.com/devolutions/gateway-go/internal/jet"
	"github.com/devolutions/gateway-go/internal/listener"
	"github.com/devolutions/gateway-go/internal/metrics"
	"github.com/devolutions/gateway-go/internal/policy"
	"github.com/devolutions/gateway-go/internal/rdp"
	"github.com/devolutions/gateway-go/internal/recording"
	"github.com/devolutions/gateway-go/internal/token"
)

var log = logrus.WithField("component", "main")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:   "devolutions-gateway",
		Short: "Devolutions Gateway — TLS-terminating relay for RDP/SSH/VNC/ARD/HTTP(S)/LDAP(S) and JET-brokered sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, configDir)
		},
	}

	root.Flags().StringVar(&configDir, "config", os.Getenv(config.EnvConfigPath),
		"directory holding gateway.json (defaults to $"+config.EnvConfigPath+")")

	return root
}

func run(ctx context.Context, configDir string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	gatewayID, err := uuid.Parse(cfg.GatewayID)
	if err != nil {
		return fmt.Errorf("jet_gw_id %q is not a valid UUID: %w", cfg.GatewayID, err)
	}

	provisionerKey, err := loadPublicKey(cfg.ProvisionerPublicKeyFile)
	if err != nil {
		return fmt.Errorf("loading provisioner public key: %w", err)
	}

	reg := metrics.New(prometheus.DefaultRegisterer)

	verifier := token.NewVerifier(gatewayID, provisionerKey)
	verifier.Metrics = reg
	if cfg.ClockSkew != 0 {
		verifier.ClockSkew = cfg.ClockSkew.AsDuration()
	}
	if cfg.DelegationKeyFile != "" {
		delegationKey, err := loadPrivateKey(cfg.DelegationKeyFile)
		if err != nil {
			return fmt.Errorf("loading delegation key: %w", err)
		}
		verifier.DelegationKey = delegationKey
	}

	destPolicy := &policy.Policy{}
	if cfg.DestinationPolicyFile != "" {
		destPolicy, err = policy.Load(cfg.DestinationPolicyFile)
		if err != nil {
			return fmt.Errorf("loading destination policy: %w", err)
		}
	}

	bus := events.New()
	assocRegistry := association.NewRegistry(bus)
	assocRegistry.Metrics = reg

	recordingsDir := cfg.RecordingsPath
	if recordingsDir == "" {
		recordingsDir = "recordings"
	}
	recordingRegistry := recording.NewRegistry()
	recordingStore := recording.NewStore(recordingsDir, recordingRegistry, logrus.WithField("component", "recording"))

	jetServer := jet.NewServer(assocRegistry)
	if cfg.JetAcceptTimeout != 0 {
		jetServer.AcceptTimeout = cfg.JetAcceptTimeout.AsDuration()
	}

	rdpServer := &rdp.Server{
		Verifier: verifier,
		Registry: assocRegistry,
		Policy:   destPolicy,
		Log:      logrus.WithField("component", "rdp"),
	}

	var tlsConfig *tls.Config
	if cfg.TLS != nil {
		tlsConfig, err = buildTLSConfig(cfg.TLS)
		if err != nil {
			return fmt.Errorf("loading TLS material: %w", err)
		}
		rdpServer.TLS.ServerTLSConfig = tlsConfig
		rdpServer.TLS.DestinationTLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	controlServer := control.New()
	controlServer.GatewayID = gatewayID
	controlServer.Verifier = verifier
	controlServer.Registry = assocRegistry
	controlServer.Bus = bus
	controlServer.JRL = verifier.JRL
	controlServer.Collaborators.Recordings = recordingStore

	mux := controlServer.Router()
	handler := withMetricsEndpoint(mux)

	jmuxDialer := func(ctx context.Context, destinationURL string) (net.Conn, uint32, error) {
		return dialJMUXDestination(ctx, destPolicy, destinationURL)
	}

	listeners := make([]*listener.Listener, 0, len(cfg.Listeners))
	for _, urls := range cfg.Listeners {
		l, addr, err := buildListener(urls, tlsConfig, jetServer, rdpServer, jmuxDialer, handler, reg, cfg.MaxInFlightConnections)
		if err != nil {
			return fmt.Errorf("configuring listener %s: %w", urls.InternalURL, err)
		}
		listeners = append(listeners, l)

		go func(l *listener.Listener, addr string) {
			log.WithField("addr", addr).Info("listener starting")
			if err := l.Serve(ctx, addr); err != nil {
				log.WithError(err).WithField("addr", addr).Error("listener stopped")
			}
		}(l, addr)
	}

	<-ctx.Done()
	log.Info("shutting down")

	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		go func(l *listener.Listener) {
			defer wg.Done()
			l.Shutdown(10 * time.Second)
		}(l)
	}
	wg.Wait()

	return nil
}

// buildListener classifies urls.InternalURL's scheme into a
// listener.Kind and wires the handlers it needs (spec.md §6's per-URL
// scheme table: tcp/http/https/ws/wss).
func buildListener(
	urls config.ListenerURLs,
	tlsConfig *tls.Config,
	jetServer *jet.Server,
	rdpServer *rdp.Server,
	jmuxDialer listener.JMUXDialer,
	httpHandler http.Handler,
	reg *metrics.Metrics,
	maxInFlight int,
) (*listener.Listener, string, error) {
	u, err := url.Parse(urls.InternalURL)
	if err != nil {
		return nil, "", fmt.Errorf("parsing %q: %w", urls.InternalURL, err)
	}

	l := listener.New()
	l.MaxInFlight = maxInFlight
	l.Metrics = reg
	l.HTTPHandler = httpHandler

	switch config.ListenerScheme(u.Scheme) {
	case config.SchemeTCP:
		l.Kind = listener.KindTCP
		l.Jet = jetServer
		l.RDP = rdpServer
		l.JMUXDialer = jmuxDialer
	case config.SchemeHTTP:
		l.Kind = listener.KindHTTP
	case config.SchemeHTTPS:
		l.Kind = listener.KindHTTPS
		l.TLS = tlsConfig
	case config.SchemeWS:
		l.Kind = listener.KindWS
	case config.SchemeWSS:
		l.Kind = listener.KindWSS
		l.TLS = tlsConfig
	default:
		return nil, "", fmt.Errorf("unsupported listener scheme %q", u.Scheme)
	}

	return l, u.Host, nil
}

// withMetricsEndpoint mounts GET /metrics next to the control plane's
// router (C12, spec.md §7).
func withMetricsEndpoint(next http.Handler) http.Handler {
	metricsHandler := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			metricsHandler.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// dialJMUXDestination dials a raw JMUX client's requested destination,
// consulting the destination policy first (spec.md §4.3/§4.5).
func dialJMUXDestination(ctx context.Context, destPolicy *policy.Policy, destinationURL string) (net.Conn, uint32, error) {
	u, err := url.Parse(destinationURL)
	if err != nil {
		return nil, 1, gwerrors.ProtocolViolation("invalid JMUX destination URL %q", destinationURL)
	}

	host, _, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
	}
	if err := destPolicy.Check(token.ProtoUnknown, host); err != nil {
		return nil, 2, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, 3, err
	}
	return conn, 0, nil
}

// loadPublicKey reads a PEM-encoded SubjectPublicKeyInfo or certificate
// file, mirroring internal/token/subkey.go's recoverSubkey's use of
// x509.ParsePKIXPublicKey for the same PEM shape.
func loadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: not PEM-encoded", path)
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: not a public key or certificate", path)
	}
	return cert.PublicKey, nil
}

// loadPrivateKey reads a PEM-encoded PKCS#8 private key, used to decrypt
// JWE-wrapped association tokens (spec.md §4.1).
func loadPrivateKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: not PEM-encoded", path)
	}
	return x509.ParsePKCS8PrivateKey(block.Bytes)
}

// buildTLSConfig loads the gateway's serving certificate (and, if
// configured, a client-CA trust list) from cfg.
func buildTLSConfig(cfg *config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertificateFile, cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading certificate/key pair: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		caBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("%s: no certificates found", cfg.CAFile)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return tlsConfig, nil
}
