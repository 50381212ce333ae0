// Package main is the entry point for the BleepStore S3-compatible object storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"google.golang.org/api/option"

	"github.com/bleepstore/bleepstore/internal/backend"
	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/lock"
	"github.com/bleepstore/bleepstore/internal/logging"
	"github.com/bleepstore/bleepstore/internal/server"
)

func main() {
	configPath := flag.String("config", "bleepstore.yaml", "path to configuration file")
	listenAddr := flag.String("listen-addr", "", "override the TCP listen address (default: from config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	log := slog.Default()

	// Crash-only design: every startup is recovery. There is no separate
	// recovery mode — the steps that would normally run only after a crash
	// run on every boot instead:
	// - the lock backend's TTL expiry reclaims anything left behind by a
	//   process that died mid-write
	// - expired multipart uploads are left for the zone's own lifecycle
	//   rules to reap; this proxy keeps no local state to recover

	client := backend.New(backend.Config{
		Zone:      cfg.Backend.StorageZone,
		AccessKey: cfg.Backend.AccessKey,
		Region:    cfg.Backend.RegionEnum(),
	})

	lk, err := buildLock(context.Background(), cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize lock backend: %v\n", err)
		os.Exit(1)
	}
	log.Info("lock backend ready", "backend", cfg.Lock.Backend)

	srv := server.New(cfg, client, lk, log)
	handler := srv.Handler()

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	var tcpListener, unixListener net.Listener

	if cfg.Server.ListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to listen on %s: %v\n", cfg.Server.ListenAddr, err)
			os.Exit(1)
		}
		tcpListener = ln
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("listening on TCP (HTTP/1.1 + HTTP/2)", "addr", cfg.Server.ListenAddr)
			if err := serveDualProtocol(ln, handler); err != nil {
				errCh <- err
			}
		}()
	}

	if cfg.Server.SocketPath != "" {
		// Recreated on every boot: a leftover socket file from an unclean
		// shutdown must not block the new listener from binding.
		_ = os.Remove(cfg.Server.SocketPath)
		ln, err := net.Listen("unix", cfg.Server.SocketPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to listen on %s: %v\n", cfg.Server.SocketPath, err)
			os.Exit(1)
		}
		if err := os.Chmod(cfg.Server.SocketPath, 0o777); err != nil {
			fmt.Fprintf(os.Stderr, "failed to chmod %s: %v\n", cfg.Server.SocketPath, err)
			os.Exit(1)
		}
		unixListener = ln
		unixServer := &http.Server{Handler: handler}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("listening on Unix socket (HTTP/1.1)", "path", cfg.Server.SocketPath)
			if err := unixServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
		if tcpListener != nil {
			_ = tcpListener.Close()
		}
		if unixListener != nil {
			_ = unixListener.Close()
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			log.Warn("graceful shutdown timed out", "timeout", shutdownTimeout)
		}
		log.Info("server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// serveDualProtocol accepts connections on ln and routes each to an HTTP/2
// or HTTP/1.1 server depending on whether the connection opens with the
// HTTP/2 client preface. Both protocols share handler and the same
// listening socket, since operators running behind a single load balancer
// port have no other way to offer HTTP/2 without TLS-based ALPN.
func serveDualProtocol(ln net.Listener, handler http.Handler) error {
	h2Server := &http2.Server{}

	h1Listener := newChanListener(ln.Addr())
	h1Server := &http.Server{Handler: handler}
	go h1Server.Serve(h1Listener)

	for {
		conn, err := ln.Accept()
		if err != nil {
			h1Listener.Close()
			return err
		}

		go func(c net.Conn) {
			sc := newSniffedConn(c)
			preface, err := sc.peek(len(http2.ClientPreface))
			if err == nil && string(preface) == http2.ClientPreface {
				h2Server.ServeConn(sc, &http2.ServeConnOpts{Handler: handler})
				return
			}
			h1Listener.submit(sc)
		}(conn)
	}
}

// sniffedConn wraps a net.Conn so its first bytes can be peeked without
// consuming them, then replayed to the next reader (the h1 or h2 server
// that ends up handling the connection).
type sniffedConn struct {
	net.Conn
	peeked []byte
}

func newSniffedConn(c net.Conn) *sniffedConn {
	return &sniffedConn{Conn: c}
}

func (c *sniffedConn) peek(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(c.Conn, buf)
	c.peeked = buf[:read]
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *sniffedConn) Read(p []byte) (int, error) {
	if len(c.peeked) > 0 {
		n := copy(p, c.peeked)
		c.peeked = c.peeked[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// chanListener is a net.Listener whose connections arrive over a channel
// rather than from Accept calls on a real socket. serveDualProtocol uses
// one to hand already-sniffed HTTP/1.1 connections to a standard
// http.Server, which still wants a net.Listener to Serve on.
type chanListener struct {
	addr   net.Addr
	connCh chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newChanListener(addr net.Addr) *chanListener {
	return &chanListener{
		addr:   addr,
		connCh: make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

func (l *chanListener) submit(c net.Conn) {
	select {
	case l.connCh <- c:
	case <-l.closed:
		c.Close()
	}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *chanListener) Addr() net.Addr { return l.addr }

// buildLock constructs the ConditionalLock backend selected by cfg.Lock.Backend.
// The redis backend probes connectivity before committing to it: on a failed
// Ping it logs a warning and falls back to the in-process lock rather than
// aborting startup, since a single proxy with no peers is perfectly able to
// serialize its own conditional writes locally.
func buildLock(ctx context.Context, cfg *config.Config, log *slog.Logger) (lock.ConditionalLock, error) {
	ttl := time.Duration(cfg.Lock.TTLMillis) * time.Millisecond

	switch cfg.Lock.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Lock.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis lock backend unreachable, falling back to in-process lock", "error", err)
			client.Close()
			return lock.NewInProcess(), nil
		}
		return lock.NewRedis(client, ttl), nil

	case "dynamodb":
		var optFns []func(*awsconfig.LoadOptions) error
		if cfg.Lock.DynamoDB.Region != "" {
			optFns = append(optFns, awsconfig.WithRegion(cfg.Lock.DynamoDB.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Lock.DynamoDB.EndpointURL != "" {
				o.BaseEndpoint = &cfg.Lock.DynamoDB.EndpointURL
			}
		})
		return lock.NewDynamoDB(client, cfg.Lock.DynamoDB.Table, ttl), nil

	case "firestore":
		var opts []option.ClientOption
		if cfg.Lock.Firestore.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Lock.Firestore.CredentialsFile))
		}
		client, err := firestore.NewClient(ctx, cfg.Lock.Firestore.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating firestore client: %w", err)
		}
		return lock.NewFirestore(client, cfg.Lock.Firestore.Collection, ttl), nil

	case "cosmos":
		cred, err := azcosmos.NewKeyCredential(cfg.Lock.Cosmos.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("creating cosmos credential: %w", err)
		}
		cosmosClient, err := azcosmos.NewClientWithKey(cfg.Lock.Cosmos.Endpoint, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating cosmos client: %w", err)
		}
		container, err := cosmosClient.NewContainer(cfg.Lock.Cosmos.Database, cfg.Lock.Cosmos.Container)
		if err != nil {
			return nil, fmt.Errorf("resolving cosmos container: %w", err)
		}
		return lock.NewCosmos(container, cfg.Lock.Cosmos.Partition, ttl), nil

	default:
		return lock.NewInProcess(), nil
	}
}
