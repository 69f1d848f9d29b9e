// Package server implements the line-oriented TCP protocol used by location
// reporters and lightweight clients.
//
//	REPORT <json>                 enqueue a position report
//	ASK <role> <actorId> <text>   resolve a free-text question
//	PING                          liveness probe
//	QUIT                          close the connection
//
// Replies are one line each: "OK", "OK <json>", "ERR <message>" or "PONG".
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/celerix-dev/marauder/internal/ingest"
	"github.com/celerix-dev/marauder/pkg/schema"
)

// MaxConnections bounds concurrently served connections.
const MaxConnections = 100

// Asker resolves free-text questions.
type Asker interface {
	ResolveAsync(ctx context.Context, actor schema.Actor, text string) (schema.QueryResponse, error)
}

type Router struct {
	reporter ingest.Sink
	asker    Asker
	cert     *tls.Certificate
	log      *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  bool
}

func NewRouter(reporter ingest.Sink, asker Asker, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{reporter: reporter, asker: asker, log: log, ctx: ctx, cancel: cancel}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Listen starts the TCP server and blocks until Stop is called.
func (r *Router) Listen(port string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}, MinVersion: tls.VersionTLS12}
		listener, err = tls.Listen("tcp", ":"+port, config)
	} else {
		listener, err = net.Listen("tcp", ":"+port)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		listener.Close()
		return nil
	}
	r.listener = listener
	r.mu.Unlock()
	r.log.Info("tcp_listening", zap.String("addr", listener.Addr().String()), zap.Bool("tls", r.cert != nil))

	semaphore := make(chan struct{}, MaxConnections)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if r.isStopped() {
				return nil
			}
			r.log.Warn("tcp_accept", zap.Error(err))
			continue
		}

		conn.SetDeadline(time.Now().Add(5 * time.Minute))

		go func(c net.Conn) {
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.handleConnection(c)
		}(conn)
	}
}

// Addr returns the bound address, or nil before Listen has bound.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop closes the listener and cancels in-flight ASK requests.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true
	r.cancel()
	if r.listener != nil {
		return r.listener.Close()
	}
	return nil
}

func (r *Router) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Router) handleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		line = strings.TrimSpace(line)
		command, rest, _ := strings.Cut(line, " ")
		if command == "" {
			continue
		}

		switch strings.ToUpper(command) {
		case "REPORT":
			r.report(conn, strings.TrimSpace(rest))

		case "ASK":
			r.ask(conn, rest)

		case "PING":
			fmt.Fprintln(conn, "PONG")

		case "QUIT":
			return

		default:
			fmt.Fprintln(conn, "ERR unknown command", strings.ToUpper(command))
		}
	}
}

func (r *Router) report(conn net.Conn, payload string) {
	if payload == "" {
		fmt.Fprintln(conn, "ERR usage: REPORT <json>")
		return
	}
	rep, err := ingest.DecodeReport([]byte(payload))
	if err != nil {
		fmt.Fprintln(conn, "ERR", err)
		return
	}
	if err := r.reporter.Report(rep); err != nil {
		fmt.Fprintln(conn, "ERR", err)
		return
	}
	fmt.Fprintln(conn, "OK")
}

func (r *Router) ask(conn net.Conn, args string) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 3)
	if len(parts) < 3 {
		fmt.Fprintln(conn, "ERR usage: ASK <role> <actorId> <text>")
		return
	}
	actor := schema.Actor{ID: parts[1], Role: schema.Role(strings.ToLower(parts[0]))}
	if !actor.Role.Valid() {
		fmt.Fprintln(conn, "ERR unknown role", parts[0])
		return
	}

	resp, err := r.asker.ResolveAsync(r.ctx, actor, parts[2])
	if err != nil {
		fmt.Fprintln(conn, "ERR", err)
		return
	}
	res, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintln(conn, "ERR internal error")
		return
	}
	fmt.Fprintln(conn, "OK", string(res))
}
