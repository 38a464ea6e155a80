package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/google/uuid"

	"github.com/zezudoo/wa-download-guard/internal/enforce"
	"github.com/zezudoo/wa-download-guard/internal/logger"
	"github.com/zezudoo/wa-download-guard/internal/origin"
)

// Evaluator decides a download without side effects
type Evaluator interface {
	Evaluate(ctx context.Context, item enforce.DownloadItem) (enforce.Result, error)
}

// Notifier sends deduplicated notifications
type Notifier interface {
	NotifyOnce(ctx context.Context, key string, n enforce.Notification) bool
}

// Config represents proxy server configuration
type Config struct {
	Addr      string
	CertDir   string
	Matcher   *origin.Matcher
	Evaluator Evaluator
	Recorder  enforce.Recorder
	Notifier  Notifier
	Logger    *logger.Logger
	// EvalTimeout bounds one download decision
	EvalTimeout time.Duration
}

// Server is a MITM proxy that refuses disallowed file downloads served by
// target hosts, before they reach the browser's download manager
type Server struct {
	addr        string
	listener    net.Listener
	httpServer  *http.Server
	proxy       *goproxy.ProxyHttpServer
	certManager *CertManager
	matcher     *origin.Matcher
	evaluator   Evaluator
	recorder    enforce.Recorder
	notifier    Notifier
	logger      *logger.Logger
	evalTimeout time.Duration
	wg          sync.WaitGroup
}

type requestData struct {
	id string
}

// NewServer creates a new proxy server
func NewServer(config Config) (*Server, error) {
	certManager, err := NewCertManager(config.CertDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create cert manager: %w", err)
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.EvalTimeout <= 0 {
		config.EvalTimeout = 10 * time.Second
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false
	proxy.Logger = log.New(io.Discard, "", 0)

	s := &Server{
		addr:        config.Addr,
		proxy:       proxy,
		certManager: certManager,
		matcher:     config.Matcher,
		evaluator:   config.Evaluator,
		recorder:    config.Recorder,
		notifier:    config.Notifier,
		logger:      config.Logger,
		evalTimeout: config.EvalTimeout,
	}
	s.setupHandlers()
	return s, nil
}

// setupHandlers intercepts TLS only for target hosts and tunnels the rest
func (s *Server) setupHandlers() {
	ca := s.certManager.TLSCertificate()
	mitm := &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: goproxy.TLSConfigFromCA(ca)}

	s.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if s.matcher.HostMatches(host) {
			return mitm, host
		}
		return goproxy.OkConnect, host
	}))

	s.proxy.OnRequest().DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		ctx.UserData = &requestData{id: uuid.New().String()}
		return req, nil
	})

	s.proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		return s.handleResponse(resp, ctx)
	})
}

// handleResponse evaluates attachment responses from target hosts
func (s *Server) handleResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil || ctx.Req == nil {
		return resp
	}
	req := ctx.Req

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	if !s.matcher.HostMatches(host) {
		return resp
	}

	filename, ok := attachment(resp)
	if !ok {
		return resp
	}

	requestID := ""
	if data, ok := ctx.UserData.(*requestData); ok {
		requestID = data.id
	}

	item := enforce.DownloadItem{
		ID:       -1,
		URL:      requestURL(req, host),
		Referrer: req.Referer(),
		Filename: filename,
		MIME:     resp.Header.Get("Content-Type"),
		TabID:    -1,
	}

	evalCtx, cancel := context.WithTimeout(context.Background(), s.evalTimeout)
	defer cancel()

	result, err := s.evaluator.Evaluate(evalCtx, item)
	if err != nil {
		s.logger.Debug("proxy_eval_error", "Download evaluation failed", map[string]interface{}{
			"url":        item.URL,
			"error":      err.Error(),
			"request_id": requestID,
		})
		return resp
	}
	if result.Outcome != enforce.OutcomeBlocked || result.Decision == nil {
		return resp
	}

	resp.Body.Close()
	decision := *result.Decision

	if s.recorder != nil {
		if err := s.recorder.RecordBlock(evalCtx, enforce.BlockEvent{Source: enforce.SourceProxy, Item: item, Decision: decision}); err != nil {
			s.logger.Debug("audit_error", "Failed to record block", map[string]interface{}{
				"error":      err.Error(),
				"request_id": requestID,
			})
		}
	}
	if s.notifier != nil {
		s.notifier.NotifyOnce(evalCtx, "proxy:"+item.URL, enforce.Notification{
			Title:   "WhatsApp Download Guard",
			Message: "WhatsApp download blocked by policy.",
			Reason:  string(decision.Reason),
		})
	}

	s.logger.LogDownloadDecision(logger.DownloadDecision{
		Source:    string(enforce.SourceProxy),
		URL:       item.URL,
		Filename:  item.Filename,
		Ext:       decision.Ext,
		MIME:      decision.MIME,
		Allow:     false,
		Reason:    string(decision.Reason),
		RequestID: requestID,
	})

	body := fmt.Sprintf(
		"WA Download Guard: download blocked\n\n"+
			"URL:     %s\n"+
			"File:    %s\n"+
			"Reason:  %s\n",
		item.URL,
		item.Filename,
		decision.Reason,
	)
	return goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusForbidden, body)
}

func requestURL(req *http.Request, host string) string {
	u := *req.URL
	if u.Host == "" {
		u.Host = host
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	return u.String()
}

// Handler returns the proxy as an http.Handler
func (s *Server) Handler() http.Handler {
	return s.proxy
}

// Start starts the proxy server
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	s.listener = listener
	s.httpServer = &http.Server{Handler: s.proxy, ReadHeaderTimeout: 30 * time.Second}
	s.logger.Info("proxy_start", fmt.Sprintf("MITM proxy server started on %s", listener.Addr()), map[string]interface{}{
		"ca_cert": s.certManager.CACertPath(),
		"hosts":   s.matcher.Hosts(),
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("proxy_error", "Proxy server stopped unexpectedly", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

// Stop shuts the proxy down
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	s.logger.Info("proxy_stop", "MITM proxy server stopped", nil)
	return err
}

// Addr returns the address the server is listening on
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// CACertPath returns the path to the CA certificate
func (s *Server) CACertPath() string {
	return s.certManager.CACertPath()
}
