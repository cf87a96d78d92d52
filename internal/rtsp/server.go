// Package rtsp republishes assembled access units on an RTSP server, one
// path per source.
package rtsp

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
)

// Server is the output RTSP server that players connect to.
type Server struct {
	port       int
	names      []string
	keepalive  time.Duration
	rtsp       *gortsplib.Server
	publishers map[string]*Publisher
	streams    map[string]*gortsplib.ServerStream
	mu         sync.RWMutex
	log        *slog.Logger
}

// NewServer creates an RTSP server that will expose one read-only path
// per source name. keepalive is the keyframe repetition interval of idle
// paths.
func NewServer(port int, names []string, keepalive time.Duration) *Server {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return &Server{
		port:       port,
		names:      sorted,
		keepalive:  keepalive,
		publishers: make(map[string]*Publisher),
		streams:    make(map[string]*gortsplib.ServerStream),
		log:        slog.With("component", "rtsp"),
	}
}

// Start initialises the RTSP server and creates a ServerStream per path.
func (s *Server) Start() error {
	s.rtsp = &gortsplib.Server{
		Handler:     s,
		RTSPAddress: fmt.Sprintf(":%d", s.port),
	}

	if err := s.rtsp.Start(); err != nil {
		return fmt.Errorf("rtsp server start: %w", err)
	}

	s.mu.Lock()
	for _, name := range s.names {
		pub := NewPublisher(name, s.keepalive)
		stream := gortsplib.NewServerStream(s.rtsp, pub.Description())
		pub.SetStream(stream)

		s.streams[name] = stream
		s.publishers[name] = pub
		s.log.Info("rtsp output stream ready", "path", "/"+name)
	}
	s.mu.Unlock()

	s.log.Info("rtsp server listening", "port", s.port)
	return nil
}

// Stop closes every stream and the RTSP server.
func (s *Server) Stop() {
	s.mu.Lock()
	for _, pub := range s.publishers {
		pub.Close()
	}
	for _, st := range s.streams {
		st.Close()
	}
	s.mu.Unlock()

	if s.rtsp != nil {
		s.rtsp.Close()
	}
	s.log.Info("rtsp server stopped")
}

// Publisher returns the publisher of the named path, or nil before Start or
// for an unknown name.
func (s *Server) Publisher(name string) *Publisher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publishers[name]
}

// pathFromCtx returns the cleaned source name from a request path.
// Query parameters are stripped.
func pathFromCtx(rawPath string) string {
	p := strings.TrimPrefix(rawPath, "/")
	if idx := strings.IndexByte(p, '?'); idx >= 0 {
		p = p[:idx]
	}
	return strings.TrimSuffix(p, "/")
}

func (s *Server) lookup(path string) (*gortsplib.ServerStream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[pathFromCtx(path)]
	return st, ok
}

// OnConnOpen is called when a player connects.
func (s *Server) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	s.log.Debug("rtsp client connected", "remote", ctx.Conn.NetConn().RemoteAddr())
}

// OnConnClose is called when a player disconnects.
func (s *Server) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	s.log.Debug("rtsp client disconnected", "remote", ctx.Conn.NetConn().RemoteAddr(), "error", ctx.Error)
}

// OnSessionOpen is called when a new RTSP session starts.
func (s *Server) OnSessionOpen(ctx *gortsplib.ServerHandlerOnSessionOpenCtx) {
	s.log.Debug("rtsp session opened")
}

// OnSessionClose is called when an RTSP session ends.
func (s *Server) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	s.log.Debug("rtsp session closed")
}

// OnDescribe handles DESCRIBE requests.
func (s *Server) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	stream, ok := s.lookup(ctx.Path)
	if !ok {
		s.log.Warn("describe: unknown stream", "path", ctx.Path)
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, stream, nil
}

// OnAnnounce rejects publish attempts; sources arrive over the ingest
// transports only.
func (s *Server) OnAnnounce(ctx *gortsplib.ServerHandlerOnAnnounceCtx) (*base.Response, error) {
	return &base.Response{StatusCode: base.StatusMethodNotAllowed}, nil
}

// OnSetup handles SETUP requests.
func (s *Server) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	stream, ok := s.lookup(ctx.Path)
	if !ok {
		s.log.Warn("setup: unknown stream", "path", ctx.Path)
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, stream, nil
}

// OnPlay handles PLAY requests.
func (s *Server) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	s.log.Debug("rtsp play started", "path", pathFromCtx(ctx.Path))
	return &base.Response{StatusCode: base.StatusOK}, nil
}
