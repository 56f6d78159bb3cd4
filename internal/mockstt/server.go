// Package mockstt is a local STT service speaking the client protocol. It
// acknowledges connections with ready, reveals a fixed transcript word by
// word as audio arrives and sends a final after stop.
package mockstt

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"scribe/stt"
)

const DefaultTranscript = "hola mundo"

type Config struct {
	Transcript   string
	PartialEvery int // audio frames per partial, default 1
	ReadyDelay   time.Duration
	FinalDelay   time.Duration
	SkipReady    bool
	// StartError, when set, is sent as an error event in reply to start.
	StartError string
	Logger     zerolog.Logger
}

// Recording is what one start..stop exchange carried.
type Recording struct {
	SessionID  string
	Provider   string
	Format     string
	SampleRate int
	Encodings  []string
	Audio      [][]byte
	Stopped    bool
}

type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu         sync.Mutex
	recordings []*Recording
	peers      map[*peer]struct{}
	conns      int
}

type peer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *peer) send(msg stt.ServerMessage) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteJSON(msg)
}

func New(cfg Config) *Server {
	if cfg.Transcript == "" {
		cfg.Transcript = DefaultTranscript
	}
	if cfg.PartialEvery <= 0 {
		cfg.PartialEvery = 1
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers: make(map[*peer]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	p := &peer{conn: conn}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.conns++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		conn.Close()
	}()

	s.cfg.Logger.Info().Str("remote", r.RemoteAddr).Msg("client connected")
	s.serve(p)
}

func (s *Server) serve(p *peer) {
	if !s.cfg.SkipReady {
		time.Sleep(s.cfg.ReadyDelay)
		if err := p.send(stt.ServerMessage{Type: stt.EventReady}); err != nil {
			return
		}
	}

	var rec *Recording
	words := strings.Fields(s.cfg.Transcript)
	frames := 0

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.cfg.Logger.Debug().Err(err).Msg("read ended")
			}
			return
		}

		var msg stt.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.send(stt.ServerMessage{Type: stt.EventError, Message: "malformed message"})
			continue
		}

		switch msg.Op {
		case stt.OpStart:
			rec = &Recording{
				SessionID:  msg.SessionID,
				Provider:   msg.Provider,
				Format:     msg.Format,
				SampleRate: msg.SampleRate,
			}
			frames = 0
			s.mu.Lock()
			s.recordings = append(s.recordings, rec)
			s.mu.Unlock()
			s.cfg.Logger.Info().Str("session", msg.SessionID).Int("sample_rate", msg.SampleRate).Msg("start")
			if s.cfg.StartError != "" {
				p.send(stt.ServerMessage{Type: stt.EventError, Message: s.cfg.StartError})
			}

		case stt.OpAudio:
			if rec == nil {
				p.send(stt.ServerMessage{Type: stt.EventError, Message: "audio before start"})
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				p.send(stt.ServerMessage{Type: stt.EventError, Message: "bad audio payload"})
				continue
			}
			s.mu.Lock()
			rec.Audio = append(rec.Audio, pcm)
			rec.Encodings = append(rec.Encodings, msg.Encoding)
			s.mu.Unlock()

			frames++
			if frames%s.cfg.PartialEvery == 0 {
				if n := min(frames/s.cfg.PartialEvery, len(words)); n > 0 {
					p.send(stt.ServerMessage{Type: stt.EventPartial, Text: strings.Join(words[:n], " ")})
				}
			}

		case stt.OpStop:
			if rec == nil {
				continue
			}
			s.mu.Lock()
			rec.Stopped = true
			s.mu.Unlock()
			time.Sleep(s.cfg.FinalDelay)
			s.cfg.Logger.Info().Str("session", rec.SessionID).Int("frames", frames).Msg("final")
			p.send(stt.ServerMessage{Type: stt.EventFinal, Text: s.cfg.Transcript})
			rec = nil

		default:
			p.send(stt.ServerMessage{Type: stt.EventError, Message: "unknown op " + msg.Op})
		}
	}
}

// Recordings returns a copy of every exchange seen so far.
func (s *Server) Recordings() []Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Recording, len(s.recordings))
	for i, r := range s.recordings {
		out[i] = *r
		out[i].Audio = append([][]byte(nil), r.Audio...)
		out[i].Encodings = append([]string(nil), r.Encodings...)
	}
	return out
}

// Connections is the number of websocket connections accepted so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Push sends msg to every connected client.
func (s *Server) Push(msg stt.ServerMessage) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.send(msg)
	}
}

// Drop abruptly closes every client connection without a close handshake.
func (s *Server) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		p.conn.NetConn().Close()
	}
}
