package relay

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"maabo/internal/model"
)

const (
	TypeStatus       = "status"
	TypeEngineExited = "engine_exited"
)

type Publisher interface {
	Publish(typ string, data any)
	PublishTerminal(typ string, data any)
}

type Options struct {
	Classifier *Classifier
	Publisher  Publisher
	Logger     *slog.Logger
	// QueueSize 读取协程与分类协程之间的行队列长度。
	QueueSize int
	MaxLine   int
}

type Relay struct {
	classifier *Classifier
	pub        Publisher
	log        *slog.Logger
	queueSize  int
	maxLine    int
}

func New(opts Options) *Relay {
	if opts.Classifier == nil {
		opts.Classifier = MustDefaultClassifier()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxLine <= 0 {
		opts.MaxLine = 1 << 20
	}
	return &Relay{
		classifier: opts.Classifier,
		pub:        opts.Publisher,
		log:        opts.Logger,
		queueSize:  opts.QueueSize,
		maxLine:    opts.MaxLine,
	}
}

// Open starts relaying src for one session. src is read until EOF or until
// Close is called.
func (r *Relay) Open(sessionID string, src io.Reader) *Stream {
	s := &Stream{
		relay:     r,
		sessionID: sessionID,
		src:       src,
		lines:     make(chan string, r.queueSize),
		drained:   make(chan struct{}),
		counts:    make(map[model.EventKind]int),
	}
	go s.read()
	go s.emit()
	return s
}

type Stream struct {
	relay     *Relay
	sessionID string
	src       io.Reader
	lines     chan string
	drained   chan struct{}

	mu       sync.Mutex
	seq      uint64
	finished bool
	counts   map[model.EventKind]int
	last     string

	closeOnce  sync.Once
	finishOnce sync.Once
}

// Drained is closed once every line read from the source has been classified.
func (s *Stream) Drained() <-chan struct{} { return s.drained }

// Close forces the reader to stop when the source is closable.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		if c, ok := s.src.(io.Closer); ok {
			_ = c.Close()
		}
	})
}

// Finish emits the terminal engine_exited event. Only the first call has an
// effect; lines classified afterwards are discarded.
func (s *Stream) Finish(exit model.ExitInfo) model.StatusEvent {
	var evt model.StatusEvent
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.finished = true
		s.seq++
		fields := map[string]any{
			"reason":    string(exit.Reason),
			"lines":     s.seq - 1,
			"completed": s.counts[model.EventTaskCompleted],
			"errors":    s.counts[model.EventError],
		}
		if exit.Code != nil {
			fields["code"] = *exit.Code
		}
		if exit.Error != "" {
			fields["error"] = exit.Error
		}
		if s.last != "" {
			fields["lastStatus"] = s.last
		}
		level := "info"
		if exit.Reason == model.ExitCrashed {
			level = "error"
		}
		evt = model.StatusEvent{
			SessionID: s.sessionID,
			Seq:       s.seq,
			Kind:      model.EventEngineExited,
			Level:     level,
			Message:   exitMessage(exit),
			Fields:    fields,
			Time:      time.Now().UnixMilli(),
		}
		if s.relay.pub != nil {
			s.relay.pub.PublishTerminal(TypeEngineExited, evt)
		}
		s.mu.Unlock()
	})
	return evt
}

func exitMessage(exit model.ExitInfo) string {
	switch exit.Reason {
	case model.ExitNormal:
		return "引擎已正常退出"
	case model.ExitKilled:
		return "引擎已被停止"
	default:
		return "引擎异常退出"
	}
}

func (s *Stream) read() {
	defer close(s.lines)
	sc := bufio.NewScanner(s.src)
	sc.Buffer(make([]byte, 0, 64*1024), s.relay.maxLine)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.lines <- line
	}
	err := sc.Err()
	if err == nil || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return
	}
	s.relay.log.Warn("engine output read failed", "session", s.sessionID, "err", err)
	// 继续读空管道，避免引擎写满缓冲后阻塞
	_, _ = io.Copy(io.Discard, s.src)
}

func (s *Stream) emit() {
	defer close(s.drained)
	for line := range s.lines {
		c := s.relay.classifier.Classify(line)
		s.mu.Lock()
		if s.finished {
			s.mu.Unlock()
			continue
		}
		s.seq++
		s.counts[c.Kind]++
		if c.Kind == model.EventProgress || c.Kind == model.EventTaskCompleted {
			s.last = c.Message
		}
		evt := model.StatusEvent{
			SessionID: s.sessionID,
			Seq:       s.seq,
			Kind:      c.Kind,
			Level:     c.Level,
			Message:   c.Message,
			Fields:    c.Fields,
			Time:      time.Now().UnixMilli(),
		}
		if s.relay.pub != nil {
			s.relay.pub.Publish(TypeStatus, evt)
		}
		s.mu.Unlock()
	}
}
