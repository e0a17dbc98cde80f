package logbus

import (
	"sync"
	"time"
)

type Message struct {
	// ID 总线内递增的编号，用于快照与实时消息去重。
	ID       uint64 `json:"id"`
	Type     string `json:"type"`
	Time     int64  `json:"time"`
	Data     any    `json:"data"`
	Terminal bool   `json:"terminal,omitempty"`
	// Dropped 本条消息之前因订阅者队列溢出而被丢弃的消息数。
	Dropped int `json:"dropped,omitempty"`
}

type LogData struct {
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

type Bus struct {
	mu     sync.RWMutex
	buf    []Message
	cap    int
	subs   map[*subscriber]struct{}
	nextID uint64
	closed bool
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 200
	}
	return &Bus{
		cap:  capacity,
		buf:  make([]Message, 0, capacity),
		subs: make(map[*subscriber]struct{}),
	}
}

// Close 停止接收新消息；已排队的消息仍会投递给订阅者，随后关闭其通道。
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.finish()
	}
	b.subs = nil
	b.buf = nil
}

func (b *Bus) Snapshot() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, len(b.buf))
	copy(out, b.buf)
	return out
}

// Subscribe 注册一个订阅者。buffer 为该订阅者的排队上限，消费者跟不上时
// 丢弃最旧的非终止消息，终止消息永不丢弃。
func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := newSubscriber(buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()

	cancel := func() {
		b.mu.Lock()
		if b.subs != nil {
			delete(b.subs, s)
		}
		b.mu.Unlock()
		s.stop()
	}
	return s.out, cancel
}

func (b *Bus) Publish(typ string, data any) {
	b.publish(Message{Type: typ, Time: time.Now().UnixMilli(), Data: data})
}

// PublishTerminal 发布会话的最后一条消息，溢出时不会被丢弃。
func (b *Bus) PublishTerminal(typ string, data any) {
	b.publish(Message{Type: typ, Time: time.Now().UnixMilli(), Data: data, Terminal: true})
}

func (b *Bus) publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.nextID++
	msg.ID = b.nextID
	if len(b.buf) < b.cap {
		b.buf = append(b.buf, msg)
	} else if b.cap > 0 {
		copy(b.buf, b.buf[1:])
		b.buf[b.cap-1] = msg
	}
	for s := range b.subs {
		s.push(msg)
	}
}

func (b *Bus) Log(level, message string, fields map[string]any) {
	b.Publish("log", LogData{Level: level, Msg: message, Fields: fields})
}

type subscriber struct {
	mu       sync.Mutex
	queue    []Message
	limit    int
	dropped  int
	finished bool

	notify   chan struct{}
	out      chan Message
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscriber(limit int) *subscriber {
	return &subscriber{
		limit:  limit,
		queue:  make([]Message, 0, limit),
		notify: make(chan struct{}, 1),
		out:    make(chan Message),
		done:   make(chan struct{}),
	}
}

func (s *subscriber) push(msg Message) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.limit {
		idx := -1
		for i := range s.queue {
			if !s.queue[i].Terminal {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0:
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
			s.dropped++
		case !msg.Terminal:
			// 队列里全是终止消息，只能丢弃新的普通消息
			s.dropped++
			s.mu.Unlock()
			return
		}
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		msg := s.queue[0]
		s.queue[0] = Message{}
		s.queue = s.queue[1:]
		if s.dropped > 0 {
			msg.Dropped = s.dropped
			s.dropped = 0
		}
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
