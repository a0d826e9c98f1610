package modulebridge

import "sync"

// Window 进程内的消息上下文，模拟浏览器 window 的 postMessage 语义：
// 每个 Window 有自己的来源和一个按投递顺序执行的事件循环
type Window struct {
	origin string
	subs   subscribers

	mu      sync.Mutex
	queue   []windowTask
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

type windowTask struct {
	in      Inbound
	barrier chan struct{}
}

// NewWindow 创建 Window 并启动事件循环
func NewWindow(origin string) *Window {
	w := &Window{
		origin:  origin,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Origin 返回来源
func (w *Window) Origin() string { return w.origin }

// Subscribe 实现 Inbox
func (w *Window) Subscribe(handler func(Inbound)) func() {
	return w.subs.add(handler)
}

// Handle 返回从 from 视角指向 w 的对端句柄；投递的消息以 from 的来源标记
func (w *Window) Handle(from *Window) Peer {
	return &windowPeer{target: w, source: from}
}

// Drain 等待此前投递的消息全部处理完毕
func (w *Window) Drain() {
	barrier := make(chan struct{})
	if !w.enqueue(windowTask{barrier: barrier}) {
		return
	}
	select {
	case <-barrier:
	case <-w.stopped:
	}
}

// Close 停止事件循环，未处理的消息被丢弃
func (w *Window) Close() {
	w.once.Do(func() {
		close(w.done)
	})
	<-w.stopped
}

func (w *Window) enqueue(t windowTask) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	w.mu.Lock()
	w.queue = append(w.queue, t)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *Window) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}
		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			t := w.queue[0]
			w.queue[0] = windowTask{}
			w.queue = w.queue[1:]
			w.mu.Unlock()

			if t.barrier != nil {
				close(t.barrier)
				continue
			}
			w.subs.deliver(t.in)

			select {
			case <-w.done:
				return
			default:
			}
		}
	}
}

type windowPeer struct {
	target *Window
	source *Window
}

// PostMessage 目标来源不匹配时静默丢弃
func (p *windowPeer) PostMessage(data []byte, targetOrigin string) error {
	if targetOrigin != AnyOrigin && targetOrigin != p.target.origin {
		return nil
	}
	origin := ""
	if p.source != nil {
		origin = p.source.origin
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	if !p.target.enqueue(windowTask{in: Inbound{Data: buf, Origin: origin}}) {
		return ErrConnClosed
	}
	return nil
}
