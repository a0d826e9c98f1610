package modulebridge

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	env    Envelope
	origin string
}

// recordingPeer 记录所有投递的封包
type recordingPeer struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (p *recordingPeer) PostMessage(data []byte, targetOrigin string) error {
	if p.err != nil {
		return p.err
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentMessage{env: env, origin: targetOrigin})
	return nil
}

func (p *recordingPeer) all() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage{}, p.sent...)
}

func (p *recordingPeer) ofKind(kind Kind) []Envelope {
	var out []Envelope
	for _, m := range p.all() {
		if m.env.Kind == kind {
			out = append(out, m.env)
		}
	}
	return out
}

// manualInbox 由测试同步投递入站消息
type manualInbox struct {
	subs subscribers
}

func (i *manualInbox) Subscribe(handler func(Inbound)) func() {
	return i.subs.add(handler)
}

func (i *manualInbox) deliver(t *testing.T, p Payload, origin string) {
	t.Helper()
	data, err := Encode(p)
	require.NoError(t, err)
	i.subs.deliver(Inbound{Data: data, Origin: origin})
}

func (i *manualInbox) raw(data string, origin string) {
	i.subs.deliver(Inbound{Data: []byte(data), Origin: origin})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() *Options {
	return &Options{Logger: discardLogger()}
}

// syncBuffer 并发安全的日志缓冲
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func decodeInto[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func newTestBridge(t *testing.T, opts *Options) (*Bridge, *recordingPeer, *manualInbox) {
	t.Helper()
	if opts == nil {
		opts = testOptions()
	}
	peer := &recordingPeer{}
	inbox := &manualInbox{}
	b, err := NewBridge(peer, inbox, opts)
	require.NoError(t, err)
	t.Cleanup(b.Destroy)
	return b, peer, inbox
}
