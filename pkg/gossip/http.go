package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// GossipPath is where HTTPTransport.Handler is expected to be mounted.
	GossipPath = "/gossip"

	defaultSendTimeout = 2 * time.Second
	maxEnvelopeBytes   = 4 << 20
)

// HTTPTransport posts JSON envelopes to http://<endpoint>/gossip. Sends are
// fire-and-forget: Send returns once the request is handed to a goroutine and
// delivery failures are reported through OnResult and the log.
type HTTPTransport struct {
	self    Addr
	client  *http.Client
	inbox   chan Envelope
	timeout time.Duration
	log     *zap.Logger

	// OnResult, when set, is called after every outbound attempt.
	OnResult func(env Envelope, err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders wg.Add in Send against the Wait in Close.
	mu     sync.Mutex
	closed bool
}

type HTTPOption func(*HTTPTransport)

func WithHTTPClient(c *http.Client) HTTPOption { return func(t *HTTPTransport) { t.client = c } }

func WithSendTimeout(d time.Duration) HTTPOption { return func(t *HTTPTransport) { t.timeout = d } }

func WithHTTPInboxSize(n int) HTTPOption {
	return func(t *HTTPTransport) { t.inbox = make(chan Envelope, n) }
}

func NewHTTPTransport(self Addr, log *zap.Logger, opts ...HTTPOption) *HTTPTransport {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &HTTPTransport{
		self:    self,
		client:  http.DefaultClient,
		inbox:   make(chan Envelope, defaultInboxSize),
		timeout: defaultSendTimeout,
		log:     log.With(zap.String("component", "http-transport")),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPTransport) Self() Addr { return t.self }

func (t *HTTPTransport) Inbox() <-chan Envelope { return t.inbox }

func (t *HTTPTransport) Send(to Addr, env Envelope) error {
	if t.isClosed() {
		return ErrClosed
	}
	if to.Endpoint == "" {
		return fmt.Errorf("%w: %s has no endpoint", ErrUnknownPeer, to.ID)
	}
	env.From = t.self
	env.To = to
	env.Version = SchemaVersion
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	// loopback skips the network
	if to.ID == t.self.ID {
		return t.enqueue(env)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		err := t.post(to, body)
		if err != nil {
			t.log.Debug("send failed",
				zap.String("type", env.Type.String()),
				zap.String("to", string(to.ID)),
				zap.Error(err))
		}
		if t.OnResult != nil {
			t.OnResult(env, err)
		}
	}()
	return nil
}

func (t *HTTPTransport) post(to Addr, body []byte) error {
	ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gossipURL(to.Endpoint), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: unexpected status %d", to.Endpoint, resp.StatusCode)
	}
	return nil
}

func gossipURL(endpoint string) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/") + GossipPath
}

func (t *HTTPTransport) enqueue(env Envelope) error {
	select {
	case t.inbox <- env:
		return nil
	default:
		return ErrInboxFull
	}
}

// Handler accepts envelopes POSTed by peers.
func (t *HTTPTransport) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if t.isClosed() {
			http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
			return
		}
		var env Envelope
		if err := json.NewDecoder(io.LimitReader(req.Body, maxEnvelopeBytes)).Decode(&env); err != nil {
			http.Error(w, "invalid envelope: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := env.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := t.enqueue(env); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// Close aborts in-flight sends and waits for their goroutines. The inbox is
// left open; consumers stop on their own context.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *HTTPTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
