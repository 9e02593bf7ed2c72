package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/openqos/shaperd/pkg/log"
)

// maxRetries bounds how many delivery attempts a batch gets in all
// before it's dropped.
const maxRetries = 200

// httpTimeout is the global timeout for outbound HTTP collaborators;
// a slow license server must never block the shaping path.
const httpTimeout = 20 * time.Second

// queueCapacity bounds the outbound submission queue; when it is full,
// Submit drops the new item rather than blocking the tracker tick that
// produced it.
const queueCapacity = 256

// pendingItem is one batch awaiting delivery, with its retry count.
type pendingItem struct {
	batch    Batch
	attempts int
}

// Client drives the Submission Pipeline: it batches outbound telemetry,
// encrypts+frames each batch, dials the Insight submission endpoint
// over TCP, and retries failures up to maxRetries before dropping
// them.
type Client struct {
	NodeID        string
	LicenseKey    string
	SubmitAddr    string // host:port of the Insight submission socket
	PubKeyURL     string // HTTP endpoint to resolve LicenseKey -> peer public key
	Keys          *KeyPair
	CollationPeriod time.Duration

	httpClient *http.Client

	mu         sync.Mutex
	peerPubKey *[32]byte // cached once per session

	nonceCounter atomic.Uint64
	queue        chan *pendingItem
}

// NewClient builds a Client. Call Run to start the delivery loop.
func NewClient(nodeID, licenseKey, submitAddr, pubKeyURL string, keys *KeyPair, collationPeriod time.Duration) *Client {
	return &Client{
		NodeID:          nodeID,
		LicenseKey:      licenseKey,
		SubmitAddr:      submitAddr,
		PubKeyURL:       pubKeyURL,
		Keys:            keys,
		CollationPeriod: collationPeriod,
		httpClient:      &http.Client{Timeout: httpTimeout},
		queue:           make(chan *pendingItem, queueCapacity),
	}
}

// Submit enqueues a batch for delivery. Never blocks the caller (the
// Throughput Tracker tick or Stormguard loop): a full queue drops the
// new item and logs.
func (c *Client) Submit(kind BatchKind, payload any) {
	raw, err := cbor.Marshal(payload)
	if err != nil {
		log.With("submission").Warn().Err(err).Msg("encoding submission payload")
		return
	}
	item := &pendingItem{batch: Batch{Kind: kind, Nonce: c.nonceCounter.Add(1), Raw: raw}}
	select {
	case c.queue <- item:
	default:
		log.With("submission").Warn().Msg("submission queue full, dropping batch")
	}
}

// Run drains the queue until stopCh is closed, delivering each item
// and requeueing failures in FIFO order.
func (c *Client) Run(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case item := <-c.queue:
			c.deliver(item, stopCh)
		}
	}
}

func (c *Client) deliver(item *pendingItem, stopCh <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	defer cancel()

	peerKey, err := c.resolvePeerKey(ctx)
	if err != nil {
		c.requeue(item, stopCh)
		log.With("submission").Warn().Err(err).Msg("resolving insight public key")
		return
	}

	frame, err := EncodeFrame(c.NodeID, c.LicenseKey, c.Keys, peerKey, item.batch)
	if err != nil {
		log.With("submission").Error().Err(err).Msg("encoding submission frame, dropping")
		return
	}

	if err := c.send(frame); err != nil {
		c.requeue(item, stopCh)
		log.With("submission").Warn().Err(err).Int("attempts", item.attempts).Msg("submission delivery failed")
		return
	}
}

func (c *Client) requeue(item *pendingItem, stopCh <-chan struct{}) {
	item.attempts++
	if item.attempts >= maxRetries {
		log.With("submission").Error().Int("attempts", item.attempts).Msg("submission exceeded retry budget, dropping")
		return
	}
	select {
	case c.queue <- item:
	case <-stopCh:
	default:
		log.With("submission").Warn().Msg("submission queue full on retry, dropping")
	}
}

func (c *Client) send(frame []byte) error {
	conn, err := net.DialTimeout("tcp", c.SubmitAddr, httpTimeout)
	if err != nil {
		return fmt.Errorf("submission: dialing %s: %w", c.SubmitAddr, err)
	}
	defer conn.Close()
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("submission: writing frame: %w", err)
	}
	return nil
}

// pubKeyResponse is the license-check endpoint's JSON body.
type pubKeyResponse struct {
	PublicKey [32]byte `json:"public_key"`
}

// resolvePeerKey fetches and caches the Insight endpoint's public
// key, looked up once per session by license key.
func (c *Client) resolvePeerKey(ctx context.Context) (*[32]byte, error) {
	c.mu.Lock()
	if c.peerPubKey != nil {
		defer c.mu.Unlock()
		return c.peerPubKey, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.PubKeyURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-License-Key", c.LicenseKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("submission: license-check returned %s", resp.Status)
	}
	var body pubKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	c.mu.Lock()
	key := body.PublicKey
	c.peerPubKey = &key
	c.mu.Unlock()
	return c.peerPubKey, nil
}
