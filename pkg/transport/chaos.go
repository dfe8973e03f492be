package transport

import (
	"errors"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// ErrLinkDown is returned by a Chaos stream whose link was cut.
var ErrLinkDown = errors.New("transport: link down")

type ChaosConfig struct {
	// Latency model applied to every write
	BaseDelay time.Duration // fixed base latency
	Jitter    time.Duration // +/- jitter uniformly

	// Seed (optional). If 0, uses time.Now().UnixNano()
	Seed int64
}

// Chaos wraps a byte stream with injected write latency, a silent stall mode
// (bytes are swallowed in both directions) and a hard link cut.
type Chaos struct {
	under io.ReadWriteCloser

	down    atomic.Bool
	stalled atomic.Bool

	cfgMu sync.RWMutex
	cfg   ChaosConfig

	rngMu sync.Mutex
	rng   *rand.Rand
}

func WrapChaos(under io.ReadWriteCloser, cfg ChaosConfig) *Chaos {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Chaos{
		under: under,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (c *Chaos) Read(p []byte) (int, error) {
	for {
		if c.down.Load() {
			return 0, ErrLinkDown
		}
		n, err := c.under.Read(p)
		if err != nil {
			if c.down.Load() {
				return 0, ErrLinkDown
			}
			return n, err
		}
		if c.stalled.Load() {
			continue
		}
		return n, nil
	}
}

func (c *Chaos) Write(p []byte) (int, error) {
	if c.down.Load() {
		return 0, ErrLinkDown
	}
	if d := c.delayWithJitter(c.getCfg()); d > 0 {
		time.Sleep(d)
	}
	if c.stalled.Load() {
		return len(p), nil
	}
	return c.under.Write(p)
}

func (c *Chaos) Close() error { return c.under.Close() }

// --- controls ---

// Cut takes the link down for good; blocked reads return ErrLinkDown.
func (c *Chaos) Cut() {
	if c.down.Swap(true) {
		return
	}
	_ = c.under.Close()
}

func (c *Chaos) SetStalled(s bool) { c.stalled.Store(s) }

func (c *Chaos) SetBaseDelay(d time.Duration) {
	c.cfgMu.Lock()
	c.cfg.BaseDelay = d
	c.cfgMu.Unlock()
}
func (c *Chaos) SetJitter(d time.Duration) { c.cfgMu.Lock(); c.cfg.Jitter = d; c.cfgMu.Unlock() }

func (c *Chaos) getCfg() ChaosConfig { c.cfgMu.RLock(); defer c.cfgMu.RUnlock(); return c.cfg }

func (c *Chaos) delayWithJitter(cfg ChaosConfig) time.Duration {
	if cfg.Jitter <= 0 {
		return cfg.BaseDelay
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	// Uniform in [-Jitter, +Jitter]
	j := time.Duration(c.rng.Int63n(int64(cfg.Jitter)*2)) - cfg.Jitter
	return max(cfg.BaseDelay+j, 0)
}
