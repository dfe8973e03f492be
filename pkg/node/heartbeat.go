package node

import (
	"time"

	"github.com/juanpablocruz/roreplica/pkg/wire"
)

// onHeartbeat runs when the connection has been silent for a full interval:
// write a Ping and re-arm. With a miss limit set, a connection that stays
// silent for that many pings in a row is dropped.
func (c *Connection) onHeartbeat() {
	if c.ctx.Err() != nil {
		return
	}
	n := c.node
	m := int(c.misses.Load())
	if n.hbMissK > 0 && m >= n.hbMissK {
		n.emit(EventHealth, map[string]any{"conn": c.id, "state": "dead", "misses": m})
		c.fail(ErrHeartbeatTimeout)
		return
	}
	if err := c.WriteFrame(wire.PingFrame()); err != nil {
		n.emit(EventHB, map[string]any{"conn": c.id, "dir": "->", "err": err.Error()})
		return
	}
	n.metrics.Heartbeat()
	n.emit(EventHB, map[string]any{"conn": c.id, "dir": "->"})
	if c.misses.Add(1) > 1 && !c.suspect.Swap(true) {
		n.log.Warn("conn_suspect", "conn", c.id, "misses", m)
		n.emit(EventHealth, map[string]any{"conn": c.id, "state": "suspect", "misses": m + 1})
	}
	c.hb.Restart()
}

// alive records inbound traffic: the deadline moves out and misses reset.
func (c *Connection) alive() {
	c.hb.Restart()
	prev := c.misses.Swap(0)
	if c.suspect.Swap(false) {
		c.node.emit(EventHealth, map[string]any{"conn": c.id, "state": "healthy", "misses": int(prev)})
	}
}

func (c *Connection) onPong() {
	c.lastPong.Store(time.Now().UnixNano())
	c.node.emit(EventHB, map[string]any{"conn": c.id, "dir": "<-"})
}
