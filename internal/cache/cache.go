// Package cache implements an optional read-through cache for agent
// public-key lookups ahead of signature verification. Follows
// services/storage/internal/cache/redis_cache.go's hand-rolled
// RESP2-over-net.Conn client (no redis driver dependency is used),
// trimmed to the GET/SET/DEL/PING vocabulary this
// cache needs and re-keyed on agent_id instead of tenant+key.
//
// The cache is entirely optional: callers construct it only when
// config.RedisAddr is set, and every method fails open — any dial,
// protocol, or timeout error is treated as a cache miss so a Redis
// outage never blocks the signature path, it just falls back to the
// storage lookup it would have made anyway.
package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/admp/hub/internal/crypto"
)

// Options configures the RESP2 connection.
type Options struct {
	Addr         string
	Password     string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TTL          time.Duration
	KeyPrefix    string
}

func (o *Options) setDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 2 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 2 * time.Second
	}
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = "admp:agentkeys:"
	}
}

// cachedKey is the JSON-serializable shape stored per agent; crypto.ActiveKey
// itself doesn't round-trip through JSON cleanly (ed25519.PublicKey is a
// byte slice, but DeactivateAt needs explicit null handling).
type cachedKey struct {
	Public       []byte     `json:"public"`
	Active       bool       `json:"active"`
	DeactivateAt *time.Time `json:"deactivate_at,omitempty"`
}

// KeyCache is a single-connection-per-call RESP2 client. It holds no
// long-lived connection (ReuseConn is deliberately not offered) because
// the agent-key lookup is on the
// hot path of every signed message and a stuck shared connection would
// be worse than a fresh dial per call.
type KeyCache struct {
	opts Options
	mu   sync.Mutex
}

// New returns nil if addr is empty: callers treat a nil *KeyCache as
// "no cache configured" and skip straight to storage.
func New(addr string, ttl time.Duration) *KeyCache {
	if addr == "" {
		return nil
	}
	o := Options{Addr: addr, TTL: ttl}
	o.setDefaults()
	return &KeyCache{opts: o}
}

func (c *KeyCache) fullKey(agentID string) string {
	return c.opts.KeyPrefix + agentID
}

// Get returns the cached active-key set for agentID, or ok=false on a
// cache miss OR any cache error (fail-open: the caller falls back to
// storage either way).
func (c *KeyCache) Get(ctx context.Context, agentID string) ([]crypto.ActiveKey, bool) {
	if c == nil {
		return nil, false
	}
	v, err := c.do(ctx, []string{"GET", c.fullKey(agentID)})
	if err != nil || v.kind != respBulk {
		return nil, false
	}
	var stored []cachedKey
	if err := json.Unmarshal(v.bulk, &stored); err != nil {
		return nil, false
	}
	out := make([]crypto.ActiveKey, len(stored))
	for i, k := range stored {
		out[i] = crypto.ActiveKey{Public: k.Public, Active: k.Active, DeactivateAt: k.DeactivateAt}
	}
	return out, true
}

// Set populates the cache; errors are swallowed (fail-open on writes too
// — a failed cache fill just means the next Get misses and re-fetches).
func (c *KeyCache) Set(ctx context.Context, agentID string, keys []crypto.ActiveKey) {
	if c == nil {
		return
	}
	stored := make([]cachedKey, len(keys))
	for i, k := range keys {
		stored[i] = cachedKey{Public: k.Public, Active: k.Active, DeactivateAt: k.DeactivateAt}
	}
	buf, err := json.Marshal(stored)
	if err != nil {
		return
	}
	ms := c.opts.TTL.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	_, _ = c.do(ctx, []string{"SET", c.fullKey(agentID), string(buf), "PX", strconv.FormatInt(ms, 10)})
}

// Invalidate drops a cached entry, used after key rotation so a stale
// deactivated key doesn't linger for the rest of its TTL.
func (c *KeyCache) Invalidate(ctx context.Context, agentID string) {
	if c == nil {
		return
	}
	_, _ = c.do(ctx, []string{"DEL", c.fullKey(agentID)})
}

// Ping reports whether the cache is reachable; used only by health checks.
func (c *KeyCache) Ping(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("cache: not configured")
	}
	v, err := c.do(ctx, []string{"PING"})
	if err != nil {
		return err
	}
	if v.kind != respSimple || v.str != "PONG" {
		return fmt.Errorf("cache: unexpected PING reply")
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////
// Minimal RESP2 protocol, dial-per-call.
////////////////////////////////////////////////////////////////////////////

type respKind int

const (
	respSimple respKind = iota
	respErr
	respInt
	respBulk
	respArray
	respNil
)

type respValue struct {
	kind respKind
	str  string
	i    int64
	bulk []byte
	arr  []respValue
}

func (c *KeyCache) do(ctx context.Context, args []string) (respValue, error) {
	conn, err := (&net.Dialer{Timeout: c.opts.DialTimeout}).DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return respValue{}, fmt.Errorf("cache: dial %s: %w", c.opts.Addr, err)
	}
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	if c.opts.Password != "" {
		if _, err := c.sendAndRead(conn, rw, []string{"AUTH", c.opts.Password}); err != nil {
			return respValue{}, err
		}
	}
	return c.sendAndRead(conn, rw, args)
}

func (c *KeyCache) sendAndRead(conn net.Conn, rw *bufio.ReadWriter, args []string) (respValue, error) {
	deadline := time.Now().Add(c.opts.WriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := writeArray(rw.Writer, args); err != nil {
		return respValue{}, fmt.Errorf("cache: write: %w", err)
	}
	if err := rw.Flush(); err != nil {
		return respValue{}, fmt.Errorf("cache: flush: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	v, err := readValue(rw.Reader)
	if err != nil {
		return respValue{}, fmt.Errorf("cache: read: %w", err)
	}
	if v.kind == respErr {
		return respValue{}, fmt.Errorf("cache: server error: %s", v.str)
	}
	return v, nil
}

func writeArray(w *bufio.Writer, args []string) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(args)); err != nil {
		return err
	}
	for _, a := range args {
		if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(a), a); err != nil {
			return err
		}
	}
	return nil
}

func readValue(r *bufio.Reader) (respValue, error) {
	line, err := readLine(r)
	if err != nil {
		return respValue{}, err
	}
	if len(line) == 0 {
		return respValue{}, fmt.Errorf("empty reply line")
	}
	switch line[0] {
	case '+':
		return respValue{kind: respSimple, str: line[1:]}, nil
	case '-':
		return respValue{kind: respErr, str: line[1:]}, nil
	case ':':
		n, err := strconv.ParseInt(line[1:], 10, 64)
		if err != nil {
			return respValue{}, err
		}
		return respValue{kind: respInt, i: n}, nil
	case '$':
		n, err := strconv.Atoi(line[1:])
		if err != nil {
			return respValue{}, err
		}
		if n < 0 {
			return respValue{kind: respNil}, nil
		}
		buf := make([]byte, n+2)
		if _, err := readFull(r, buf); err != nil {
			return respValue{}, err
		}
		return respValue{kind: respBulk, bulk: buf[:n]}, nil
	case '*':
		n, err := strconv.Atoi(line[1:])
		if err != nil {
			return respValue{}, err
		}
		if n < 0 {
			return respValue{kind: respNil}, nil
		}
		out := make([]respValue, n)
		for i := 0; i < n; i++ {
			v, err := readValue(r)
			if err != nil {
				return respValue{}, err
			}
			out[i] = v
		}
		return respValue{kind: respArray, arr: out}, nil
	default:
		return respValue{}, fmt.Errorf("unexpected reply prefix %q", line[0])
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	n := len(line)
	if n >= 2 && line[n-2] == '\r' {
		return line[:n-2], nil
	}
	if n >= 1 && line[n-1] == '\n' {
		return line[:n-1], nil
	}
	return line, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
