// Package pool implements the worker pool (spec §4.2, C2): acquiring,
// releasing, and destroying worker subprocesses keyed by
// (executable, environment), with per-worker broadcast residency
// tracking. Spawning follows the same convention as the teacher's
// server/cborplugin.Client.launch: the child process announces, on the
// first line of its stdout, the path of a unix domain socket it has
// bound; the pool dials that socket and uses it as the worker's
// bidirectional byte stream.
package pool

import (
	"bufio"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/taskbridge/core/log"
	"github.com/katzenpost/taskbridge/core/task"
	"github.com/katzenpost/taskbridge/core/wire"
	"github.com/katzenpost/taskbridge/core/worker"
)

// Worker is a connected subprocess: a bidirectional framed byte stream
// plus a handle suitable for forced destruction.
type Worker struct {
	Conn *wire.Conn

	cmd       *exec.Cmd
	conn      net.Conn
	key       poolKey
	spawnedAt time.Time
	lastUsed  time.Time
}

// poolKey identifies a pool bucket: an executable plus the full
// contents of its environment map (spec §4.2 "env equality is by full
// map contents").
type poolKey struct {
	executable string
	envFP      string
}

func newPoolKey(executable string, env map[string]string) poolKey {
	return poolKey{executable: executable, envFP: fingerprintEnv(env)}
}

func fingerprintEnv(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// Pool is the host-wide cache of idle workers keyed by (executable,
// env). All mutation is serialized by a single lock (spec §4.2/§5).
type Pool struct {
	worker.Worker

	mu   sync.Mutex
	idle map[poolKey][]*Worker
	// broadcasts is the per-worker resident-broadcast set. It is keyed
	// by *Worker so that Destroy (the single choke point, spec §9) can
	// delete the entry and let it be reclaimed; nothing else touches a
	// worker's set concurrently (spec §3, §5 ownership invariant).
	broadcasts map[*Worker]map[int64]struct{}

	local        task.LocalStorage
	bufSize      int
	log          *logging.Logger
	idleTTL      time.Duration
	stopReapOnce sync.Once
}

// New constructs a Pool. bufSize is the io.buffer.size option (spec
// §4.1) applied to every worker's Conn; idleTTL, if non-zero, bounds
// how long an idle worker is kept before the reaper destroys it
// (SPEC_FULL.md supplement, off by default).
func New(logBackend *log.Backend, local task.LocalStorage, bufSize int, idleTTL time.Duration) *Pool {
	p := &Pool{
		idle:       make(map[poolKey][]*Worker),
		broadcasts: make(map[*Worker]map[int64]struct{}),
		local:      local,
		bufSize:    bufSize,
		log:        logBackend.GetLogger("pool"),
		idleTTL:    idleTTL,
	}
	if idleTTL > 0 {
		p.Go(p.reap)
	}
	return p
}

// Acquire returns a connected worker for (executable, env), reusing an
// idle one if present, otherwise spawning a new subprocess (spec
// §4.2). env is copied and, before spawning/reuse-check, populated
// with LOCAL_DIRS (always) and REUSE_WORKER=1 when reuse is requested.
func (p *Pool) Acquire(executable string, env map[string]string, reuse bool) (*Worker, error) {
	fullEnv := make(map[string]string, len(env)+2)
	for k, v := range env {
		fullEnv[k] = v
	}
	fullEnv["LOCAL_DIRS"] = strings.Join(p.local.Dirs(), ",")
	if reuse {
		fullEnv["REUSE_WORKER"] = "1"
	}

	key := newPoolKey(executable, fullEnv)

	p.mu.Lock()
	if bucket := p.idle[key]; len(bucket) > 0 {
		w := bucket[len(bucket)-1]
		p.idle[key] = bucket[:len(bucket)-1]
		p.mu.Unlock()
		p.log.Debugf("acquire: reusing pooled worker for %s", executable)
		return w, nil
	}
	p.mu.Unlock()

	p.log.Debugf("acquire: spawning new worker for %s", executable)
	return p.spawn(executable, fullEnv, key)
}

func (p *Pool) spawn(executable string, env map[string]string, key poolKey) (*Worker, error) {
	cmd := exec.Command(executable)
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pool: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pool: start %s: %w", executable, err)
	}

	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("pool: worker %s exited before announcing a socket path", executable)
	}
	sockPath := scanner.Text()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("pool: dial worker socket %q: %w", sockPath, err)
	}

	w := &Worker{
		Conn:      wire.NewConn(conn, p.bufSize),
		cmd:       cmd,
		conn:      conn,
		key:       key,
		spawnedAt: time.Now(),
		lastUsed:  time.Now(),
	}
	return w, nil
}

// Release returns w to the idle pool for (executable, env), callable
// only after the worker has emitted END_OF_STREAM for its current task
// (spec §4.2).
func (p *Pool) Release(w *Worker) {
	w.lastUsed = time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle[w.key] = append(p.idle[w.key], w)
	p.log.Debugf("release: returned worker to pool (key=%s)", w.key.executable)
}

// Destroy forcibly terminates w; idempotent (spec §4.5 "known race",
// §9 open question): destroying an already-destroyed or unrecognized
// worker is a no-op rather than an error.
func (p *Pool) Destroy(w *Worker) {
	if w == nil {
		return
	}
	p.mu.Lock()
	delete(p.broadcasts, w)
	// Also drop it from the idle bucket if present (a worker can be
	// destroyed while sitting idle, e.g. by the TTL reaper).
	if bucket, ok := p.idle[w.key]; ok {
		filtered := bucket[:0]
		for _, bw := range bucket {
			if bw != w {
				filtered = append(filtered, bw)
			}
		}
		p.idle[w.key] = filtered
	}
	p.mu.Unlock()

	w.closeOnce()
}

// HalfCloseWrite closes only the write half of w's socket, if the
// underlying connection supports it (unix/tcp conns do), so the worker
// observes EOF on its input without the process being killed outright.
// Falls back to a full close for connection types without CloseWrite
// (e.g. net.Pipe, used in tests), matching the feeder's error-path
// contract in spec §4.3.
func (w *Worker) HalfCloseWrite() error {
	conn := w.conn
	if conn == nil {
		return nil
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return conn.Close()
}

func (w *Worker) closeOnce() {
	if w.conn == nil {
		return
	}
	conn := w.conn
	w.conn = nil
	_ = conn.Close()
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
		go w.cmd.Wait()
	}
}

// BroadcastsFor returns w's resident-broadcast set, creating an empty
// one on first use (spec §4.2). The returned map is shared and must
// only be mutated by the single feeder that currently owns w (spec §5
// ownership invariant).
func (p *Pool) BroadcastsFor(w *Worker) map[int64]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.broadcasts[w]
	if !ok {
		set = make(map[int64]struct{})
		p.broadcasts[w] = set
	}
	return set
}

// Close destroys every idle worker in the pool (host shutdown, spec
// §9: "construct once per host instance, destroy ... on host
// shutdown").
func (p *Pool) Close() {
	p.stopReapOnce.Do(p.Halt)

	p.mu.Lock()
	var toDestroy []*Worker
	for _, bucket := range p.idle {
		toDestroy = append(toDestroy, bucket...)
	}
	p.idle = make(map[poolKey][]*Worker)
	p.mu.Unlock()

	for _, w := range toDestroy {
		p.Destroy(w)
	}
}

// reap periodically destroys idle workers that have sat unused longer
// than idleTTL (SPEC_FULL.md supplement, grounded on
// server/internal/decoy's timer+halt-channel sweep idiom).
func (p *Pool) reap() {
	interval := p.idleTTL
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.HaltCh():
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	now := time.Now()
	p.mu.Lock()
	var stale []*Worker
	for key, bucket := range p.idle {
		fresh := bucket[:0]
		for _, w := range bucket {
			if now.Sub(w.lastUsed) > p.idleTTL {
				stale = append(stale, w)
			} else {
				fresh = append(fresh, w)
			}
		}
		p.idle[key] = fresh
	}
	p.mu.Unlock()

	for _, w := range stale {
		p.log.Debugf("reap: destroying idle worker past TTL")
		p.Destroy(w)
	}
}
