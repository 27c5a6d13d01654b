// Package wsnet implements comm.Communicator over websocket connections, one
// process (or endpoint) per rank. Every rank serves an HTTP endpoint and dials
// every other rank; outgoing connections carry this rank's sends, incoming
// connections feed per-(source, tag) mailboxes.
package wsnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/notargets/meshhalo/comm"
	"github.com/notargets/meshhalo/utils"
	"github.com/sirupsen/logrus"
)

const (
	haloPath   = "/halo"
	mailboxCap = 4
)

// Comm is one rank's websocket endpoint
type Comm struct {
	rank  int
	addrs []string
	log   *logrus.Entry

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	// Dial policy for Connect
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration

	mu      sync.Mutex
	boxes   map[mailKey]chan []float64
	peers   []*peer
	inbound []*websocket.Conn

	failOnce sync.Once
	failure  error
	done     chan struct{}
}

type mailKey struct {
	source int
	tag    comm.Tag
}

type peer struct {
	mu   sync.Mutex // gorilla connections allow one concurrent writer
	conn *websocket.Conn
}

// Listen opens addrs[rank] and starts serving incoming rank connections
func Listen(rank int, addrs []string, log *logrus.Entry) (*Comm, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, fmt.Errorf("rank %d outside address list of %d ranks", rank, len(addrs))
	}
	ln, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addrs[rank], err)
	}
	return Serve(rank, addrs, ln, log), nil
}

// Serve starts serving incoming rank connections on an already open listener
func Serve(rank int, addrs []string, ln net.Listener, log *logrus.Entry) *Comm {
	c := &Comm{
		rank:            rank,
		addrs:           addrs,
		log:             utils.OrDiscard(log).WithField("transport", "websocket"),
		listener:        ln,
		InitialInterval: 50 * time.Millisecond,
		MaxElapsedTime:  30 * time.Second,
		boxes:           make(map[mailKey]chan []float64),
		peers:           make([]*peer, len(addrs)),
		done:            make(chan struct{}),
	}
	c.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(haloPath, c.handleRank)
	c.server = &http.Server{Handler: mux}
	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.fail(fmt.Errorf("serve: %w", err))
		}
	}()
	c.log.WithField("addr", ln.Addr().String()).Debug("serving halo endpoint")
	return c
}

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return len(c.addrs) }

// Addr returns the address this rank is serving on
func (c *Comm) Addr() net.Addr {
	return c.listener.Addr()
}

// Connect dials every other rank, retrying with exponential backoff until the
// peer is up or the dial policy gives up
func (c *Comm) Connect(ctx context.Context) error {
	for r := range c.addrs {
		if r == c.rank {
			continue
		}
		u := url.URL{
			Scheme:   "ws",
			Host:     c.addrs[r],
			Path:     haloPath,
			RawQuery: "rank=" + strconv.Itoa(c.rank),
		}

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = c.InitialInterval
		policy.MaxElapsedTime = c.MaxElapsedTime

		var conn *websocket.Conn
		dial := func() error {
			var err error
			conn, _, err = websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
			if err != nil {
				c.log.WithError(err).WithField("peer", r).Debug("dial failed, retrying")
			}
			return err
		}
		if err := backoff.Retry(dial, backoff.WithContext(policy, ctx)); err != nil {
			return fmt.Errorf("connect to rank %d at %s: %w", r, c.addrs[r], err)
		}

		c.mu.Lock()
		c.peers[r] = &peer{conn: conn}
		c.mu.Unlock()
	}
	c.log.WithField("peers", len(c.addrs)-1).Info("connected to all ranks")
	return nil
}

// SendRecv implements comm.Communicator
func (c *Comm) SendRecv(send []float64, dest int, recv []float64, source int, tag comm.Tag) error {
	if dest < 0 || dest >= len(c.addrs) || source < 0 || source >= len(c.addrs) {
		return fmt.Errorf("exchange partners %d/%d outside group of %d ranks", dest, source, len(c.addrs))
	}

	sendErr := make(chan error, 1)
	if len(send) > 0 {
		if dest == c.rank {
			payload := append([]float64(nil), send...)
			box := c.mailbox(c.rank, tag)
			go func() {
				select {
				case box <- payload:
					sendErr <- nil
				case <-c.done:
					sendErr <- c.err()
				}
			}()
		} else {
			frame := encodeFrame(tag, send)
			go func() { sendErr <- c.write(dest, frame) }()
		}
	} else {
		sendErr <- nil
	}

	if len(recv) > 0 {
		select {
		case got := <-c.mailbox(source, tag):
			if len(got) != len(recv) {
				return &comm.SizeMismatchError{Source: source, Tag: tag, Want: len(recv), Got: len(got)}
			}
			copy(recv, got)
		case <-c.done:
			return c.err()
		}
	}

	return <-sendErr
}

// Close tears down all connections; pending exchanges return comm.ErrAborted
func (c *Comm) Close() error {
	c.fail(comm.ErrAborted)

	c.mu.Lock()
	peers := c.peers
	inbound := c.inbound
	c.mu.Unlock()

	for _, p := range peers {
		if p == nil {
			continue
		}
		p.mu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = p.conn.Close()
		p.mu.Unlock()
	}
	for _, conn := range inbound {
		_ = conn.Close()
	}
	return c.server.Close()
}

func (c *Comm) write(dest int, frame []byte) error {
	c.mu.Lock()
	p := c.peers[dest]
	c.mu.Unlock()
	if p == nil {
		return fmt.Errorf("rank %d is not connected, call Connect first", dest)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		err = fmt.Errorf("send to rank %d: %w", dest, err)
		c.fail(err)
		return err
	}
	return nil
}

func (c *Comm) handleRank(w http.ResponseWriter, r *http.Request) {
	source, err := strconv.Atoi(r.URL.Query().Get("rank"))
	if err != nil || source < 0 || source >= len(c.addrs) || source == c.rank {
		http.Error(w, "invalid rank", http.StatusBadRequest)
		return
	}
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.WithError(err).WithField("peer", source).Warn("websocket upgrade failed")
		return
	}
	c.mu.Lock()
	c.inbound = append(c.inbound, conn)
	c.mu.Unlock()
	go c.readLoop(source, conn)
}

func (c *Comm) readLoop(source int, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.fail(fmt.Errorf("receive from rank %d: %w", source, err))
				}
			}
			return
		}
		tag, data, err := decodeFrame(msg)
		if err != nil {
			c.fail(fmt.Errorf("receive from rank %d: %w", source, err))
			return
		}
		select {
		case c.mailbox(source, tag) <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Comm) mailbox(source int, tag comm.Tag) chan []float64 {
	key := mailKey{source: source, tag: tag}
	c.mu.Lock()
	defer c.mu.Unlock()
	box, ok := c.boxes[key]
	if !ok {
		box = make(chan []float64, mailboxCap)
		c.boxes[key] = box
	}
	return box
}

// fail records the first fatal error and releases everything blocked on this rank
func (c *Comm) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.failure = err
		c.mu.Unlock()
		if !errors.Is(err, comm.ErrAborted) {
			c.log.WithError(err).Error("halo transport failed")
		}
		close(c.done)
	})
}

func (c *Comm) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}
