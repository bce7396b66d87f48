// Package wsfeed implements WSConnector: one per-category public
// WebSocket client that subscribes to ticker streams, reconnects on
// staleness, and feeds parsed frames into the Store. The reconnect loop
// is grounded on the teacher's AlpacaStreamer.manualReconnectLoop,
// generalized from a fixed-doubling backoff to the bounded delay
// sequence this feed needs.
package wsfeed

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/billygk/fundingwatch/internal/logger"
	"github.com/billygk/fundingwatch/internal/models"
)

// subscribeFrameRateLimit bounds how often this connector emits
// subscribe/unsubscribe control frames. It exists for the resubscribe
// burst a large RestoreFull or a rescan's extend-subscriptions call can
// trigger — without it, a watchlist with hundreds of new symbols would
// fire as many frames back-to-back as chunking allows in one instant.
const subscribeFrameRateLimit = 5 // frames/sec

// reconnectDelays is the bounded sequence of wait times between
// reconnection attempts; it holds at the final value rather than
// growing without bound.
var reconnectDelays = []time.Duration{
	1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second,
}

// TickerSink is the Store's write surface the connector pushes patches
// into. Kept narrow so the connector doesn't depend on the whole store
// package.
type TickerSink interface {
	MergeTicker(symbol models.Symbol, patch models.LiveTicker)
}

type opKind int

const (
	opAdd opKind = iota
	opRemove
	opSwitchTo
	opRestoreFull
)

type mailboxOp struct {
	kind    opKind
	symbols []models.Symbol
	done    chan struct{}
}

// Connector manages a single category's public WS connection.
type Connector struct {
	category    models.Category
	url         string
	chunkSize   int
	idleTimeout time.Duration
	sink        TickerSink
	frameLim    *rate.Limiter

	mailbox chan mailboxOp

	mu      sync.Mutex
	symbols map[models.Symbol]bool

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex
}

// New builds a Connector for one category. It does nothing network-wise
// until Run is called.
func New(category models.Category, url string, chunkSize int, idleTimeout time.Duration, sink TickerSink, initial []models.Symbol) *Connector {
	symbols := make(map[models.Symbol]bool, len(initial))
	for _, s := range initial {
		symbols[s] = true
	}
	return &Connector{
		category:    category,
		url:         url,
		chunkSize:   chunkSize,
		idleTimeout: idleTimeout,
		sink:        sink,
		frameLim:    rate.NewLimiter(rate.Limit(subscribeFrameRateLimit), subscribeFrameRateLimit),
		mailbox:     make(chan mailboxOp, 16),
		symbols:     symbols,
	}
}

// AddSymbols, RemoveSymbols, SwitchTo and RestoreFull are atomic from the
// caller's perspective: the call blocks until the mailbox has processed
// the op, so the caller never observes a partial subscription state.
func (c *Connector) AddSymbols(symbols []models.Symbol)    { c.submit(opAdd, symbols) }
func (c *Connector) RemoveSymbols(symbols []models.Symbol) { c.submit(opRemove, symbols) }
func (c *Connector) SwitchTo(symbol models.Symbol)         { c.submit(opSwitchTo, []models.Symbol{symbol}) }
func (c *Connector) RestoreFull(linear, inverse []models.Symbol) {
	all := make([]models.Symbol, 0, len(linear)+len(inverse))
	all = append(all, linear...)
	all = append(all, inverse...)
	c.submit(opRestoreFull, all)
}

func (c *Connector) submit(kind opKind, symbols []models.Symbol) {
	done := make(chan struct{})
	c.mailbox <- mailboxOp{kind: kind, symbols: symbols, done: done}
	<-done
}

// Run drives the connector until ctx is cancelled: connect, subscribe,
// read frames, reconnect with bounded backoff on staleness or error.
// Inbound parsing and outbound mailbox draining run as separate
// goroutines per connection so a slow subscriber never blocks ticker
// ingestion.
func (c *Connector) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connected, err := c.runOnce(ctx)
		if err != nil {
			logger.Warnf("wsfeed[%s]: connection ended: %v", c.category, err)
		}
		if connected {
			attempt = 0
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		delay := reconnectDelays[attempt]
		if attempt < len(reconnectDelays)-1 {
			attempt++
		}
		logger.Infof("wsfeed[%s]: reconnecting in %v", c.category, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// runOnce owns exactly one connection's lifetime: dial, subscribe to the
// current symbol set, then fan in frame-reading and mailbox-draining
// until ctx cancels or the connection goes stale/errors. The returned
// bool reports whether a connection was actually established, so Run can
// reset its backoff counter on success per the spec's delay sequence.
func (c *Connector) runOnce(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, err
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer conn.Close()

	c.mu.Lock()
	initial := c.symbolList()
	c.mu.Unlock()
	if err := c.subscribe(conn, initial); err != nil {
		return false, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lastFrame := make(chan struct{}, 1)
	errc := make(chan error, 2)

	go c.readLoop(conn, lastFrame, errc)
	go c.mailboxLoop(connCtx, conn, errc)
	go c.pingLoop(connCtx, conn, errc)

	idleTimer := time.NewTimer(c.idleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-lastFrame:
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(c.idleTimeout)
		case <-idleTimer.C:
			return true, errIdleTimeout
		case err := <-errc:
			return true, err
		}
	}
}

var errIdleTimeout = errIdleTimeoutErr{}

type errIdleTimeoutErr struct{}

func (errIdleTimeoutErr) Error() string { return "no frames received within idle timeout" }

func (c *Connector) readLoop(conn *websocket.Conn, lastFrame chan<- struct{}, errc chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errc <- err
			return
		}

		select {
		case lastFrame <- struct{}{}:
		default:
		}

		patch, symbol, ok := parseTickerFrame(data)
		if !ok {
			continue
		}
		c.sink.MergeTicker(symbol, patch)
	}
}

type pingFrame struct {
	Op string `json:"op"`
}

// pingLoop actively sends "{"op":"ping"}" control frames at half the idle
// timeout, per Bybit's v5 public WS protocol: the server drops connections
// that never hear from the client, regardless of how much it's sending.
// The reply (or any other inbound frame) still resets the idle timer via
// readLoop, so pingLoop only needs to keep the server from seeing silence.
func (c *Connector) pingLoop(ctx context.Context, conn *websocket.Conn, errc chan<- error) {
	interval := c.idleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteJSON(pingFrame{Op: "ping"})
			c.writeMu.Unlock()
			if err != nil {
				select {
				case errc <- err:
				default:
				}
				return
			}
		}
	}
}

// mailboxLoop drains control operations and applies them to both the
// local symbol set and the live connection's subscriptions, never
// blocking on readLoop.
func (c *Connector) mailboxLoop(ctx context.Context, conn *websocket.Conn, errc chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-c.mailbox:
			c.applyOp(conn, op, errc)
		}
	}
}

func (c *Connector) applyOp(conn *websocket.Conn, op mailboxOp, errc chan<- error) {
	defer close(op.done)

	c.mu.Lock()
	switch op.kind {
	case opAdd:
		for _, s := range op.symbols {
			c.symbols[s] = true
		}
	case opRemove:
		for _, s := range op.symbols {
			delete(c.symbols, s)
		}
	case opSwitchTo:
		c.symbols = map[models.Symbol]bool{op.symbols[0]: true}
	case opRestoreFull:
		c.symbols = make(map[models.Symbol]bool, len(op.symbols))
		for _, s := range op.symbols {
			c.symbols[s] = true
		}
	}
	toSubscribe := c.symbolList()
	c.mu.Unlock()

	var err error
	switch op.kind {
	case opRemove:
		err = c.unsubscribe(conn, op.symbols)
	default:
		err = c.subscribe(conn, toSubscribe)
	}
	if err != nil {
		select {
		case errc <- err:
		default:
		}
	}
}

func (c *Connector) symbolList() []models.Symbol {
	out := make([]models.Symbol, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	return out
}

type subscribeFrame struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// subscribe sends chunked "tickers.<SYMBOL>" subscribe frames, at most
// chunkSize args per frame per the exchange's per-frame cap.
func (c *Connector) subscribe(conn *websocket.Conn, symbols []models.Symbol) error {
	return c.sendChunked(conn, "subscribe", symbols)
}

func (c *Connector) unsubscribe(conn *websocket.Conn, symbols []models.Symbol) error {
	return c.sendChunked(conn, "unsubscribe", symbols)
}

func (c *Connector) sendChunked(conn *websocket.Conn, op string, symbols []models.Symbol) error {
	for i := 0; i < len(symbols); i += c.chunkSize {
		end := i + c.chunkSize
		if end > len(symbols) {
			end = len(symbols)
		}
		if err := c.frameLim.Wait(context.Background()); err != nil {
			return err
		}

		args := make([]string, 0, end-i)
		for _, s := range symbols[i:end] {
			args = append(args, "tickers."+string(s))
		}
		frame := subscribeFrame{Op: op, Args: args}
		c.writeMu.Lock()
		err := conn.WriteJSON(frame)
		c.writeMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

type tickerFrame struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type tickerData struct {
	Symbol          string `json:"symbol"`
	FundingRate     string `json:"fundingRate"`
	Volume24h       string `json:"volume24h"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	NextFundingTime string `json:"nextFundingTime"`
	MarkPrice       string `json:"markPrice"`
	LastPrice       string `json:"lastPrice"`
}

// parseTickerFrame extracts a LiveTicker patch from one inbound WS
// message. Unknown topics (subscribe acks, pongs) are silently ignored
// by returning ok=false; a frame for a symbol the caller no longer
// tracks is harmless since Store.MergeTicker ignores untracked symbols.
func parseTickerFrame(data []byte) (models.LiveTicker, models.Symbol, bool) {
	var frame tickerFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Topic == "" {
		return models.LiveTicker{}, "", false
	}

	var td tickerData
	if err := json.Unmarshal(frame.Data, &td); err != nil || td.Symbol == "" {
		return models.LiveTicker{}, "", false
	}

	patch := models.LiveTicker{Ts: time.Now()}
	if d, err := decimal.NewFromString(td.FundingRate); err == nil {
		patch.FundingRate = &d
	}
	if d, err := decimal.NewFromString(td.Volume24h); err == nil {
		patch.Volume24h = &d
	}
	if d, err := decimal.NewFromString(td.Bid1Price); err == nil {
		patch.Bid1 = &d
	}
	if d, err := decimal.NewFromString(td.Ask1Price); err == nil {
		patch.Ask1 = &d
	}
	if n, err := strconv.ParseInt(td.NextFundingTime, 10, 64); err == nil {
		patch.NextFundingTime = &n
	}
	if d, err := decimal.NewFromString(td.MarkPrice); err == nil {
		patch.MarkPrice = &d
	}
	if d, err := decimal.NewFromString(td.LastPrice); err == nil {
		patch.LastPrice = &d
	}

	return patch, models.Symbol(td.Symbol), true
}
