package jmux

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const registerQueueSize = 256

// creditPollInterval bounds how long the write pump waits for the peer
// to replenish send credit via WindowAdjust before checking again.
const creditPollInterval = 20 * time.Millisecond

// OpenResult is delivered to the caller of OpenChannel once the peer
// answers with OpenSuccess or OpenFailure.
type OpenResult struct {
	Channel    *Channel
	ReasonCode uint32 // valid only when Err != nil
	Err        error
}

type openRequest struct {
	destURL  string
	response chan OpenResult
}

// OpenHandler decides how to answer an inbound Open request from the
// peer (spec.md §4.5/§4.6: translated from a SOCKS5/HTTP-CONNECT
// request on the far end). Returning accept=false rejects the channel
// with the returned reason code.
type OpenHandler func(ctx context.Context, destinationURL string) (accept bool, reasonCode uint32)

// Mux drives one JMUX connection: a single reader goroutine parsing
// frames, a single event-loop goroutine owning the channel table
// (spec.md §5: "JMUX channel table: owned by the mux event loop;
// mutations happen only inside that loop, which receives commands over
// a bounded channel"), and per-channel consumers attached via Start.
type Mux struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex

	OnIncomingOpen OpenHandler

	// OnChannelOpened, when set, is invoked (in its own goroutine) right
	// after an incoming Open is accepted and OpenSuccess has been sent.
	// This is the hook a server-role mux (spec.md §4.3: a raw "JMUX"
	// listener) uses to actually dial the channel's destination and
	// attach it via Start — OnIncomingOpen alone only decides accept/
	// reject, it never sees the resulting Channel.
	OnChannelOpened func(ch *Channel, destinationURL string)

	// Metrics, when set, tracks the number of open channels (C12's
	// gateway_jmux_channels_active) across every successfully opened
	// channel, incoming or outgoing.
	Metrics interface {
		AddJMUXChannel(delta int)
	}

	registerC chan openRequest
	frameC    chan Frame
	doneC     chan struct{}

	mu       sync.Mutex
	channels map[uint32]*Channel
	nextID   uint32
	pending  map[uint32]chan OpenResult

	log *logrus.Entry
}

// New wires a Mux over conn. Run must be called to start its loops.
func New(conn io.ReadWriteCloser) *Mux {
	return &Mux{
		conn:      conn,
		registerC: make(chan openRequest, registerQueueSize),
		frameC:    make(chan Frame, registerQueueSize),
		doneC:     make(chan struct{}),
		channels:  make(map[uint32]*Channel),
		pending:   make(map[uint32]chan OpenResult),
		log:       logrus.WithField("component", "jmux"),
	}
}

// Run drives the mux until ctx is cancelled or the connection fails.
// It blocks; callers should invoke it in its own goroutine.
func (m *Mux) Run(ctx context.Context) error {
	readErrC := make(chan error, 1)
	go m.readLoop(readErrC)

	defer close(m.doneC)
	for {
		select {
		case <-ctx.Done():
			m.conn.Close()
			return ctx.Err()
		case err := <-readErrC:
			return err
		case req := <-m.registerC:
			m.handleOpenRequest(req)
		case frame := <-m.frameC:
			if err := m.handleFrame(frame); err != nil {
				m.log.WithError(err).Debug("dropping JMUX frame")
			}
		}
	}
}

func (m *Mux) readLoop(errC chan<- error) {
	for {
		frame, err := ReadFrame(m.conn)
		if err != nil {
			errC <- err
			return
		}
		select {
		case m.frameC <- frame:
		case <-m.doneC:
			return
		}
	}
}

// OpenChannel requests a new outbound channel toward destinationURL,
// via the bounded register queue (spec.md §4.5: "try_send drops the
// registration rather than blocking the worker" under backpressure).
func (m *Mux) OpenChannel(ctx context.Context, destinationURL string) (*Channel, error) {
	resp := make(chan OpenResult, 1)
	req := openRequest{destURL: destinationURL, response: resp}

	select {
	case m.registerC <- req:
	default:
		return nil, errors.New("jmux register queue full, dropping open request")
	}

	select {
	case res := <-resp:
		if res.Err != nil {
			return nil, &OpenError{ReasonCode: res.ReasonCode, Err: res.Err}
		}
		return res.Channel, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenError is returned by OpenChannel when the peer refuses an Open
// request; ReasonCode mirrors SOCKS5 (spec.md §4.5) and lets callers
// like the SOCKS5/HTTP-CONNECT acceptors translate it directly.
type OpenError struct {
	ReasonCode uint32
	Err        error
}

func (e *OpenError) Error() string { return e.Err.Error() }
func (e *OpenError) Unwrap() error { return e.Err }

func (m *Mux) handleOpenRequest(req openRequest) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := newChannel(id)
	ch.setState(StateOpening)
	m.channels[id] = ch
	m.pending[id] = req.response
	m.mu.Unlock()

	if err := m.writeFrame(func(w io.Writer) error {
		return WriteOpen(w, OpenBody{
			ChannelID:      id,
			InitialWindow:  DefaultInitialWindow,
			MaxPacketSize:  DefaultMaxPacketSize,
			DestinationURL: req.destURL,
		})
	}); err != nil {
		m.mu.Lock()
		delete(m.channels, id)
		delete(m.pending, id)
		m.mu.Unlock()
		req.response <- OpenResult{Err: err}
	}
}

func (m *Mux) handleFrame(frame Frame) error {
	switch frame.Type {
	case FrameOpen:
		body, err := ParseOpen(frame.Body)
		if err != nil {
			return err
		}
		return m.handleIncomingOpen(body)
	case FrameOpenSuccess:
		body, err := ParseOpenSuccess(frame.Body)
		if err != nil {
			return err
		}
		m.mu.Lock()
		ch, ok := m.channels[body.RecipientChannelID]
		respCh, hasResp := m.pending[body.RecipientChannelID]
		delete(m.pending, body.RecipientChannelID)
		m.mu.Unlock()
		if !ok {
			return nil
		}
		ch.markOpen(body.SenderChannelID, body.InitialWindow, body.MaxPacketSize)
		if m.Metrics != nil {
			m.Metrics.AddJMUXChannel(1)
		}
		if hasResp {
			respCh <- OpenResult{Channel: ch}
		}
		return nil
	case FrameOpenFailure:
		body, err := ParseOpenFailure(frame.Body)
		if err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.channels, body.RecipientChannelID)
		respCh, hasResp := m.pending[body.RecipientChannelID]
		delete(m.pending, body.RecipientChannelID)
		m.mu.Unlock()
		if hasResp {
			respCh <- OpenResult{ReasonCode: body.ReasonCode, Err: errors.New(body.Description)}
		}
		return nil
	case FrameWindowAdjust:
		body, err := ParseWindowAdjust(frame.Body)
		if err != nil {
			return err
		}
		ch, ok := m.lookup(body.ChannelID)
		if !ok {
			return nil
		}
		if err := ch.creditSend(body.Adjustment); err != nil {
			m.dropChannel(ch.ID)
			return err
		}
		return nil
	case FrameData:
		body, err := ParseData(frame.Body)
		if err != nil {
			return err
		}
		ch, ok := m.lookup(body.ChannelID)
		if !ok || ch.State() == StateClosed {
			return nil
		}
		adjust, err := ch.consumeRecv(uint32(len(body.Payload)))
		if err != nil {
			m.dropChannel(ch.ID)
			return err
		}
		select {
		case ch.DataOut <- body.Payload:
		default:
			m.dropChannel(ch.ID)
			return errors.New("channel consumer too slow, dropping")
		}
		return m.writeFrame(func(w io.Writer) error {
			return WriteWindowAdjust(w, WindowAdjustBody{ChannelID: ch.PeerID, Adjustment: adjust})
		})
	case FrameEof:
		body, err := ParseEof(frame.Body)
		if err != nil {
			return err
		}
		ch, ok := m.lookup(body.ChannelID)
		if !ok {
			return nil
		}
		if ch.onRecvEof() {
			ch.closeDataOut()
		}
		return nil
	case FrameClose:
		body, err := ParseClose(frame.Body)
		if err != nil {
			return err
		}
		m.dropChannel(body.ChannelID)
		return nil
	default:
		return nil
	}
}

func (m *Mux) handleIncomingOpen(body OpenBody) error {
	accept := true
	var reasonCode uint32 = ReasonGeneralFailure
	if m.OnIncomingOpen != nil {
		accept, reasonCode = m.OnIncomingOpen(context.Background(), body.DestinationURL)
	}
	if !accept {
		return m.writeFrame(func(w io.Writer) error {
			return WriteOpenFailure(w, OpenFailureBody{
				RecipientChannelID: body.ChannelID,
				ReasonCode:         reasonCode,
				Description:        "rejected",
			})
		})
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := newChannel(id)
	ch.markOpen(body.ChannelID, body.InitialWindow, body.MaxPacketSize)
	m.channels[id] = ch
	m.mu.Unlock()
	if m.Metrics != nil {
		m.Metrics.AddJMUXChannel(1)
	}

	if err := m.writeFrame(func(w io.Writer) error {
		return WriteOpenSuccess(w, OpenSuccessBody{
			RecipientChannelID: body.ChannelID,
			SenderChannelID:    id,
			InitialWindow:      DefaultInitialWindow,
			MaxPacketSize:      DefaultMaxPacketSize,
		})
	}); err != nil {
		return err
	}

	if m.OnChannelOpened != nil {
		go m.OnChannelOpened(ch, body.DestinationURL)
	}
	return nil
}

func (m *Mux) lookup(id uint32) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	return ch, ok
}

func (m *Mux) dropChannel(id uint32) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	delete(m.channels, id)
	delete(m.pending, id)
	m.mu.Unlock()
	if ok {
		if m.Metrics != nil {
			m.Metrics.AddJMUXChannel(-1)
		}
		ch.onClose()
	}
}

// SendData writes a Data frame for ch, clamped to its current send
// budget; callers loop until their payload is exhausted.
func (m *Mux) SendData(ch *Channel, payload []byte) (int, error) {
	budget := ch.SendBudget()
	if budget == 0 {
		return 0, nil
	}
	n := len(payload)
	if uint32(n) > budget {
		n = int(budget)
	}
	if err := m.writeFrame(func(w io.Writer) error {
		return WriteData(w, DataBody{ChannelID: ch.PeerID, Payload: payload[:n]})
	}); err != nil {
		return 0, err
	}
	ch.reserveSend(uint32(n))
	return n, nil
}

// SendEof signals no more Data will come from us on ch (spec.md §4.5).
func (m *Mux) SendEof(ch *Channel) error {
	if !ch.onSendEof() {
		return nil
	}
	return m.writeFrame(func(w io.Writer) error { return WriteEof(w, ch.PeerID) })
}

// SendClose closes ch; Close must be the last frame on the channel.
func (m *Mux) SendClose(ch *Channel) error {
	if !ch.onClose() {
		return nil
	}
	return m.writeFrame(func(w io.Writer) error { return WriteClose(w, ch.PeerID) })
}

func (m *Mux) writeFrame(f func(io.Writer) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return f(m.conn)
}

// Start attaches a local stream to an opened channel, pumping Data in
// both directions and driving the window/Eof/Close handshakes until
// either side closes (spec.md §4.5: "Start { id, stream, leftover_bytes
// } attaches a local byte stream to an opened channel; the mux drives
// the data/window pumps until the stream or the channel closes").
func (m *Mux) Start(ctx context.Context, ch *Channel, stream io.ReadWriter, leftover []byte) error {
	errC := make(chan error, 2)

	go func() {
		if len(leftover) > 0 {
			if _, err := stream.Write(leftover); err != nil {
				errC <- err
				return
			}
		}
		for payload := range ch.DataOut {
			if _, err := stream.Write(payload); err != nil {
				errC <- err
				return
			}
		}
		errC <- nil
	}()

	go func() {
		buf := make([]byte, DefaultMaxPacketSize)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				sent := 0
				for sent < n {
					written, werr := m.SendData(ch, buf[sent:n])
					if werr != nil {
						errC <- werr
						return
					}
					if written == 0 {
						select {
						case <-ctx.Done():
							errC <- ctx.Err()
							return
						case <-time.After(creditPollInterval):
						}
						continue
					}
					sent += written
				}
			}
			if err != nil {
				if err == io.EOF {
					errC <- m.SendEof(ch)
					return
				}
				errC <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		m.SendClose(ch)
		return ctx.Err()
	case err := <-errC:
		return err
	}
}
