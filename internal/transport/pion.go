package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/roomlink/internal/logging"
	"github.com/mossy-p/roomlink/internal/models"
	pionlog "github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("transport")

// DataChannelLabel names the ordered channel carrying application messages.
const DataChannelLabel = "game"

// PionConfig configures NewPionFactory.
type PionConfig struct {
	ICEServers    []webrtc.ICEServer
	LoggerFactory pionlog.LoggerFactory
	// API overrides the pion API, for example one bound to a virtual network.
	API *webrtc.API
}

// PionFactory creates pion/webrtc peer connections with one ordered data
// channel each.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewPionFactory(cfg PionConfig) *PionFactory {
	api := cfg.API
	if api == nil {
		se := webrtc.SettingEngine{}
		if cfg.LoggerFactory != nil {
			se.LoggerFactory = cfg.LoggerFactory
		}
		api = webrtc.NewAPI(webrtc.WithSettingEngine(se))
	}
	return &PionFactory{
		api:    api,
		config: webrtc.Configuration{ICEServers: cfg.ICEServers},
	}
}

func (f *PionFactory) NewTransport(remote models.ParticipantID, role models.Role, ev Events) (Transport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &pionTransport{remote: remote, pc: pc, ev: ev}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Warnw("encode local candidate", "peer", remote, "err", err)
			return
		}
		if t.live() && ev.OnCandidate != nil {
			ev.OnCandidate(data)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugw("connection state", "peer", remote, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			t.fireClosed()
		}
	})

	switch role {
	case models.RoleInitiator:
		ordered := true
		dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		t.attach(dc)
	case models.RoleResponder:
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != DataChannelLabel {
				log.Warnw("ignoring unexpected data channel", "peer", remote, "label", dc.Label())
				return
			}
			t.attach(dc)
		})
	default:
		_ = pc.Close()
		return nil, fmt.Errorf("unknown role %q", role)
	}
	return t, nil
}

type pionTransport struct {
	remote models.ParticipantID
	pc     *webrtc.PeerConnection
	ev     Events

	mu        sync.Mutex
	closed    bool
	remoteSet bool
	// candidates received before the remote description, applied once it is set
	pending []webrtc.ICECandidateInit

	closeOnce sync.Once
}

func (t *pionTransport) live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *pionTransport) attach(dc *webrtc.DataChannel) {
	ch := &pionChannel{dc: dc}
	dc.OnOpen(func() {
		if t.live() && t.ev.OnReady != nil {
			t.ev.OnReady(ch)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if len(msg.Data) == 0 {
			return
		}
		if t.live() && t.ev.OnMessage != nil {
			t.ev.OnMessage(msg.Data)
		}
	})
	dc.OnClose(t.fireClosed)
}

// fireClosed reports the first failure or close, unless Close was called
// locally.
func (t *pionTransport) fireClosed() {
	if !t.live() {
		return
	}
	t.closeOnce.Do(func() {
		if t.ev.OnClosed != nil {
			t.ev.OnClosed()
		}
	})
}

func (t *pionTransport) CreateOffer() (json.RawMessage, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(t.pc.LocalDescription())
}

func (t *pionTransport) CreateAnswer() (json.RawMessage, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(t.pc.LocalDescription())
}

func (t *pionTransport) ApplyRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("parse session description: %w", err)
	}
	if sd.SDP == "" {
		return errors.New("empty session description")
	}
	if err := t.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			log.Warnw("buffered candidate rejected", "peer", t.remote, "err", err)
		}
	}
	return nil
}

func (t *pionTransport) AddRemoteCandidate(candidate json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &c); err != nil {
		return fmt.Errorf("parse ICE candidate: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.remoteSet {
		t.pending = append(t.pending, c)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.pending = nil
	t.mu.Unlock()
	return t.pc.Close()
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Send(data []byte) error {
	if !c.Writable() {
		return ErrNotReady
	}
	return c.dc.Send(data)
}

func (c *pionChannel) Writable() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}
