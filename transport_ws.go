package docsync

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type WebsocketTransportSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWebsocketTransportSettings() *WebsocketTransportSettings {
	return &WebsocketTransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
	}
}

// dials a websocket per connection attempt. The bearer token is
// fetched fresh on every dial so a refreshed credential takes effect
// on the next reconnect.
func NewWebsocketDialer(url string, tokens TokenProvider, settings *WebsocketTransportSettings) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		header := http.Header{}
		if tokens != nil {
			token, err := tokens.GetToken(ctx)
			if err != nil {
				return nil, err
			}
			if token != "" {
				header.Set("Authorization", "Bearer "+token)
			}
		}
		dialer := &websocket.Dialer{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return NewWebsocketTransport(ctx, ws, settings), nil
	}
}

// one frame per websocket text message, JSON encoded.
// an empty message is a ping and carries no frame.
type WebsocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *WebsocketTransportSettings

	// the websocket writer is not safe for concurrent use
	sendLock sync.Mutex
}

func NewWebsocketTransport(ctx context.Context, ws *websocket.Conn, settings *WebsocketTransportSettings) *WebsocketTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WebsocketTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
	}
	go transport.pingLoop()
	return transport
}

func (self *WebsocketTransport) pingLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
			self.sendLock.Lock()
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			err := self.ws.WriteMessage(websocket.TextMessage, make([]byte, 0))
			self.sendLock.Unlock()
			if err != nil {
				// a deadline timeout on a websocket cannot be recovered
				glog.V(1).Infof("%sping error = %s\n", logTagTransport, err)
				self.cancel()
				return
			}
		}
	}
}

func (self *WebsocketTransport) Send(frame *Frame) error {
	select {
	case <-self.ctx.Done():
		return ErrStreamClosed
	default:
	}

	message, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	self.sendLock.Lock()
	defer self.sendLock.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
		glog.Infof("%s-> error = %s\n", logTagTransport, err)
		self.cancel()
		return err
	}
	glog.V(2).Infof("%s->\n", logTagTransport)
	return nil
}

func (self *WebsocketTransport) Receive() (*Frame, error) {
	for {
		select {
		case <-self.ctx.Done():
			return nil, ErrStreamClosed
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("%s<- error = %s\n", logTagTransport, err)
			self.cancel()
			return nil, err
		}
		if len(message) == 0 {
			// ping
			glog.V(2).Infof("%sping <-\n", logTagTransport)
			continue
		}

		frame := &Frame{}
		if err := json.Unmarshal(message, frame); err != nil {
			glog.Infof("%sdrop malformed frame = %s\n", logTagTransport, err)
			continue
		}
		glog.V(2).Infof("%s<-\n", logTagTransport)
		return frame, nil
	}
}

func (self *WebsocketTransport) Close() error {
	self.cancel()
	return self.ws.Close()
}
