// Package wsstream pushes live job output over websocket.
package wsstream

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/osjudge/osjudge/cmd/osjudge/restapi"
	"github.com/osjudge/osjudge/store"
	"github.com/osjudge/osjudge/types"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	defaultPollInterval = 500 * time.Millisecond
)

// Getter reads a single job record
type Getter interface {
	Get(ctx context.Context, id int64) (store.Record, error)
}

// Frame is one message pushed to the client
type Frame struct {
	Status types.Status `json:"status"`
	// Output is appended to what was received before, unless Reset is set
	Output string `json:"output,omitempty"`
	Reset  bool   `json:"reset,omitempty"`
	Error  string `json:"error,omitempty"`
}

type streamHandle struct {
	records      Getter
	pollInterval time.Duration
	logger       *zap.Logger
}

// New creates the websocket handle, pollInterval <= 0 uses the default
func New(records Getter, pollInterval time.Duration, logger *zap.Logger) restapi.Register {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &streamHandle{
		records:      records,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

func (h *streamHandle) Register(r *gin.Engine) {
	r.GET("/jobs/:id/ws", h.handleWS)
}

func (h *streamHandle) handleWS(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, "invalid job id")
		return
	}
	if _, err := h.records.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, err.Error())
			return
		}
		c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader already replied
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go readLoop(conn, cancel)
	if err := h.sendLoop(ctx, conn, id); err != nil {
		h.logger.Debug("websocket stream stopped", zap.Int64("jobId", id), zap.Error(err))
	}
}

// readLoop consumes control frames so pong and close are handled
func readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *streamHandle) sendLoop(ctx context.Context, conn *websocket.Conn, id int64) error {
	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var (
		sent   string
		status = types.Status(-1)
	)
	for {
		r, err := h.records.Get(ctx, id)
		if err != nil {
			return err
		}
		if f, changed := diff(sent, status, r); changed {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				return err
			}
			sent, status = r.Output, r.Status
		}
		if r.Status.Terminal() {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			return conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, r.Status.String()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// diff builds the frame that brings a client holding sent / status up to r
func diff(sent string, status types.Status, r store.Record) (Frame, bool) {
	f := Frame{Status: r.Status, Error: r.Error}
	switch {
	case strings.HasPrefix(r.Output, sent):
		f.Output = r.Output[len(sent):]
	default:
		// a replacement character at the end of the previous output was completed
		f.Output = r.Output
		f.Reset = true
	}
	return f, f.Output != "" || f.Reset || r.Status != status
}
