package remote

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/brensch/gozero/executor/inference"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
}

// HandlerStats counts traffic since the handler was created.
type HandlerStats struct {
	Connections int64 `json:"connections"`
	Requests    int64 `json:"requests"`
	Positions   int64 `json:"positions"`
	Errors      int64 `json:"errors"`
}

// Handler serves evaluations over websocket. Each position of a request is
// submitted to the predictor separately so that requests from many clients
// share the predictor's batches.
type Handler struct {
	predictor inference.Predictor

	connections atomic.Int64
	requests    atomic.Int64
	positions   atomic.Int64
	errors      atomic.Int64
}

func NewHandler(p inference.Predictor) *Handler {
	return &Handler{predictor: p}
}

func (h *Handler) Stats() HandlerStats {
	return HandlerStats{
		Connections: h.connections.Load(),
		Requests:    h.requests.Load(),
		Positions:   h.positions.Load(),
		Errors:      h.errors.Load(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	h.connections.Add(1)
	logger := log.With().Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("client connected")

	ctx := r.Context()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("read error")
			}
			logger.Info().Msg("client disconnected")
			return
		}

		id, batch, err := decodeRequest(msg)
		var resp []byte
		if err == nil {
			var results []inference.Result
			results, err = h.evaluate(ctx, batch)
			if err == nil {
				resp = encodeResponse(id, results)
			}
		}
		if err != nil {
			h.errors.Add(1)
			logger.Error().Err(err).Uint32("id", id).Msg("evaluation failed")
			resp = encodeError(id, err)
		}

		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, resp); err != nil {
			logger.Warn().Err(err).Msg("write error")
			return
		}
	}
}

func (h *Handler) evaluate(ctx context.Context, batch [][]float32) ([]inference.Result, error) {
	h.requests.Add(1)
	h.positions.Add(int64(len(batch)))

	results := make([]inference.Result, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, features := range batch {
		g.Go(func() error {
			res, err := h.predictor.Predict(gctx, inference.Request{Features: features})
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
