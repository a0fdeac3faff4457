package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"koi-classifier/internal/common"
	"koi-classifier/internal/features"
	"koi-classifier/internal/ml"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	streamReadLimit = 64 << 10
	streamPongWait  = 60 * time.Second
	streamWriteWait = 10 * time.Second
)

// StreamMessage is the reply to one record sent over /api/stream.
type StreamMessage struct {
	Seq            int            `json:"seq"`
	Prediction     string         `json:"prediction"`
	PredictionCode int            `json:"prediction_code"`
	Confidence     float64        `json:"confidence"`
	Error          *ErrorResponse `json:"error,omitempty"`
}

// handleStream scores one JSON record per text message. A bad record gets
// an error reply; the connection stays open.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()
	log.Debug().Str("remote", r.RemoteAddr).Msg("prediction stream opened")

	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for seq := 0; ; seq++ {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("prediction stream closed unexpectedly")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		if msgType != websocket.TextMessage {
			continue
		}

		reply, fatal := s.scoreMessage(seq, data)
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(reply); err != nil {
			log.Warn().Err(err).Msg("prediction stream write failed")
			return
		}
		if fatal {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "model failure"))
			return
		}
	}
}

// scoreMessage turns one message into a reply. fatal is set when the
// artifacts failed, which no later message can fix.
func (s *Server) scoreMessage(seq int, data []byte) (StreamMessage, bool) {
	reply := StreamMessage{Seq: seq, Prediction: ml.Unknown.String(), PredictionCode: int(ml.Unknown)}

	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		reply.Error = &ErrorResponse{Error: "message is not a JSON object", Kind: "request"}
		return reply, false
	}

	rec, err := features.RecordFromMap(raw)
	if err != nil {
		s.metrics.MLValidationFailuresInc()
		_, body := errorBody(err)
		reply.Error = &body
		return reply, false
	}

	results, err := s.pipeline.ClassifyBatch([]features.FeatureRecord{rec})
	if err != nil {
		_, body := errorBody(err)
		reply.Error = &body
		log.Error().Err(err).Msg("stream prediction failed")
		return reply, true
	}
	res := results[0]
	if res.Err != nil {
		var ve *common.ValidationError
		if errors.As(res.Err, &ve) {
			ve.Row = -1
		}
		_, body := errorBody(res.Err)
		reply.Error = &body
		return reply, false
	}

	reply.Prediction = res.Label.String()
	reply.PredictionCode = res.Code
	reply.Confidence = res.Confidence
	s.record(rec, ml.Prediction{Label: res.Label, Code: res.Code, Confidence: res.Confidence}, "stream")
	return reply, false
}
