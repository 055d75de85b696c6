package feed

import (
	"time"

	"github.com/sirupsen/logrus"

	"marketfeed/internal/metrics"
	"marketfeed/internal/models"
	"marketfeed/internal/wire"
)

// Dispatcher receives decoded ticks; the router implements it.
type Dispatcher interface {
	Dispatch(tick *models.Tick)
}

// Pipeline decodes raw frames and routes the resulting ticks. One
// Pipeline is shared by all connections; it holds no per-frame state.
type Pipeline struct {
	dispatcher Dispatcher
	logger     *logrus.Logger
}

func NewPipeline(dispatcher Dispatcher, logger *logrus.Logger) *Pipeline {
	return &Pipeline{dispatcher: dispatcher, logger: logger}
}

// HandleFrame implements FrameHandler.
func (p *Pipeline) HandleFrame(frame []byte) {
	result := wire.Decode(frame, time.Now())
	if result.Dropped() {
		metrics.TrackFrameDropped(string(result.Reason))
		p.logger.WithFields(logrus.Fields{
			"reason": string(result.Reason),
			"bytes":  len(frame),
		}).Debug("Frame dropped")
		return
	}

	tick := result.Tick
	metrics.TrackFrameDecoded(tick.Type.String())
	metrics.FrameRate.Increment()

	if tick.Type == models.PacketDisconnect {
		p.logger.WithFields(logrus.Fields{
			"security_id": tick.SecurityID,
			"code":        tick.DisconnectCode,
			"reason":      tick.DisconnectReason,
		}).Warn("⚠️ Feed sent disconnect notice")
		return
	}

	p.dispatcher.Dispatch(tick)
}
