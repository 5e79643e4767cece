package bot

import (
	"time"

	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/sirupsen/logrus"
)

// Idle is the behavior of a bot that has nothing to say
type Idle struct{}

func (Idle) Opened(s *Session) {}

func (Idle) OpenFailed(s *Session, reason int) {
	logger.WithFields(logrus.Fields{
		"partner": s.Partner().ID,
		"target":  s.Target(),
		"reason":  im.ReasonText(reason),
	}).Warn("notification-session-open-failed")
}

func (Idle) Closed(s *Session, reason int) {}

func (Idle) TextReceived(s *Session, text string) {
	if err := s.SendText(DefaultReply); err != nil {
		logger.WithFields(logrus.Fields{
			"partner": s.Partner().ID,
			"error":   err,
		}).Warn("failed-to-send-default-reply")
	}
}

// Opened sends the message and schedules the close
func (n Notification) Opened(s *Session) {
	if err := s.SendText(n.Message); err != nil {
		logger.WithFields(logrus.Fields{
			"partner": s.Partner().ID,
			"target":  s.Target(),
			"error":   err,
		}).Error("notification-send-failed")
		_ = s.Close(im.ReasonSendFailed)
		return
	}

	logger.WithFields(logrus.Fields{
		"partner": s.Partner().ID,
		"target":  s.Target(),
		"length":  len(n.Message),
	}).Info("notification-sent")

	// Closing right away can drop the message on some networks.
	s.closeAfter(n.Grace, im.ReasonNormal)
}

// closeAfter closes the session once d has elapsed, unless it closed earlier
func (s *Session) closeAfter(d time.Duration, reason int) {
	if d <= 0 {
		_ = s.Close(reason)
		return
	}

	t := time.NewTimer(d)
	go func() {
		defer t.Stop()
		select {
		case <-t.C:
			_ = s.Close(reason)
		case <-s.done:
		}
	}()
}
