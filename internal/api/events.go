package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/asteriske/scribe-sub001/internal/progress"
)

// Events は GET /api/jobs/:id/events のハンドラーです。
// 最初に現在状態のスナップショットを送り、終端イベントを送った時点でストリームを閉じます。
func (h *Handler) Events(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sub, err := h.svc.Subscribe(ctx, jobID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	heartbeat := time.NewTicker(h.opts.Heartbeat)
	defer heartbeat.Stop()

	events := sub.Events()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, open := <-events:
			if !open {
				// 配信が追いつかず終端イベントを取りこぼした場合は、ストアから最終状態を補う
				h.sendFinalState(c, jobID)
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return !ev.Terminal()
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}

func (h *Handler) sendFinalState(c *gin.Context, jobID string) {
	job, err := h.svc.Get(c.Request.Context(), jobID)
	if err != nil {
		h.opts.Logger.Debug().Err(err).Str("job", jobID).Msg("event stream closed without final state")
		return
	}
	if !job.Status.Terminal() {
		return
	}
	ev := progress.FromJob(progress.EventStatus, job, "")
	c.SSEvent(string(ev.Type), ev)
}
