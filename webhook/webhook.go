// Package webhook receives delivery-status callbacks from relay agents over
// HTTP and applies them to the queue.
package webhook

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mjl-/bstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/outmta/outmta/metrics"
	"github.com/outmta/outmta/mlog"
	"github.com/outmta/outmta/outmta-"
	"github.com/outmta/outmta/queue"
)

var pkglog = mlog.New("webhook")

var metricRequest = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "outmta_webhook_request_total",
		Help: "Webhook callbacks, by result.",
	},
	[]string{
		"result", // "ok", "malformed", "mismatch", "unknown", "error"
	},
)

// Handler returns the http handler for delivery-status callbacks.
//
// A malformed body is the only client error. Authentication failures (token
// mismatch, unknown message) are logged and answered with 200 so a confused
// or malicious agent learns nothing about which message ids exist. One bad
// payload never affects other callbacks.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := outmta.CidContext(r.Context())
		log := pkglog.WithContext(ctx)

		defer func() {
			x := recover()
			if x != nil {
				log.Error("webhook panic", mlog.Field("panic", x))
				metrics.PanicInc(metrics.Webhook)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()

		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var u queue.StatusUpdate
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&u); err != nil {
			log.Infox("malformed webhook payload", err)
			metricRequest.WithLabelValues("malformed").Inc()
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}

		err := queue.UpdateDeliveryStatus(ctx, u)
		switch {
		case err == nil:
			metricRequest.WithLabelValues("ok").Inc()
		case errors.Is(err, queue.ErrTokenMismatch):
			log.Errorx("webhook token mismatch", err, mlog.Field("msgid", u.MessageID))
			metricRequest.WithLabelValues("mismatch").Inc()
		case errors.Is(err, bstore.ErrAbsent):
			log.Infox("webhook for unknown message", err, mlog.Field("msgid", u.MessageID))
			metricRequest.WithLabelValues("unknown").Inc()
		default:
			log.Errorx("applying webhook", err, mlog.Field("msgid", u.MessageID))
			metricRequest.WithLabelValues("error").Inc()
		}
		w.WriteHeader(http.StatusOK)
	})
}
