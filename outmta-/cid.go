package outmta

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/outmta/outmta/mlog"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id, for correlating log lines of one operation.
func Cid() int64 {
	return cid.Add(1)
}

// CidContext returns a context with a new cid stored for logging.
func CidContext(parent context.Context) context.Context {
	return context.WithValue(parent, mlog.CidKey, Cid())
}
