package anthropic

import (
	"bytes"
	"io"

	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
	"github.com/lunaroute/lunaroute/internal/logger"
	"github.com/lunaroute/lunaroute/pkg/pool"
)

// Adapter translates between the Anthropic Messages wire dialect and the
// normalized model. It implements ports.DialectAdapter, with a buffer pool
// behind serialization to keep allocation off the per-request hot path.
type Adapter struct {
	logger     *logger.StyledLogger
	bufferPool *pool.Pool[*bytes.Buffer]
}

var _ ports.DialectAdapter = (*Adapter)(nil)

// NewAdapter creates the Anthropic dialect adapter with a 4KB buffer pool,
// which fits most chat completions without reallocation.
func NewAdapter(log *logger.StyledLogger) *Adapter {
	bufferPool := pool.NewLitePool(func() *bytes.Buffer {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	})

	return &Adapter{
		logger:     log,
		bufferPool: bufferPool,
	}
}

func (a *Adapter) Dialect() domain.Dialect {
	return domain.DialectAnthropic
}

func (a *Adapter) NewStreamDecoder() ports.StreamDecoder {
	return newStreamDecoder()
}

func (a *Adapter) NewStreamEncoder(w io.Writer) ports.StreamEncoder {
	return newStreamEncoder(w)
}
