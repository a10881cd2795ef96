// Package openai implements the OpenAI chat-completions dialect adapter,
// the sibling of internal/adapter/translator/anthropic; the two share the
// same buffer-pooled Adapter shape so the dialects stay structurally
// symmetric.
package openai

import (
	"bytes"
	"io"

	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
	"github.com/lunaroute/lunaroute/internal/logger"
	"github.com/lunaroute/lunaroute/pkg/pool"
)

// Adapter translates between the OpenAI chat-completions wire dialect and
// the normalized model. It implements ports.DialectAdapter.
type Adapter struct {
	logger     *logger.StyledLogger
	bufferPool *pool.Pool[*bytes.Buffer]
}

var _ ports.DialectAdapter = (*Adapter)(nil)

func NewAdapter(log *logger.StyledLogger) *Adapter {
	bufferPool := pool.NewLitePool(func() *bytes.Buffer {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	})
	return &Adapter{logger: log, bufferPool: bufferPool}
}

func (a *Adapter) Dialect() domain.Dialect {
	return domain.DialectOpenAI
}

func (a *Adapter) NewStreamDecoder() ports.StreamDecoder {
	return newStreamDecoder()
}

func (a *Adapter) NewStreamEncoder(w io.Writer) ports.StreamEncoder {
	return newStreamEncoder(w)
}

const maxRequestBytes = 20 << 20 // 20 MiB
