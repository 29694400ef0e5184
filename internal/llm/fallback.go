package llm

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Fallback asks the primary generator first and the secondary only when
// the primary fails.
type Fallback struct {
	primary   Generator
	secondary Generator
	logger    *zap.Logger
}

func NewFallback(primary, secondary Generator, logger *zap.Logger) (*Fallback, error) {
	if primary == nil || secondary == nil {
		return nil, errors.New("llm: fallback needs both generators")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{primary: primary, secondary: secondary, logger: logger}, nil
}

func (f *Fallback) Generate(ctx context.Context, req Request) (string, error) {
	text, err := f.primary.Generate(ctx, req)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", err
	}
	f.logger.Warn("Primary generator failed, trying fallback", zap.Error(err))
	text, err2 := f.secondary.Generate(ctx, req)
	if err2 != nil {
		return "", errors.Join(err, err2)
	}
	return text, nil
}

// Close releases both generators.
func (f *Fallback) Close() error {
	return errors.Join(Close(f.primary), Close(f.secondary))
}
