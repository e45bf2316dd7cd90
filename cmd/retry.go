package cmd

import (
	"context"
	"log"
	"time"
)

// backoff - параметры экспоненциальной задержки между попытками
type backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int // после этого числа попыток лог перестаёт показывать лимит
}

var defaultBackoff = backoff{Initial: time.Second, Max: 60 * time.Second, MaxAttempts: 10}

// connectWithRetry повторяет connect с удвоением задержки до b.Max.
// Возвращает nil после успеха или ошибку контекста после отмены.
func connectWithRetry(ctx context.Context, logger *log.Logger, name string, connect func(context.Context) error, b backoff) error {
	delay := b.Initial
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connect(ctx)
		if err == nil {
			logger.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		if attempt <= b.MaxAttempts {
			logger.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)", name, attempt, b.MaxAttempts, err, delay)
		} else {
			logger.Printf("[%s] connect attempt %d failed: %v (retry in %v)", name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > b.Max {
			delay = b.Max
		}
	}
}
