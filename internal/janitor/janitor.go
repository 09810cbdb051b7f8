// Package janitor executa tarefas de manutenção periódicas em segundo plano.
package janitor

import (
	"context"
	"time"

	"social-ratelimit/internal/domain"
)

// Task é uma passada de manutenção; devolve quantos itens foram removidos
type Task func(ctx context.Context) (int64, error)

// Run executa task a cada interval até ctx ser cancelado.
// Intervalo não positivo desativa o loop e retorna imediatamente.
func Run(ctx context.Context, interval time.Duration, task Task, logger domain.Logger) {
	if interval <= 0 || task == nil {
		return
	}

	logger.Info("Starting rate limit cleanup loop", map[string]interface{}{
		"interval_seconds": interval.Seconds(),
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping rate limit cleanup loop", nil)
			return
		case <-ticker.C:
			deleted, err := task(ctx)
			if err != nil {
				// o próximo tick tenta de novo
				logger.Error("Rate limit cleanup failed", err, nil)
				continue
			}
			if deleted > 0 {
				logger.Info("Rate limit cleanup completed", map[string]interface{}{
					"deleted": deleted,
				})
			}
		}
	}
}

// Start dispara Run em uma goroutine e devolve um canal fechado quando ela termina
func Start(ctx context.Context, interval time.Duration, task Task, logger domain.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, interval, task, logger)
	}()
	return done
}
