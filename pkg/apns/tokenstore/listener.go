package tokenstore

import (
	"context"
	"time"

	"github.com/kart-io/apnshub/pkg/apns"
	"github.com/kart-io/apnshub/pkg/apns/manager"
	"github.com/kart-io/apnshub/pkg/logger"
)

// saveTimeout bounds a single Save issued by Listener.
const saveTimeout = 10 * time.Second

// Listener returns an expired token listener that saves every feedback
// session's tokens into store. Failures are logged; the tokens are lost.
func Listener(store Store, log logger.Logger) manager.ExpiredTokenListener {
	log = logger.OrDiscard(log)
	return manager.ExpiredTokenListenerFunc(func(m *manager.Manager, tokens []apns.ExpiredToken) {
		if len(tokens) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()

		if err := store.Save(ctx, tokens); err != nil {
			log.Error("failed to store expired tokens", "manager", m.Name(), "count", len(tokens), "error", err)
			return
		}
		log.Info("stored expired tokens", "manager", m.Name(), "count", len(tokens))
	})
}
