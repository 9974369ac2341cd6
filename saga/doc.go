// Package saga persists long-running saga instances and delivers their timeouts.
//
// A saga embeds State and is stored through a Repository selected by a
// Configuration:
//
//	type OrderSaga struct {
//		saga.State
//		OrderID string `json:"orderId"`
//	}
//
//	cfg, _ := saga.NewConfiguration(saga.UseRedis(client, "orders"), saga.HighAvailability())
//	repo, _ := saga.NewRepository(cfg, func() *OrderSaga { return &OrderSaga{} })
//
// Saves are optimistic: a stale Version fails with ErrConcurrencyConflict.
package saga
