package rabbitmq

// Очереди и ключи маршрутизации сервиса.
const (
	PurchaseQueue      = "purchase.completed"
	PurchaseRoutingKey = "purchase.completed"
	SyncQueue          = "subscription.sync"
	SyncRoutingKey     = "subscription.sync"
	ChangedRoutingKey  = "entitlement.changed"
)

// QueueConfig описывает очередь и ключ, по которому она привязана к обменнику.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// GetEntitlementQueues возвращает очереди, которые слушает сервис.
func GetEntitlementQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: PurchaseQueue, RoutingKey: PurchaseRoutingKey},
		{QueueName: SyncQueue, RoutingKey: SyncRoutingKey},
	}
}
